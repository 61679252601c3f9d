package server

import (
	"context"
	"errors"
	"hearth/internal/app/server/handlers"
	"hearth/internal/core/contracts"
	"hearth/internal/core/services"
	"hearth/pkg/middleware"
	"log/slog"
	"net/http"
	"time"
)

// Deps is everything the HTTP surface routes to.
type Deps struct {
	Users      *services.UserService
	Tokens     *services.TokenService
	Guilds     *services.GuildService
	Messages   *services.MessageService
	Presence   handlers.PresenceReader
	Sessions   handlers.SessionAdmin
	Publisher  contracts.Publisher
	Gateway    *handlers.WSHandler
	AdminToken string
}

type Server struct {
	mux  *http.ServeMux
	srv  *http.Server
	log  *slog.Logger
	deps Deps
}

func NewServer(log *slog.Logger, app, addr string, deps Deps) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		log:  log,
		deps: deps,
	}
	s.routes()

	var h http.Handler = s.mux
	h = middleware.TracerMiddleware(app)(h)
	h = middleware.RequestLogger(log)(h)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes() {
	auth := middleware.AuthMiddleware(s.deps.Tokens)
	admin := middleware.AdminMiddleware(s.deps.AdminToken)

	authH := handlers.NewAuthHandler(s.deps.Users)
	guildH := handlers.NewGuildHandler(s.deps.Guilds)
	msgH := handlers.NewMessageHandler(s.deps.Messages)
	userH := handlers.NewUserHandler(s.deps.Users, s.deps.Presence)
	adminH := handlers.NewAdminHandler(s.deps.Sessions, s.deps.Publisher)

	protected := func(fn http.HandlerFunc) http.Handler { return auth(fn) }

	// public
	s.mux.HandleFunc("POST /api/users", authH.Register)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.deps.Gateway != nil {
		s.mux.HandleFunc("GET /gateway", s.deps.Gateway.Handler)
	}

	s.mux.Handle("GET /api/users/@me", protected(authH.Me))
	s.mux.Handle("PUT /api/users/@me/blocks/{user_id}", protected(userH.Block))
	s.mux.Handle("DELETE /api/users/@me/blocks/{user_id}", protected(userH.Unblock))
	s.mux.Handle("GET /api/users/{user_id}/presence", protected(userH.Presence))

	s.mux.Handle("POST /api/guilds", protected(guildH.Create))
	s.mux.Handle("PUT /api/guilds/{guild_id}/members/@me", protected(guildH.Join))
	s.mux.Handle("DELETE /api/guilds/{guild_id}/members/@me", protected(guildH.Leave))
	s.mux.Handle("POST /api/guilds/{guild_id}/channels", protected(guildH.CreateChannel))

	s.mux.Handle("POST /api/channels/{channel_id}/messages", protected(msgH.Post))
	s.mux.Handle("GET /api/channels/{channel_id}/messages", protected(msgH.History))

	s.mux.Handle("GET /admin/sessions", admin(http.HandlerFunc(adminH.Sessions)))
	s.mux.Handle("DELETE /admin/sessions/{session_id}", admin(http.HandlerFunc(adminH.Kick)))
	s.mux.Handle("POST /admin/broadcast", admin(http.HandlerFunc(adminH.Broadcast)))
	s.mux.Handle("GET /admin/stats", admin(http.HandlerFunc(adminH.Stats)))
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("server - start - listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// websocket connections are not tracked here; the engine closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server - shutdown - draining")
	return s.srv.Shutdown(ctx)
}
