package gateway

import (
	"context"
	"errors"
	"hearth/internal/app/presence"
	"hearth/internal/app/registry"
	"hearth/internal/app/session"
	"hearth/internal/config"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"hearth/pkg/logging"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("hearth/gateway")

// Transport carries whole frames for one client. Close may be called
// concurrently with Read and Write and must unblock both.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code domain.CloseCode, reason string) error
}

// Admission may refuse a handshake before a session is created.
type Admission func(ctx context.Context, userID string) error

// Engine runs the gateway protocol for every connection handed to Serve.
type Engine struct {
	cfg      config.GatewayConfig
	registry *registry.Registry
	pub      contracts.Publisher
	presence *presence.Tracker
	auth     contracts.Authenticator
	dir      contracts.Directory
	admit    Admission
	log      *slog.Logger
	trace    []string

	connections atomic.Int64
	expired     atomic.Int64
}

type Option func(*Engine)

func WithAdmission(fn Admission) Option {
	return func(e *Engine) { e.admit = fn }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func NewEngine(
	cfg config.GatewayConfig,
	reg *registry.Registry,
	pub contracts.Publisher,
	tracker *presence.Tracker,
	auth contracts.Authenticator,
	dir contracts.Directory,
	opts ...Option,
) *Engine {
	host, _ := os.Hostname()
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		pub:      pub,
		presence: tracker,
		auth:     auth,
		dir:      dir,
		log:      slog.Default(),
		trace:    []string{"hearth-gateway-" + host},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Serve speaks the protocol over t until the transport fails or the engine
// closes it. A session identified on t survives the return for the resume
// window.
func (e *Engine) Serve(ctx context.Context, t Transport) error {
	e.connections.Add(1)
	defer e.connections.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConn(e, t)
	interval := JitteredInterval(e.cfg.HeartbeatInterval, e.cfg.HeartbeatJitter)
	c.heartbeat = NewHeartbeatMonitor(interval, e.cfg.HeartbeatGrace, func() {
		c.log.Info("gateway - heartbeat - deadline missed",
			slog.Duration("deadline", interval+e.cfg.HeartbeatGrace),
		)
		c.Close(domain.CloseSessionTimeout, "heartbeat deadline missed")
	})
	defer c.heartbeat.Stop()

	hello, err := domain.NewFrame(domain.OpHello, domain.Hello{
		HeartbeatInterval: interval.Milliseconds(),
		Trace:             e.trace,
	})
	if err != nil {
		return err
	}
	if err := c.write(ctx, hello); err != nil {
		c.Close(domain.CloseUnknownError, "hello failed")
		return err
	}

	handshake := time.AfterFunc(e.cfg.HandshakeTimeout, func() {
		if c.current() == nil {
			c.Close(domain.CloseHandshakeTimeout, domain.CloseHandshakeTimeout.Reason())
		}
	})
	defer handshake.Stop()

	err = c.run(ctx)
	c.finish(ctx)
	return err
}

// detach records transport loss for s and starts its resume window.
func (e *Engine) detach(ctx context.Context, s *session.Session, link session.Link) {
	if !s.Detach(link) {
		return
	}
	e.presence.Disconnect(context.WithoutCancel(ctx), s.UserID(), false)
	e.registry.Retain(s)
	e.log.Info("gateway - detach - session retained",
		logging.Session(s.ID()),
		logging.User(s.UserID()),
		logging.Sequence(s.Seq()),
		slog.Duration("window", e.registry.Window()),
	)
}

// Kick invalidates a session immediately, closing its transport if any.
func (e *Engine) Kick(ctx context.Context, sessionID string) error {
	s, ok := e.registry.Lookup(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	prev, link := e.registry.Expire(s)
	if link != nil {
		link.Close(domain.CloseUnknownError, "session invalidated")
	}
	if prev == session.StateIdentified || prev == session.StateResuming {
		e.presence.Disconnect(ctx, s.UserID(), true)
	}
	e.log.Info("gateway - kick - session invalidated",
		logging.Session(s.ID()),
		logging.User(s.UserID()),
		slog.String("previous_state", prev.String()),
	)
	return nil
}

// Sessions lists every session the registry still holds.
func (e *Engine) Sessions() []session.Info {
	all := e.registry.All()
	out := make([]session.Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

// SessionExpired accounts for a session whose resume window elapsed. Install
// it as the registry's expiry hook.
func (e *Engine) SessionExpired(s *session.Session) {
	e.expired.Add(1)
	e.log.Info("gateway - expire - resume window elapsed",
		logging.Session(s.ID()),
		logging.User(s.UserID()),
		logging.Sequence(s.Seq()),
	)
}

type Stats struct {
	Connections int64           `json:"connections"`
	Expired     int64           `json:"expired_sessions"`
	OnlineUsers int             `json:"online_users"`
	Registry    registry.Counts `json:"registry"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Connections: e.connections.Load(),
		Expired:     e.expired.Load(),
		OnlineUsers: e.presence.OnlineCount(),
		Registry:    e.registry.Counts(),
	}
}

// Shutdown tells every attached client to go away. Their sessions are
// dropped with the process.
func (e *Engine) Shutdown() {
	for _, s := range e.registry.All() {
		if link := s.Link(); link != nil {
			link.Close(domain.CloseGoingAway, domain.CloseGoingAway.Reason())
		}
	}
	e.presence.Close()
	e.registry.Close()
}

// closeFor maps a collaborator error to the close it causes. Storage
// failures are retryable, so they never look like an auth rejection.
func closeFor(err error, fallback domain.CloseCode) *domain.CloseError {
	var ce *domain.CloseError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return &domain.CloseError{Code: domain.CloseUnknownError, Reason: "storage unavailable", Err: err}
	}
	return domain.NewCloseError(fallback, err)
}
