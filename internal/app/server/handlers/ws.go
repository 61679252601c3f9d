package handlers

import (
	"context"
	"hearth/internal/app/gateway"
	"hearth/internal/app/server/ws"
	"hearth/pkg/logging"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
)

// WSHandler upgrades /gateway requests and hands the socket to the engine.
// Clients authenticate inside the protocol with IDENTIFY or RESUME.
type WSHandler struct {
	engine       *gateway.Engine
	upgrader     websocket.Upgrader
	maxFrame     int64
	writeTimeout time.Duration
}

func NewWSHandler(engine *gateway.Engine, maxFrame int64, writeTimeout time.Duration) *WSHandler {
	return &WSHandler{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
	}
}

func (h *WSHandler) Handler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorContext(r.Context(), "ws handler - upgrade - failed", "err", err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	log.InfoContext(r.Context(), "ws handler - upgrade - connection established",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Bool("traced", span.SpanContext().IsValid()),
	)

	// The session outlives the request; only the transport ends it.
	ctx := context.WithoutCancel(r.Context())
	if err := h.engine.Serve(ctx, ws.NewTransport(conn, h.maxFrame, h.writeTimeout)); err != nil {
		log.InfoContext(ctx, "ws handler - serve - connection ended", "err", err)
		return
	}
	log.InfoContext(ctx, "ws handler - serve - connection closed")
}
