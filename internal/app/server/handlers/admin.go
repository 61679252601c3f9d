package handlers

import (
	"context"
	"errors"
	"hearth/internal/app/gateway"
	"hearth/internal/app/session"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"hearth/pkg/logging"
	"log/slog"
	"net/http"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// SessionAdmin is the slice of the gateway engine operators can reach.
type SessionAdmin interface {
	Sessions() []session.Info
	Stats() gateway.Stats
	Kick(ctx context.Context, sessionID string) error
}

type AdminHandler struct {
	engine SessionAdmin
	pub    contracts.Publisher
	proc   *process.Process
}

func NewAdminHandler(engine SessionAdmin, pub contracts.Publisher) *AdminHandler {
	h := &AdminHandler{engine: engine, pub: pub}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Default().Warn("admin - process stats - unavailable", "err", err)
	} else {
		h.proc = proc
	}
	return h
}

func (h *AdminHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.engine.Sessions(),
		"counts":   h.engine.Stats().Registry,
	})
}

func (h *AdminHandler) Kick(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if err := h.engine.Kick(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).InfoContext(r.Context(), "admin - kick - session invalidated", logging.Session(id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"t"`
		Data any    `json:"d"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, r, errors.Join(domain.ErrInvalidEvent, errors.New("event name is required")))
		return
	}
	evt, err := domain.NewEvent(req.Name, domain.ToEveryone(), req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.pub.Publish(r.Context(), evt); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": evt.ID})
}

type processStats struct {
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ps := processStats{Goroutines: runtime.NumGoroutine()}
	if h.proc != nil {
		if mem, err := h.proc.MemoryInfoWithContext(r.Context()); err == nil {
			ps.RSSBytes = mem.RSS
		}
		if cpu, err := h.proc.CPUPercentWithContext(r.Context()); err == nil {
			ps.CPUPercent = cpu
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway": h.engine.Stats(),
		"process": ps,
	})
}
