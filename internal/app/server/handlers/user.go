package handlers

import (
	"hearth/internal/core/domain"
	"hearth/internal/core/services"
	"net/http"
)

// PresenceReader answers presence lookups for REST callers.
type PresenceReader interface {
	Get(userID string) domain.Presence
}

type UserHandler struct {
	users    *services.UserService
	presence PresenceReader
}

func NewUserHandler(u *services.UserService, p PresenceReader) *UserHandler {
	return &UserHandler{users: u, presence: p}
}

func (h *UserHandler) Block(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.users.Block(r.Context(), userID, r.PathValue("user_id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.users.Unblock(r.Context(), userID, r.PathValue("user_id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	target := r.PathValue("user_id")
	if _, err := h.users.GetUser(r.Context(), target); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.presence.Get(target))
}
