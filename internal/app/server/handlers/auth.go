package handlers

import (
	"hearth/internal/core/services"
	"hearth/pkg/logging"
	"net/http"
)

type AuthHandler struct {
	userSvc *services.UserService
}

func NewAuthHandler(u *services.UserService) *AuthHandler {
	return &AuthHandler{userSvc: u}
}

// Register creates an account and hands back its gateway token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	var req struct {
		Username string `json:"username"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	user, token, err := h.userSvc.Register(r.Context(), req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  user,
	})
	log.InfoContext(r.Context(), "auth handler - register - success", logging.User(user.ID))
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	user, err := h.userSvc.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
