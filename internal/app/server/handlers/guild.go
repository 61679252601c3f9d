package handlers

import (
	"hearth/internal/core/services"
	"net/http"
)

type GuildHandler struct {
	guilds *services.GuildService
}

func NewGuildHandler(g *services.GuildService) *GuildHandler {
	return &GuildHandler{guilds: g}
}

func (h *GuildHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := h.guilds.CreateGuild(r.Context(), userID, req.Name)
	if err != nil && snap == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *GuildHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	m, err := h.guilds.Join(r.Context(), r.PathValue("guild_id"), userID)
	if err != nil && m == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *GuildHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.guilds.Leave(r.Context(), r.PathValue("guild_id"), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GuildHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := h.guilds.CreateChannel(r.Context(), userID, r.PathValue("guild_id"), req.Name)
	if err != nil && ch == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}
