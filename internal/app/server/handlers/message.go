package handlers

import (
	"hearth/internal/core/domain"
	"hearth/internal/core/services"
	"net/http"
	"strconv"
)

type MessageHandler struct {
	messages *services.MessageService
}

func NewMessageHandler(m *services.MessageService) *MessageHandler {
	return &MessageHandler{messages: m}
}

func (h *MessageHandler) Post(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := h.messages.Post(r.Context(), userID, r.PathValue("channel_id"), req.Content)
	if err != nil && msg == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.messages.History(r.Context(), userID, r.PathValue("channel_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
