package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/service"
)

// SessionHandler exposes the login, chat and disconnect hooks to host adapters.
type SessionHandler struct {
	sessions *service.SessionService
	logger   zerolog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *service.SessionService, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger.With().Str("handler", "sessions").Logger(),
	}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleJoin)
	r.Delete("/sessions/{uuid}", h.handleLeave)
	r.Post("/sessions/{uuid}/chat", h.handleChat)
}

// JoinResponse is the login decision.
type JoinResponse struct {
	*service.JoinResult
	Allowed bool `json:"allowed"`
}

// ChatResponse is the chat decision.
type ChatResponse struct {
	*service.ChatResult
	Muted bool `json:"muted"`
}

func (h *SessionHandler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var input service.JoinInput
	if err := decodeJSON(r, &input); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}

	result, err := h.sessions.Join(r.Context(), input)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, JoinResponse{JoinResult: result, Allowed: result.Allowed()})
}

func (h *SessionHandler) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionUUID(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Leave(r.Context(), id); err != nil {
		writeError(w, errorFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionUUID(w, r)
	if !ok {
		return
	}
	result, err := h.sessions.Chat(r.Context(), id)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{ChatResult: result, Muted: result.Mute != nil})
}

func sessionUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		badRequest(w, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}
