package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/service"
)

// IdentityHandler serves identity lookups and per-target punishment queries.
type IdentityHandler struct {
	resolver  *service.IdentityResolver
	lifecycle *service.PunishmentLifecycle
	logger    zerolog.Logger
}

// NewIdentityHandler creates a new identity handler.
func NewIdentityHandler(resolver *service.IdentityResolver, lifecycle *service.PunishmentLifecycle, logger zerolog.Logger) *IdentityHandler {
	return &IdentityHandler{
		resolver:  resolver,
		lifecycle: lifecycle,
		logger:    logger.With().Str("handler", "identities").Logger(),
	}
}

// RegisterRoutes registers identity routes.
func (h *IdentityHandler) RegisterRoutes(r chi.Router) {
	r.Get("/identities/{key}", h.handleGet)
	r.Get("/identities/{key}/punishments", h.handleHistory)
	r.Get("/identities/{key}/active/{type}", h.handleActive)
}

// IdentityResponse describes a resolved identity.
type IdentityResponse struct {
	Identity domain.IdentityRef `json:"identity"`

	// History is set for players.
	History *domain.UsernameHistory `json:"username_history,omitempty"`

	// Audience is set for network identities: every player seen on the address.
	Audience []*domain.PlayerIdentity `json:"audience,omitempty"`
}

// PunishmentView is a punishment with its evaluated state.
type PunishmentView struct {
	Punishment *domain.Punishment `json:"punishment"`
	Active     bool               `json:"active"`
}

func (h *IdentityHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	resp := IdentityResponse{Identity: domain.RefOf(identity)}
	switch v := identity.(type) {
	case *domain.PlayerIdentity:
		resp.History, err = h.resolver.UsernameHistory(r.Context(), v)
	case *domain.NetworkIdentity:
		resp.Audience, err = h.resolver.Audience(r.Context(), v)
	}
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *IdentityHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	list, err := h.lifecycle.History(r.Context(), identity.StoreID())
	if err != nil {
		h.logger.Error().Err(err).Str("key", identity.Key()).Msg("failed to load history")
		writeError(w, errorFor(err))
		return
	}

	views := make([]PunishmentView, 0, len(list))
	for _, p := range list {
		views = append(views, PunishmentView{Punishment: p, Active: h.lifecycle.CurrentlyApplies(p)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":      domain.RefOf(identity),
		"punishments": views,
	})
}

func (h *IdentityHandler) handleActive(w http.ResponseWriter, r *http.Request) {
	t, err := domain.ParsePunishmentType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	identity, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	p, err := h.lifecycle.GetActive(r.Context(), identity.StoreID(), t)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, PunishmentView{Punishment: p, Active: true})
}
