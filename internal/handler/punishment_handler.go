package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/service"
)

// PunishmentHandler creates and lifts punishments.
type PunishmentHandler struct {
	resolver  *service.IdentityResolver
	lifecycle *service.PunishmentLifecycle
	logger    zerolog.Logger
}

// NewPunishmentHandler creates a new punishment handler.
func NewPunishmentHandler(resolver *service.IdentityResolver, lifecycle *service.PunishmentLifecycle, logger zerolog.Logger) *PunishmentHandler {
	return &PunishmentHandler{
		resolver:  resolver,
		lifecycle: lifecycle,
		logger:    logger.With().Str("handler", "punishments").Logger(),
	}
}

// RegisterRoutes registers punishment routes.
func (h *PunishmentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/punishments", h.handleCreate)
	r.Get("/punishments/{id}", h.handleGet)
	r.Post("/punishments/{id}/lift", h.handleLift)
}

// CreatePunishmentRequest is the body of POST /v1/punishments.
type CreatePunishmentRequest struct {
	// Type is a punishment type name such as "ban" or "mute".
	Type string `json:"type"`

	// Target is any identifier: username, stable id or address.
	Target string `json:"target"`

	// Punisher defaults to the console.
	Punisher string `json:"punisher,omitempty"`

	Reason *string `json:"reason,omitempty"`

	// Duration is a Go duration such as "1h30m". Empty means permanent.
	Duration string `json:"duration,omitempty"`
}

// CreatePunishmentResponse reports the new punishment and how many sessions it reached.
type CreatePunishmentResponse struct {
	Punishment *domain.Punishment `json:"punishment"`
	Applied    int                `json:"applied"`
}

// LiftRequest is the body of POST /v1/punishments/{id}/lift.
type LiftRequest struct {
	// LiftedBy defaults to the console.
	LiftedBy string `json:"lifted_by,omitempty"`
}

func (h *PunishmentHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreatePunishmentRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Target == "" {
		badRequest(w, "target is required")
		return
	}
	t, err := domain.ParsePunishmentType(req.Type)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			badRequest(w, "invalid duration %q", req.Duration)
			return
		}
		duration = d
	}

	ctx := r.Context()
	target, err := h.resolver.Resolve(ctx, req.Target)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}
	punisher, err := h.identityOrConsole(r, req.Punisher)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	p, err := h.lifecycle.Create(ctx, service.CreateInput{
		Type:     t,
		Target:   target,
		Punisher: punisher,
		Reason:   req.Reason,
		Duration: duration,
	})
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	applied, err := h.lifecycle.Apply(ctx, p)
	if err != nil {
		// The punishment is stored; enforcement is retried on the next login or chat.
		h.logger.Warn().Err(err).Int64("punishment_id", p.ID).Msg("failed to apply punishment")
	}

	writeJSON(w, http.StatusCreated, CreatePunishmentResponse{Punishment: p, Applied: applied})
}

func (h *PunishmentHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.punishmentID(w, r)
	if !ok {
		return
	}
	p, err := h.lifecycle.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, PunishmentView{Punishment: p, Active: h.lifecycle.CurrentlyApplies(p)})
}

func (h *PunishmentHandler) handleLift(w http.ResponseWriter, r *http.Request) {
	id, ok := h.punishmentID(w, r)
	if !ok {
		return
	}

	var req LiftRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	liftedBy, err := h.identityOrConsole(r, req.LiftedBy)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}

	p, err := h.lifecycle.LiftByID(r.Context(), id, liftedBy)
	if err != nil {
		writeError(w, errorFor(err))
		return
	}
	writeJSON(w, http.StatusOK, PunishmentView{Punishment: p, Active: false})
}

func (h *PunishmentHandler) punishmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid punishment id")
		return 0, false
	}
	return id, true
}

func (h *PunishmentHandler) identityOrConsole(r *http.Request, key string) (domain.Identity, error) {
	if key == "" {
		return domain.Console, nil
	}
	return h.resolver.Resolve(r.Context(), key)
}
