package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/events"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/repository"
	"github.com/prn-tf/bastion/internal/session"
)

// Lift causes reported to metrics.
const (
	liftManual  = "manual"
	liftExpired = "expired"
)

// Sessions is the part of the session registry enforcement needs.
type Sessions interface {
	SessionsOf(identity domain.Identity) []*session.Session
	Disconnect(ctx context.Context, playerID int64, reason string) error
	SendSuppressed(ctx context.Context, playerID int64, message string) error
}

// CreateInput contains the parameters for creating a punishment.
type CreateInput struct {
	Type     domain.PunishmentType
	Target   domain.Identity
	Punisher domain.Identity
	Reason   *string

	// Duration is 0 for a permanent punishment.
	Duration time.Duration
}

// PunishmentLifecycle creates, lifts and enforces punishments.
//
// Expiry is lazy: a time-bounded punishment is found elapsed when it is read,
// flipped to lifted in memory by the first reader and persisted in the background.
type PunishmentLifecycle struct {
	repo      repository.PunishmentRepository
	cache     *PunishmentCache
	sessions  Sessions
	publisher events.Publisher
	writeBack *WriteBack
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewPunishmentLifecycle creates a new punishment lifecycle.
func NewPunishmentLifecycle(
	repo repository.PunishmentRepository,
	cache *PunishmentCache,
	sessions Sessions,
	publisher events.Publisher,
	writeBack *WriteBack,
	clk clock.Clock,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *PunishmentLifecycle {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &PunishmentLifecycle{
		repo:      repo,
		cache:     cache,
		sessions:  sessions,
		publisher: publisher,
		writeBack: writeBack,
		clock:     clk,
		metrics:   m,
		logger:    logger.With().Str("service", "lifecycle").Logger(),
	}
}

// CurrentlyApplies reports whether p is an active standing punishment.
//
// The first call that finds a time-bounded punishment elapsed marks it lifted
// with no lifter and schedules the store write. Later calls return false
// without writing again.
func (l *PunishmentLifecycle) CurrentlyApplies(p *domain.Punishment) bool {
	if !p.Type.CanBeLifted() || p.Lifted() {
		return false
	}
	if p.IsPermanent() {
		return true
	}
	if !p.HasElapsed(l.clock.Now().UnixMilli()) {
		return true
	}

	if p.MarkLifted(nil) {
		l.expire(p)
	}
	return false
}

// expire persists a lazy expiry. A failed write reverts the in-memory flag so
// that the next reader schedules it again.
func (l *PunishmentLifecycle) expire(p *domain.Punishment) {
	l.metrics.PunishmentLifted(p.Type.String(), liftExpired)
	l.logger.Debug().
		Int64("punishment_id", p.ID).
		Str("type", p.Type.String()).
		Msg("punishment expired")

	l.writeBack.Go(context.Background(), "expire_punishment", func(ctx context.Context) error {
		if _, err := l.repo.Lift(ctx, p.ID, nil); err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				p.RevertLift()
			}
			return err
		}
		return nil
	})
}

// Create validates and persists a punishment. Enforcement is a separate step
// (Apply) that must only follow a successful Create.
func (l *PunishmentLifecycle) Create(ctx context.Context, input CreateInput) (*domain.Punishment, error) {
	p, err := domain.NewPunishment(input.Type, input.Target, input.Punisher, input.Reason, l.clock.Now(), input.Duration)
	if err != nil {
		return nil, err
	}

	if err := l.repo.Create(ctx, p); err != nil {
		return nil, storeError(err, domain.NewDomainError(domain.ErrIdentityNotFound, "target or punisher is not stored", input.Target.Key()))
	}

	l.cache.Add(p)
	l.metrics.PunishmentCreated(p.Type.String())
	l.publish(ctx, events.KindPunishmentCreated, p)

	l.logger.Info().
		Int64("punishment_id", p.ID).
		Str("type", p.Type.String()).
		Int64("target_id", p.Target.StoreID()).
		Int64("punisher_id", p.Punisher.StoreID()).
		Int64("duration_ms", p.DurationMs).
		Msg("punishment created")

	return p, nil
}

// Lift lifts p on behalf of liftedBy. Lifting an already lifted punishment is a no-op.
// The store write happens before the in-memory state changes.
func (l *PunishmentLifecycle) Lift(ctx context.Context, p *domain.Punishment, liftedBy domain.Identity) error {
	if !p.Type.CanBeLifted() {
		return domain.NewDomainError(domain.ErrNotLiftable, p.Type.String(), fmt.Sprint(p.ID))
	}
	if p.Lifted() {
		return nil
	}

	by := liftedBy.StoreID()
	changed, err := l.repo.Lift(ctx, p.ID, &by)
	if err != nil {
		return storeError(err, domain.ErrPunishmentNotFound)
	}
	if !changed {
		// Expired by a sweep or another server; the row has no lifter.
		p.MarkLifted(nil)
		return nil
	}
	if !p.MarkLifted(&by) {
		// Expired concurrently; the store row already says lifted.
		return nil
	}

	l.metrics.PunishmentLifted(p.Type.String(), liftManual)
	l.publish(ctx, events.KindPunishmentLifted, p)

	l.logger.Info().
		Int64("punishment_id", p.ID).
		Str("type", p.Type.String()).
		Int64("lifted_by", by).
		Msg("punishment lifted")

	return nil
}

// LiftActive lifts the active punishment of type t against target.
func (l *PunishmentLifecycle) LiftActive(ctx context.Context, target domain.Identity, t domain.PunishmentType, liftedBy domain.Identity) (*domain.Punishment, error) {
	if !t.CanBeLifted() {
		return nil, domain.NewDomainError(domain.ErrNotLiftable, t.String(), target.Key())
	}
	p, err := l.GetActive(ctx, target.StoreID(), t)
	if err != nil {
		return nil, err
	}
	if err := l.Lift(ctx, p, liftedBy); err != nil {
		return nil, err
	}
	return p, nil
}

// LiftByID lifts the punishment with store id.
func (l *PunishmentLifecycle) LiftByID(ctx context.Context, id int64, liftedBy domain.Identity) (*domain.Punishment, error) {
	p, err := l.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.Lift(ctx, p, liftedBy); err != nil {
		return nil, err
	}
	return p, nil
}

// GetActive returns the latest active punishment of type t against targetID.
// Returns domain.ErrPunishmentNotFound if there is none.
func (l *PunishmentLifecycle) GetActive(ctx context.Context, targetID int64, t domain.PunishmentType) (*domain.Punishment, error) {
	list, err := l.cache.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}

	var active *domain.Punishment
	for _, p := range list {
		if p.Type != t || !l.CurrentlyApplies(p) {
			continue
		}
		if active == nil || p.CreatedAt >= active.CreatedAt {
			active = p
		}
	}
	if active == nil {
		return nil, domain.ErrPunishmentNotFound
	}
	return active, nil
}

// History returns every punishment against targetID, oldest first.
// Elapsed punishments in the result are expired as a side effect.
func (l *PunishmentLifecycle) History(ctx context.Context, targetID int64) ([]*domain.Punishment, error) {
	list, err := l.cache.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		l.CurrentlyApplies(p)
	}
	return list, nil
}

// GetByID returns a punishment, preferring the cached instance of its target's list.
func (l *PunishmentLifecycle) GetByID(ctx context.Context, id int64) (*domain.Punishment, error) {
	p, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, domain.ErrPunishmentNotFound)
	}
	if cached, ok := l.cache.Find(p.Target.StoreID(), id); ok {
		return cached, nil
	}
	return p, nil
}

// Apply enforces p against the sessions of its target and returns how many were
// affected. Sessions holding the type's bypass permission are skipped. Each call
// enforces again; repeating it is up to the caller.
func (l *PunishmentLifecycle) Apply(ctx context.Context, p *domain.Punishment) (int, error) {
	if !p.Type.IsApplicable() {
		return 0, nil
	}
	if p.Type.CanBeLifted() && !l.CurrentlyApplies(p) {
		return 0, nil
	}

	message := FormatMessage(p, l.clock.Now())
	affected := 0
	for _, s := range l.sessions.SessionsOf(p.Target) {
		if s.HasPermission(p.Type.BypassPermission()) {
			continue
		}

		var err error
		switch p.Type {
		case domain.PunishmentBan, domain.PunishmentKick:
			err = l.sessions.Disconnect(ctx, s.PlayerID, message)
		case domain.PunishmentMute:
			err = l.sessions.SendSuppressed(ctx, s.PlayerID, message)
		}
		if err != nil {
			return affected, fmt.Errorf("failed to enforce punishment %d: %w", p.ID, err)
		}
		affected++
	}

	if affected > 0 {
		l.logger.Info().
			Int64("punishment_id", p.ID).
			Str("type", p.Type.String()).
			Int("sessions", affected).
			Msg("punishment applied")
	}
	return affected, nil
}

// HandleEvent keeps the cache coherent with punishment changes made on other servers.
func (l *PunishmentLifecycle) HandleEvent(_ context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindPunishmentCreated, events.KindPunishmentLifted:
		l.cache.Invalidate(ev.TargetID)
	}
}

func (l *PunishmentLifecycle) publish(ctx context.Context, kind events.Kind, p *domain.Punishment) {
	err := l.publisher.Publish(ctx, events.Event{
		Kind:         kind,
		TargetID:     p.Target.StoreID(),
		PunishmentID: p.ID,
		Type:         p.Type.String(),
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("kind", string(kind)).Int64("punishment_id", p.ID).Msg("failed to publish event")
	}
}
