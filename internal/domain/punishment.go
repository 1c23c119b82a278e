package domain

import (
	"encoding/json"
	"sync"
	"time"
)

// MaxReasonBytes is the maximum encoded length of a punishment reason.
const MaxReasonBytes = 255

// Punishment is a ledger record against a target identity.
//
// Records are never deleted. The lift state is the only mutable part and is guarded
// so that concurrent readers observing an elapsed punishment agree on a single
// transition; always handle punishments by pointer.
type Punishment struct {
	// ID is assigned by the durable store on creation, 0 before.
	ID int64

	Type     PunishmentType
	Target   Identity
	Punisher Identity

	// Reason is optional; at most MaxReasonBytes.
	Reason *string

	// CreatedAt is the creation time in unix milliseconds.
	CreatedAt int64

	// DurationMs is 0 for permanent punishments.
	DurationMs int64

	mu       sync.Mutex
	lifted   bool
	liftedBy *int64
}

// NewPunishment validates and builds an unpersisted punishment.
func NewPunishment(t PunishmentType, target, punisher Identity, reason *string, createdAt time.Time, duration time.Duration) (*Punishment, error) {
	if !t.Valid() {
		return nil, ErrUnknownPunishmentType
	}
	if target == nil || punisher == nil || !target.Persisted() || !punisher.Persisted() {
		return nil, ErrMissingTarget
	}
	if reason != nil && len(*reason) > MaxReasonBytes {
		return nil, NewDomainError(ErrReasonTooLong, "reason rejected", "")
	}
	// Durations are stored in whole milliseconds and 0 means permanent.
	if duration < 0 || (duration > 0 && duration < time.Millisecond) {
		return nil, ErrInvalidDuration
	}
	return &Punishment{
		Type:       t,
		Target:     target,
		Punisher:   punisher,
		Reason:     reason,
		CreatedAt:  createdAt.UnixMilli(),
		DurationMs: duration.Milliseconds(),
	}, nil
}

// RestorePunishment rebuilds a persisted punishment, as read from the store.
func RestorePunishment(id int64, t PunishmentType, target, punisher Identity, reason *string, createdAt, durationMs int64, lifted bool, liftedBy *int64) *Punishment {
	return &Punishment{
		ID:         id,
		Type:       t,
		Target:     target,
		Punisher:   punisher,
		Reason:     reason,
		CreatedAt:  createdAt,
		DurationMs: durationMs,
		lifted:     lifted || liftedBy != nil,
		liftedBy:   liftedBy,
	}
}

// IsPermanent reports whether the punishment has no expiry.
func (p *Punishment) IsPermanent() bool {
	return p.DurationMs == 0
}

// ExpiresAt returns the expiry instant in unix milliseconds; ok is false for permanent punishments.
func (p *Punishment) ExpiresAt() (ms int64, ok bool) {
	if p.IsPermanent() {
		return 0, false
	}
	return p.CreatedAt + p.DurationMs, true
}

// HasElapsed reports whether a time-bounded punishment is past its expiry at nowMs.
func (p *Punishment) HasElapsed(nowMs int64) bool {
	exp, ok := p.ExpiresAt()
	return ok && nowMs >= exp
}

// Lifted reports whether the punishment has been lifted or has expired.
func (p *Punishment) Lifted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifted
}

// LiftedBy returns the store id of the lifter. It is nil for unlifted and expired punishments.
func (p *Punishment) LiftedBy() *int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.liftedBy == nil {
		return nil
	}
	v := *p.liftedBy
	return &v
}

// MarkLifted transitions the punishment to lifted. It returns false if it already was,
// so exactly one caller wins a concurrent transition. A nil liftedBy records expiry.
func (p *Punishment) MarkLifted(liftedBy *int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lifted {
		return false
	}
	p.lifted = true
	if liftedBy != nil {
		v := *liftedBy
		p.liftedBy = &v
	}
	return true
}

// RevertLift undoes a MarkLifted whose persistence failed.
func (p *Punishment) RevertLift() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifted = false
	p.liftedBy = nil
}

// punishmentJSON is the wire form of a Punishment.
type punishmentJSON struct {
	ID         int64          `json:"id"`
	Type       PunishmentType `json:"type"`
	Target     IdentityRef    `json:"target"`
	Punisher   IdentityRef    `json:"punisher"`
	Reason     *string        `json:"reason,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	DurationMs int64          `json:"duration_ms"`
	ExpiresAt  *int64         `json:"expires_at,omitempty"`
	Lifted     bool           `json:"lifted"`
	LiftedBy   *int64         `json:"lifted_by,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p *Punishment) MarshalJSON() ([]byte, error) {
	out := punishmentJSON{
		ID:         p.ID,
		Type:       p.Type,
		Target:     RefOf(p.Target),
		Punisher:   RefOf(p.Punisher),
		Reason:     p.Reason,
		CreatedAt:  p.CreatedAt,
		DurationMs: p.DurationMs,
		Lifted:     p.Lifted(),
		LiftedBy:   p.LiftedBy(),
	}
	if exp, ok := p.ExpiresAt(); ok {
		out.ExpiresAt = &exp
	}
	return json.Marshal(out)
}
