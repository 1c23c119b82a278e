package events

import (
	"context"

	"github.com/prn-tf/bastion/internal/session"
)

// Enforcer turns enforcement actions into events for the host adapter.
type Enforcer struct {
	pub Publisher
}

// NewEnforcer creates an enforcer publishing on pub.
func NewEnforcer(pub Publisher) *Enforcer {
	return &Enforcer{pub: pub}
}

// Disconnect publishes a disconnect request.
func (e *Enforcer) Disconnect(ctx context.Context, s *session.Session, reason string) error {
	return e.pub.Publish(ctx, Event{
		Kind:       KindDisconnect,
		TargetID:   s.PlayerID,
		PlayerUUID: s.UUID.String(),
		Message:    reason,
	})
}

// Suppress publishes a suppressed-chat notice.
func (e *Enforcer) Suppress(ctx context.Context, s *session.Session, message string) error {
	return e.pub.Publish(ctx, Event{
		Kind:       KindSuppress,
		TargetID:   s.PlayerID,
		PlayerUUID: s.UUID.String(),
		Message:    message,
	})
}

var _ session.Enforcer = (*Enforcer)(nil)
