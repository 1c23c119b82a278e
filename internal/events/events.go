// Package events carries punishment changes and enforcement actions between
// servers and to host adapters.
package events

import (
	"context"
	"time"
)

// Kind names an event.
type Kind string

const (
	// KindPunishmentCreated is published after a punishment is persisted.
	KindPunishmentCreated Kind = "punishment.created"

	// KindPunishmentLifted is published after a lift is persisted.
	KindPunishmentLifted Kind = "punishment.lifted"

	// KindDisconnect asks the host to drop a player.
	KindDisconnect Kind = "session.disconnect"

	// KindSuppress tells the host a chat message was withheld.
	KindSuppress Kind = "session.suppress"
)

// Event is one notification on the bus.
type Event struct {
	Kind Kind `json:"kind"`

	// Origin is the server id of the publisher. Servers skip their own events.
	Origin string `json:"origin"`

	TargetID     int64  `json:"target_id,omitempty"`
	PunishmentID int64  `json:"punishment_id,omitempty"`
	Type         string `json:"type,omitempty"`
	PlayerUUID   string `json:"player_uuid,omitempty"`
	Message      string `json:"message,omitempty"`

	At time.Time `json:"at"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Handler consumes events from peers.
type Handler func(ctx context.Context, ev Event)

// Noop drops every event. It is used when no bus is configured.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, Event) error { return nil }

var _ Publisher = Noop{}
