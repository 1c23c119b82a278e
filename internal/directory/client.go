// Package directory resolves player names and stable ids against the remote identity directory.
package directory

import (
	"context"

	"github.com/google/uuid"

	"github.com/prn-tf/bastion/internal/domain"
)

// Profile is a directory record of one player.
type Profile struct {
	UUID     uuid.UUID              `json:"uuid"`
	Username string                 `json:"username"`
	History  []domain.UsernameEntry `json:"username_history,omitempty"`
}

// UsernameHistory returns the profile history as a domain value.
func (p *Profile) UsernameHistory() *domain.UsernameHistory {
	return domain.NewUsernameHistory(p.UUID, p.History)
}

// normalize fills in the single-entry history the directory omits for never renamed players.
func (p *Profile) normalize() {
	if len(p.History) == 0 {
		p.History = []domain.UsernameEntry{{Username: p.Username}}
	}
	domain.SortUsernameEntries(p.History)
}

// Client looks up players by username or stable id.
// Implementations are side-effect free and safe to retry. Lookup returns
// domain.ErrIdentityNotFound for unknown keys and domain.ErrDirectoryUnavailable
// for every other failure.
type Client interface {
	Lookup(ctx context.Context, key string) (*Profile, error)
}
