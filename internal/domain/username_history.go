package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// UsernameEntry is one username a player has held.
type UsernameEntry struct {
	Username string `json:"username"`

	// ChangedAt is nil for the original username.
	ChangedAt *time.Time `json:"changed_at,omitempty"`
}

// Equal reports whether two entries describe the same change.
func (e UsernameEntry) Equal(o UsernameEntry) bool {
	if e.Username != o.Username {
		return false
	}
	if e.ChangedAt == nil || o.ChangedAt == nil {
		return e.ChangedAt == nil && o.ChangedAt == nil
	}
	return e.ChangedAt.Equal(*o.ChangedAt)
}

// UsernameHistory is the ordered username record of a player.
// Entries are ascending by ChangedAt with the original username first.
type UsernameHistory struct {
	UUID    uuid.UUID       `json:"uuid"`
	Entries []UsernameEntry `json:"entries"`
}

// NewUsernameHistory copies and orders entries.
func NewUsernameHistory(id uuid.UUID, entries []UsernameEntry) *UsernameHistory {
	sorted := slices.Clone(entries)
	SortUsernameEntries(sorted)
	return &UsernameHistory{UUID: id, Entries: sorted}
}

// SortUsernameEntries orders entries in place: nil ChangedAt first, then ascending.
func SortUsernameEntries(entries []UsernameEntry) {
	slices.SortStableFunc(entries, func(a, b UsernameEntry) int {
		switch {
		case a.ChangedAt == nil && b.ChangedAt == nil:
			return 0
		case a.ChangedAt == nil:
			return -1
		case b.ChangedAt == nil:
			return 1
		default:
			return a.ChangedAt.Compare(*b.ChangedAt)
		}
	})
}

// Current returns the most recent username, or "" for an empty history.
func (h *UsernameHistory) Current() string {
	if len(h.Entries) == 0 {
		return ""
	}
	return h.Entries[len(h.Entries)-1].Username
}

// Missing returns the entries of other that h does not contain yet, ordered.
// The history only grows, so this is what a reconciliation appends.
func (h *UsernameHistory) Missing(other []UsernameEntry) []UsernameEntry {
	var out []UsernameEntry
	for _, e := range other {
		if !slices.ContainsFunc(h.Entries, e.Equal) {
			out = append(out, e)
		}
	}
	SortUsernameEntries(out)
	return out
}
