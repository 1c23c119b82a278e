// Package repository defines the durable store contracts of the punishment ledger.
// The SQLite and PostgreSQL packages implement them.
package repository

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/bastion/internal/domain"
)

// PlayerSave is a player upsert.
type PlayerSave struct {
	UUID     uuid.UUID
	Username string

	// History entries not yet stored are appended.
	History []domain.UsernameEntry

	// At is when the write happens.
	At time.Time

	// Reconciled marks the record as checked against the directory at At.
	// Without it the stored refresh time is left as it was, and a new player
	// is due for a refresh immediately.
	Reconciled bool
}

// RefreshedAtMillis is the refresh time a save records for a new row.
func (s PlayerSave) RefreshedAtMillis() int64 {
	if !s.Reconciled {
		return 0
	}
	return s.At.UnixMilli()
}

// IdentityRepository defines operations for identities, username history and address links.
type IdentityRepository interface {
	// GetByID retrieves any identity variant by surrogate id.
	// Returns ErrNotFound if it does not exist.
	GetByID(ctx context.Context, id int64) (domain.Identity, error)

	// GetPlayerByUUID retrieves a player by stable id.
	// Returns ErrNotFound if it does not exist.
	GetPlayerByUUID(ctx context.Context, id uuid.UUID) (*domain.PlayerIdentity, error)

	// GetPlayerByUsername retrieves a player by current username, case-insensitively.
	// Returns ErrNotFound if it does not exist.
	GetPlayerByUsername(ctx context.Context, username string) (*domain.PlayerIdentity, error)

	// GetNetworkByAddress retrieves the network identity of an address.
	// Returns ErrNotFound if it does not exist.
	GetNetworkByAddress(ctx context.Context, addr netip.Addr) (*domain.NetworkIdentity, error)

	// ListPlayersByAddress returns every player recorded under addr, most recently seen first.
	ListPlayersByAddress(ctx context.Context, addr netip.Addr) ([]*domain.PlayerIdentity, error)

	// SavePlayer upserts a player by stable id and appends unseen username history entries.
	// It is a single atomic write; the surrogate id is returned by the same statement.
	// The refresh time only moves forward.
	SavePlayer(ctx context.Context, save PlayerSave) (*domain.PlayerIdentity, error)

	// RecordAddress upserts the network identity of addr and links the player to it.
	RecordAddress(ctx context.Context, playerID int64, addr netip.Addr, seenAt time.Time) (*domain.NetworkIdentity, error)

	// GetUsernameHistory returns the ordered username history of a player.
	GetUsernameHistory(ctx context.Context, playerID int64) (*domain.UsernameHistory, error)

	// GetRefreshedAt returns when the player record was last reconciled with the directory.
	// Returns ErrNotFound if the player does not exist.
	GetRefreshedAt(ctx context.Context, id uuid.UUID) (time.Time, error)
}

// PunishmentRepository defines operations for the punishment ledger. Rows are never deleted.
type PunishmentRepository interface {
	// Create inserts the punishment and sets p.ID from the same statement.
	Create(ctx context.Context, p *domain.Punishment) error

	// GetByID retrieves a punishment with hydrated identities.
	// Returns ErrNotFound if it does not exist.
	GetByID(ctx context.Context, id int64) (*domain.Punishment, error)

	// ListByTarget returns the full history of a target, ascending by creation time.
	ListByTarget(ctx context.Context, targetID int64) ([]*domain.Punishment, error)

	// Lift marks a punishment lifted. liftedBy is nil for expiry.
	// It reports whether this call lifted the row; lifting an already lifted
	// punishment changes nothing and reports false.
	// Returns ErrNotFound if it does not exist.
	Lift(ctx context.Context, id int64, liftedBy *int64) (bool, error)

	// ExpireElapsed marks every elapsed, unlifted, liftable punishment as lifted.
	// Returns the number of rows changed.
	ExpireElapsed(ctx context.Context, nowMs int64) (int64, error)

	// ForEach streams every punishment in id order.
	ForEach(ctx context.Context, fn func(*domain.Punishment) error) error
}
