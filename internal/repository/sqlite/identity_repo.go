package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/repository"
)

const identityColumns = `id, kind, uuid, username, address`

// identityRepository implements repository.IdentityRepository for SQLite.
type identityRepository struct {
	db *DB
}

// NewIdentityRepository creates a new SQLite identity repository.
func NewIdentityRepository(db *DB) repository.IdentityRepository {
	return &identityRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanIdentity reads the five identity columns starting at the scanner's first column.
func scanIdentity(s rowScanner) (domain.Identity, error) {
	var id, kind int64
	var stableID, username, address *string
	if err := s.Scan(&id, &kind, &stableID, &username, &address); err != nil {
		return nil, err
	}
	return repository.HydrateIdentity(id, kind, stableID, username, address)
}

func (r *identityRepository) getOne(ctx context.Context, query string, args ...any) (domain.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return identity, nil
}

// GetByID retrieves any identity variant by surrogate id.
func (r *identityRepository) GetByID(ctx context.Context, id int64) (domain.Identity, error) {
	return r.getOne(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
}

// GetPlayerByUUID retrieves a player by stable id.
func (r *identityRepository) GetPlayerByUUID(ctx context.Context, id uuid.UUID) (*domain.PlayerIdentity, error) {
	identity, err := r.getOne(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE uuid = ? AND kind = ?`,
		id.String(), int(domain.KindPlayer))
	if err != nil {
		return nil, err
	}
	return identity.(*domain.PlayerIdentity), nil
}

// GetPlayerByUsername retrieves a player by current username.
// A name can be held by several stored players after renames; the freshest record wins.
func (r *identityRepository) GetPlayerByUsername(ctx context.Context, username string) (*domain.PlayerIdentity, error) {
	identity, err := r.getOne(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE username = ? COLLATE NOCASE AND kind = ?
		ORDER BY refreshed_at DESC, id DESC
		LIMIT 1
	`, username, int(domain.KindPlayer))
	if err != nil {
		return nil, err
	}
	return identity.(*domain.PlayerIdentity), nil
}

// GetNetworkByAddress retrieves the network identity of an address.
func (r *identityRepository) GetNetworkByAddress(ctx context.Context, addr netip.Addr) (*domain.NetworkIdentity, error) {
	identity, err := r.getOne(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE address = ?`,
		addr.Unmap().String())
	if err != nil {
		return nil, err
	}
	network, ok := identity.(*domain.NetworkIdentity)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return network, nil
}

// ListPlayersByAddress returns every player linked to addr, most recently seen first.
func (r *identityRepository) ListPlayersByAddress(ctx context.Context, addr netip.Addr) ([]*domain.PlayerIdentity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.kind, p.uuid, p.username, p.address
		FROM address_links l
		JOIN identities n ON n.id = l.network_id
		JOIN identities p ON p.id = l.player_id
		WHERE n.address = ?
		ORDER BY l.last_seen DESC, p.id ASC
	`, addr.Unmap().String())
	if err != nil {
		return nil, fmt.Errorf("failed to list players by address: %w", err)
	}
	defer rows.Close()

	var players []*domain.PlayerIdentity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		if p, ok := identity.(*domain.PlayerIdentity); ok {
			players = append(players, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating players: %w", err)
	}
	return players, nil
}

// SavePlayer upserts the player and appends unseen history entries in one transaction.
func (r *identityRepository) SavePlayer(ctx context.Context, save repository.PlayerSave) (*domain.PlayerIdentity, error) {
	player := &domain.PlayerIdentity{UUID: save.UUID, Username: save.Username}

	err := retryWrite(ctx, defaultRetryPolicy, func() error {
		return r.db.WithTx(ctx, func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, `
				INSERT INTO identities (kind, uuid, username, refreshed_at, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (uuid) DO UPDATE SET
					username = excluded.username,
					refreshed_at = max(identities.refreshed_at, excluded.refreshed_at)
				RETURNING id
			`, int(domain.KindPlayer), save.UUID.String(), save.Username, save.RefreshedAtMillis(), save.At.UnixMilli()).Scan(&player.ID)
			if err != nil {
				return err
			}

			for _, e := range save.History {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO username_history (identity_id, username, changed_at)
					VALUES (?, ?, ?)
					ON CONFLICT DO NOTHING
				`, player.ID, e.Username, repository.ChangedAtMillis(e)); err != nil {
					return err
				}
			}

			// A player always has at least its original name on record.
			_, err = tx.ExecContext(ctx, `
				INSERT INTO username_history (identity_id, username, changed_at)
				SELECT ?, ?, 0
				WHERE NOT EXISTS (SELECT 1 FROM username_history WHERE identity_id = ?)
			`, player.ID, save.Username, player.ID)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save player: %w", err)
	}

	return player, nil
}

// RecordAddress upserts the network identity and links the player to it.
func (r *identityRepository) RecordAddress(ctx context.Context, playerID int64, addr netip.Addr, seenAt time.Time) (*domain.NetworkIdentity, error) {
	network := domain.NewNetworkIdentity(addr)

	err := retryWrite(ctx, defaultRetryPolicy, func() error {
		return r.db.WithTx(ctx, func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, `
				INSERT INTO identities (kind, address, created_at)
				VALUES (?, ?, ?)
				ON CONFLICT (address) DO UPDATE SET address = excluded.address
				RETURNING id
			`, int(network.Kind()), network.Address.String(), seenAt.UnixMilli()).Scan(&network.ID)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO address_links (network_id, player_id, last_seen)
				VALUES (?, ?, ?)
				ON CONFLICT (network_id, player_id) DO UPDATE SET last_seen = excluded.last_seen
			`, network.ID, playerID, seenAt.UnixMilli())
			return err
		})
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: player %d", repository.ErrNotFound, playerID)
		}
		return nil, fmt.Errorf("failed to record address: %w", err)
	}

	return network, nil
}

// GetUsernameHistory returns the ordered username history of a player.
func (r *identityRepository) GetUsernameHistory(ctx context.Context, playerID int64) (*domain.UsernameHistory, error) {
	var stableID string
	err := r.db.QueryRowContext(ctx,
		`SELECT uuid FROM identities WHERE id = ? AND kind = ?`, playerID, int(domain.KindPlayer),
	).Scan(&stableID)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get player: %w", err)
	}
	u, err := uuid.Parse(stableID)
	if err != nil {
		return nil, fmt.Errorf("player %d: %w", playerID, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT username, changed_at FROM username_history WHERE identity_id = ?`, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get username history: %w", err)
	}
	defer rows.Close()

	var entries []domain.UsernameEntry
	for rows.Next() {
		var (
			name      string
			changedAt int64
		)
		if err := rows.Scan(&name, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan username history: %w", err)
		}
		entry := domain.UsernameEntry{Username: name}
		if changedAt != 0 {
			t := time.UnixMilli(changedAt).UTC()
			entry.ChangedAt = &t
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating username history: %w", err)
	}

	return domain.NewUsernameHistory(u, entries), nil
}

// GetRefreshedAt returns when the player was last reconciled with the directory.
func (r *identityRepository) GetRefreshedAt(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var ms int64
	err := r.db.QueryRowContext(ctx,
		`SELECT refreshed_at FROM identities WHERE uuid = ? AND kind = ?`, id.String(), int(domain.KindPlayer),
	).Scan(&ms)
	if err != nil {
		if isNoRows(err) {
			return time.Time{}, repository.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to get refresh time: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

var _ repository.IdentityRepository = (*identityRepository)(nil)
