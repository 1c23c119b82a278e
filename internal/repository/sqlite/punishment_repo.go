package sqlite

import (
	"context"
	"fmt"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/repository"
)

const punishmentSelect = `
	SELECT p.id, p.type, p.reason, p.created_at, p.duration_ms, p.lifted, p.lifted_by,
	       t.id, t.kind, t.uuid, t.username, t.address,
	       s.id, s.kind, s.uuid, s.username, s.address
	FROM punishments p
	JOIN identities t ON t.id = p.target_id
	JOIN identities s ON s.id = p.punisher_id
`

// punishmentRepository implements repository.PunishmentRepository for SQLite.
type punishmentRepository struct {
	db *DB
}

// NewPunishmentRepository creates a new SQLite punishment repository.
func NewPunishmentRepository(db *DB) repository.PunishmentRepository {
	return &punishmentRepository{db: db}
}

func scanPunishment(s rowScanner) (*domain.Punishment, error) {
	var (
		id, createdAt, durationMs int64
		typeID, lifted            int
		reason                    *string
		liftedBy                  *int64

		targetID, targetKind                         int64
		targetUUID, targetUsername, targetAddress    *string
		punisherID, punisherKind                     int64
		punisherUUID, punisherUsername, punisherAddr *string
	)
	err := s.Scan(
		&id, &typeID, &reason, &createdAt, &durationMs, &lifted, &liftedBy,
		&targetID, &targetKind, &targetUUID, &targetUsername, &targetAddress,
		&punisherID, &punisherKind, &punisherUUID, &punisherUsername, &punisherAddr,
	)
	if err != nil {
		return nil, err
	}

	t, err := domain.PunishmentTypeByID(typeID)
	if err != nil {
		return nil, fmt.Errorf("punishment %d: %w", id, err)
	}
	target, err := repository.HydrateIdentity(targetID, targetKind, targetUUID, targetUsername, targetAddress)
	if err != nil {
		return nil, err
	}
	punisher, err := repository.HydrateIdentity(punisherID, punisherKind, punisherUUID, punisherUsername, punisherAddr)
	if err != nil {
		return nil, err
	}

	return domain.RestorePunishment(id, t, target, punisher, reason, createdAt, durationMs, lifted != 0, liftedBy), nil
}

// Create inserts the punishment; the id comes back from the same statement.
func (r *punishmentRepository) Create(ctx context.Context, p *domain.Punishment) error {
	err := retryWrite(ctx, defaultRetryPolicy, func() error {
		return r.db.QueryRowContext(ctx, `
			INSERT INTO punishments (type, target_id, punisher_id, reason, created_at, duration_ms, lifted, lifted_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`,
			int(p.Type),
			p.Target.StoreID(),
			p.Punisher.StoreID(),
			p.Reason,
			p.CreatedAt,
			p.DurationMs,
			boolToInt(p.Lifted()),
			p.LiftedBy(),
		).Scan(&p.ID)
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: target or punisher identity", repository.ErrNotFound)
		}
		return fmt.Errorf("failed to create punishment: %w", err)
	}
	return nil
}

// GetByID retrieves a punishment with hydrated identities.
func (r *punishmentRepository) GetByID(ctx context.Context, id int64) (*domain.Punishment, error) {
	p, err := scanPunishment(r.db.QueryRowContext(ctx, punishmentSelect+` WHERE p.id = ?`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get punishment: %w", err)
	}
	return p, nil
}

// ListByTarget returns the full history of a target, oldest first.
func (r *punishmentRepository) ListByTarget(ctx context.Context, targetID int64) ([]*domain.Punishment, error) {
	rows, err := r.db.QueryContext(ctx,
		punishmentSelect+` WHERE p.target_id = ? ORDER BY p.created_at ASC, p.id ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list punishments: %w", err)
	}
	defer rows.Close()

	punishments := make([]*domain.Punishment, 0)
	for rows.Next() {
		p, err := scanPunishment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan punishment: %w", err)
		}
		punishments = append(punishments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating punishments: %w", err)
	}
	return punishments, nil
}

// Lift marks a punishment lifted; already lifted rows are left untouched.
func (r *punishmentRepository) Lift(ctx context.Context, id int64, liftedBy *int64) (bool, error) {
	var affected int64
	err := retryWrite(ctx, defaultRetryPolicy, func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE punishments SET lifted = 1, lifted_by = ? WHERE id = ? AND lifted = 0`,
			liftedBy, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to lift punishment: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM punishments WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		if isNoRows(err) {
			return false, repository.ErrNotFound
		}
		return false, fmt.Errorf("failed to check punishment: %w", err)
	}
	return false, nil
}

// ExpireElapsed lifts every elapsed time-bounded punishment in one statement.
func (r *punishmentRepository) ExpireElapsed(ctx context.Context, nowMs int64) (int64, error) {
	var affected int64
	err := retryWrite(ctx, defaultRetryPolicy, func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE punishments SET lifted = 1
			WHERE lifted = 0
			  AND duration_ms > 0
			  AND created_at + duration_ms <= ?
			  AND type IN (`+repository.LiftableTypeList()+`)
		`, nowMs)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to expire punishments: %w", err)
	}
	return affected, nil
}

// ForEach streams every punishment in id order.
// The pool has a single connection, so fn must not call back into the store.
func (r *punishmentRepository) ForEach(ctx context.Context, fn func(*domain.Punishment) error) error {
	rows, err := r.db.QueryContext(ctx, punishmentSelect+` ORDER BY p.id ASC`)
	if err != nil {
		return fmt.Errorf("failed to list punishments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPunishment(rows)
		if err != nil {
			return fmt.Errorf("failed to scan punishment: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ repository.PunishmentRepository = (*punishmentRepository)(nil)
