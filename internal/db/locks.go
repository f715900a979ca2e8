package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xtrntr/p2pexchange/internal/lockstore"
	"github.com/xtrntr/p2pexchange/internal/models"
)

var _ lockstore.Repository = (*DB)(nil)

const lockColumns = `id, owner, wallet, token_mint, amount_total::text, amount_withdrawn::text, decimals,
	status, network, settlement_reference, created_at, updated_at`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanLock(row pgx.Row) (*models.Lock, error) {
	var l models.Lock
	var total, withdrawn string
	var decimals *int16
	err := row.Scan(&l.ID, &l.Owner, &l.Wallet, &l.TokenMint, &total, &withdrawn, &decimals,
		&l.Status, &l.Network, &l.SettlementReference, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if l.AmountTotal, err = numeric(total); err != nil {
		return nil, err
	}
	if l.AmountWithdrawn, err = numeric(withdrawn); err != nil {
		return nil, err
	}
	if decimals != nil {
		d := int(*decimals)
		l.Decimals = &d
	}
	return &l, nil
}

func insertLockEvent(ctx context.Context, q execer, ev *models.LockEvent) error {
	_, err := q.Exec(ctx, `
		INSERT INTO lock_events (id, lock_id, type, amount_delta, settlement_reference, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.LockID, ev.Type, ev.AmountDelta, ev.SettlementReference, ev.Note, ev.CreatedAt)
	if uniqueViolation(err, "lock_events_withdraw_reference_idx") {
		return fmt.Errorf("%w: %s on lock %s", lockstore.ErrDuplicateWithdraw, ev.SettlementReference, ev.LockID)
	}
	if err != nil {
		return storageError("failed to insert lock event", err)
	}
	return nil
}

// CreateLock inserts a lock together with its opening event
func (db *DB) CreateLock(ctx context.Context, lock *models.Lock, event *models.LockEvent) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return storageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO locks (id, owner, wallet, token_mint, amount_total, amount_withdrawn, decimals,
			status, network, settlement_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, lock.ID, lock.Owner, lock.Wallet, lock.TokenMint, lock.AmountTotal, lock.AmountWithdrawn, lock.Decimals,
		lock.Status, lock.Network, lock.SettlementReference, lock.CreatedAt, lock.UpdatedAt)
	if err != nil {
		return storageError("failed to create lock", err)
	}
	if err := insertLockEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storageError("failed to commit transaction", err)
	}
	return nil
}

// GetLock retrieves a lock by id
func (db *DB) GetLock(ctx context.Context, id string) (*models.Lock, error) {
	lock, err := scanLock(db.Pool.QueryRow(ctx, "SELECT "+lockColumns+" FROM locks WHERE id = $1", id))
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to get lock %s", id), err)
	}
	return lock, nil
}

// UpdateLock locks the row, lets fn modify it and commits the row with the
// event fn returns
func (db *DB) UpdateLock(ctx context.Context, id string, fn func(lock *models.Lock) (*models.LockEvent, error)) (*models.Lock, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, storageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row for update to prevent concurrent modifications
	lock, err := scanLock(tx.QueryRow(ctx, "SELECT "+lockColumns+" FROM locks WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to get lock %s", id), err)
	}

	event, err := fn(lock)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE locks
		SET amount_withdrawn = $2, status = $3, settlement_reference = $4, updated_at = $5
		WHERE id = $1
	`, lock.ID, lock.AmountWithdrawn, lock.Status, lock.SettlementReference, lock.UpdatedAt)
	if err != nil {
		return nil, storageError("failed to update lock", err)
	}
	if event != nil {
		if err := insertLockEvent(ctx, tx, event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageError("failed to commit transaction", err)
	}
	return lock, nil
}

// ListLocks retrieves locks matching filter, newest first
func (db *DB) ListLocks(ctx context.Context, filter models.LockFilter) ([]models.Lock, error) {
	var w where
	w.eq("owner", filter.Owner)
	w.eq("wallet", filter.Wallet)
	w.eq("token_mint", filter.TokenMint)
	w.eq("status", string(filter.Status))

	rows, err := db.Pool.Query(ctx,
		"SELECT "+lockColumns+" FROM locks"+w.String()+" ORDER BY created_at DESC, id DESC", w.args...)
	if err != nil {
		return nil, storageError("failed to list locks", err)
	}
	defer rows.Close()

	locks := []models.Lock{}
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, storageError("failed to scan lock", err)
		}
		locks = append(locks, *lock)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to list locks", err)
	}
	return locks, nil
}

// ListLockEvents retrieves the events of a lock in commit order
func (db *DB) ListLockEvents(ctx context.Context, lockID string) ([]models.LockEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, lock_id, type, amount_delta::text, settlement_reference, note, created_at
		FROM lock_events
		WHERE lock_id = $1
		ORDER BY created_at ASC, seq ASC
	`, lockID)
	if err != nil {
		return nil, storageError("failed to list lock events", err)
	}
	defer rows.Close()

	events := []models.LockEvent{}
	for rows.Next() {
		var ev models.LockEvent
		var delta string
		if err := rows.Scan(&ev.ID, &ev.LockID, &ev.Type, &delta, &ev.SettlementReference, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, storageError("failed to scan lock event", err)
		}
		if ev.AmountDelta, err = numeric(delta); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to list lock events", err)
	}
	return events, nil
}
