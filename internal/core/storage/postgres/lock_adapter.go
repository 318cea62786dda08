package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InvalidatedAt returns the invalidation marker for a cache group.
func (a *Adapter) InvalidatedAt(ctx context.Context, group string) (time.Time, bool, error) {
	var at time.Time
	err := a.db.QueryRowContext(ctx, queryInvalidatedAt, group).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read invalidation marker: %w", err)
	}
	return at.UTC(), true, nil
}

// Invalidate upserts the invalidation marker for a cache group.
func (a *Adapter) Invalidate(ctx context.Context, group string, at time.Time) error {
	if _, err := a.db.ExecContext(ctx, queryInvalidateGroup, group, at.UTC()); err != nil {
		return fmt.Errorf("failed to write invalidation marker: %w", err)
	}
	return nil
}

// PruneInvalidations deletes markers older than before.
func (a *Adapter) PruneInvalidations(ctx context.Context, before time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx, queryPruneInvalidations, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune invalidation markers: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check invalidation prune: %w", err)
	}
	return n, nil
}

// TryAcquire takes the named lock for holder until now+ttl.
func (a *Adapter) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := a.nowFn()
	result, err := a.db.ExecContext(ctx, queryAcquireLock, name, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", name, err)
	}
	return n == 1, nil
}

// Release drops the named lock if holder still owns it.
func (a *Adapter) Release(ctx context.Context, name, holder string) error {
	if _, err := a.db.ExecContext(ctx, queryReleaseLock, name, holder); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
