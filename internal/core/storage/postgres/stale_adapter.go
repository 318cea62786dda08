package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/lib/pq"
)

// Enqueue inserts unresolved stale items in one transaction.
func (a *Adapter) Enqueue(ctx context.Context, items ...aggregation.StaleItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stale enqueue: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryEnqueueStale)
	if err != nil {
		return fmt.Errorf("stale enqueue: prepare: %w", err)
	}
	defer stmt.Close()

	now := a.nowFn()
	for _, item := range items {
		created := item.Created
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			item.UserID,
			item.ScopeKey,
			nullableBlock(item),
			item.Force,
			created.UTC(),
		); err != nil {
			return fmt.Errorf("stale enqueue: insert %s/%s: %w", item.UserID, item.ScopeKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stale enqueue: commit: %w", err)
	}
	return nil
}

// SelectUnresolved pages unresolved items by id.
func (a *Adapter) SelectUnresolved(ctx context.Context, afterID int64, limit int) ([]aggregation.StaleItem, error) {
	rows, err := a.db.QueryContext(ctx, querySelectUnresolved, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale items: %w", err)
	}
	defer rows.Close()

	var items []aggregation.StaleItem
	for rows.Next() {
		item, err := scanStaleRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale items: %w", err)
	}
	return items, nil
}

// Resolve marks matching items resolved.
func (a *Adapter) Resolve(ctx context.Context, filter storage.ResolveFilter) (int64, error) {
	query, args := buildResolveQuery(filter, a.nowFn())
	result, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve stale items: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check stale resolve: %w", err)
	}
	return n, nil
}

// buildResolveQuery appends the optional predicates of filter to queryResolveStaleBase.
func buildResolveQuery(filter storage.ResolveFilter, now time.Time) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(queryResolveStaleBase)
	args := []interface{}{now.UTC(), filter.UserID, filter.ScopeKey}

	if filter.CreatedBefore != nil {
		args = append(args, filter.CreatedBefore.UTC())
		fmt.Fprintf(&b, "\n\t\t  AND created_at < $%d", len(args))
	}
	if len(filter.BlockKeys) > 0 {
		args = append(args, pq.Array(filter.BlockKeys))
		fmt.Fprintf(&b, "\n\t\t  AND block_key = ANY($%d)", len(args))
	}
	return b.String(), args
}

// DeleteResolved removes one bounded batch of resolved items.
func (a *Adapter) DeleteResolved(ctx context.Context, limit int) (int64, error) {
	result, err := a.db.ExecContext(ctx, queryDeleteResolved, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved stale items: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check stale delete: %w", err)
	}
	return n, nil
}
