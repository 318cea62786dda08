package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
)

// Enqueue inserts unresolved stale items in one transaction.
func (s *Store) Enqueue(ctx context.Context, items ...aggregation.StaleItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stale enqueue: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryEnqueueStale)
	if err != nil {
		return fmt.Errorf("stale enqueue: prepare: %w", err)
	}
	defer stmt.Close()

	now := s.nowFn()
	for _, item := range items {
		created := item.Created
		if created.IsZero() {
			created = now
		}
		var block sql.NullString
		if !item.WholeScope() {
			block = sql.NullString{String: *item.BlockKey, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			item.UserID,
			item.ScopeKey,
			block,
			item.Force,
			toNanos(created),
			toNanos(created),
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
func (s *Store) SelectUnresolved(ctx context.Context, afterID int64, limit int) ([]aggregation.StaleItem, error) {
	rows, err := s.db.QueryContext(ctx, querySelectUnresolved, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale items: %w", err)
	}
	defer rows.Close()

	var items []aggregation.StaleItem
	for rows.Next() {
		var (
			item              aggregation.StaleItem
			block             sql.NullString
			created, modified int64
		)
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.ScopeKey,
			&block,
			&item.Force,
			&item.Resolved,
			&created,
			&modified,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stale row: %w", err)
		}
		if block.Valid {
			item.BlockKey = &block.String
		}
		item.Created = fromNanos(created)
		item.Modified = fromNanos(modified)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale items: %w", err)
	}
	return items, nil
}

// Resolve marks matching items resolved.
func (s *Store) Resolve(ctx context.Context, filter storage.ResolveFilter) (int64, error) {
	query, args := buildResolveQuery(filter, s.nowFn())
	result, err := s.db.ExecContext(ctx, query, args...)
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
	args := []interface{}{toNanos(now), filter.UserID, filter.ScopeKey}

	if filter.CreatedBefore != nil {
		args = append(args, toNanos(*filter.CreatedBefore))
		b.WriteString("\n\t\t  AND created_at < ?")
	}
	if len(filter.BlockKeys) > 0 {
		placeholders := make([]string, len(filter.BlockKeys))
		for i, key := range filter.BlockKeys {
			placeholders[i] = "?"
			args = append(args, key)
		}
		fmt.Fprintf(&b, "\n\t\t  AND block_key IN (%s)", strings.Join(placeholders, ", "))
	}
	return b.String(), args
}

// DeleteResolved removes one bounded batch of resolved items.
func (s *Store) DeleteResolved(ctx context.Context, limit int) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryDeleteResolved, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved stale items: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check stale delete: %w", err)
	}
	return n, nil
}
