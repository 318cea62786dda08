package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/lib/pq"
)

var _ storage.Backend = (*Adapter)(nil)

// UpsertMany writes all rows with the native INSERT .. ON CONFLICT upsert in one transaction.
// Rows are validated before the transaction opens; an invalid row writes nothing.
func (a *Adapter) UpsertMany(ctx context.Context, rows []aggregation.Aggregate) error {
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return err
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggregate upsert: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	upsertStmt, err := tx.PrepareContext(ctx, queryUpsertAggregate)
	if err != nil {
		return fmt.Errorf("aggregate upsert: prepare: %w", err)
	}
	defer upsertStmt.Close()

	for _, row := range rows {
		if _, err := upsertStmt.ExecContext(ctx,
			row.UserID,
			row.ScopeKey,
			row.ContainerKey,
			row.Kind,
			row.Earned,
			row.Possible,
			row.Percent,
			row.LastModified.UTC(),
			row.RecordModified.UTC(),
			row.Created.UTC(),
		); err != nil {
			return fmt.Errorf("aggregate upsert: %s: %w", row.ContainerKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("aggregate upsert: commit: %w", err)
	}

	slog.Debug("[Postgres] Upserted aggregates",
		"rows", len(rows),
		"user_id", rows[0].UserID,
		"scope_key", rows[0].ScopeKey)
	return nil
}

// Fetch returns aggregates for (user, scope), optionally filtered by kind.
func (a *Adapter) Fetch(ctx context.Context, userID, scopeKey string, kinds aggregation.KindSet) ([]aggregation.Aggregate, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if kinds.Len() == 0 {
		rows, err = a.stmtFetchAggregates.QueryContext(ctx, userID, scopeKey)
	} else {
		rows, err = a.db.QueryContext(ctx, queryFetchAggregatesByKind, userID, scopeKey, pq.Array(kinds.Slice()))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var out []aggregation.Aggregate
	for rows.Next() {
		agg, err := scanAggregateRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return out, nil
}

// Get returns one aggregate or storage.ErrNotFound.
func (a *Adapter) Get(ctx context.Context, userID, scopeKey, containerKey string) (aggregation.Aggregate, error) {
	agg, err := scanAggregateRow(a.db.QueryRowContext(ctx, queryGetAggregate, userID, scopeKey, containerKey))
	if errors.Is(err, sql.ErrNoRows) {
		return aggregation.Aggregate{}, storage.ErrNotFound
	}
	if err != nil {
		return aggregation.Aggregate{}, fmt.Errorf("failed to get aggregate: %w", err)
	}
	return agg, nil
}
