package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// UpsertMany writes rows one at a time: look up the row id, then update or insert.
// The whole batch shares one transaction; an invalid row writes nothing.
func (s *Store) UpsertMany(ctx context.Context, rows []aggregation.Aggregate) error {
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggregate upsert: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, row := range rows {
		if err := upsertOne(ctx, tx, row); err != nil {
			return fmt.Errorf("aggregate upsert: %s: %w", row.ContainerKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("aggregate upsert: commit: %w", err)
	}

	slog.Debug("[SQLite] Upserted aggregates",
		"rows", len(rows),
		"user_id", rows[0].UserID,
		"scope_key", rows[0].ScopeKey)
	return nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, row aggregation.Aggregate) error {
	var id int64
	err := tx.QueryRowContext(ctx, querySelectAggregateID,
		row.UserID, row.ScopeKey, row.ContainerKey, row.Kind).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, queryInsertAggregate,
			row.UserID,
			row.ScopeKey,
			row.ContainerKey,
			row.Kind,
			row.Earned.String(),
			row.Possible.String(),
			row.Percent.String(),
			toNanos(row.LastModified),
			toNanos(row.RecordModified),
			toNanos(row.Created),
		)
		return err
	case err != nil:
		return err
	}

	_, err = tx.ExecContext(ctx, queryUpdateAggregate,
		row.Earned.String(),
		row.Possible.String(),
		row.Percent.String(),
		toNanos(row.LastModified),
		toNanos(row.RecordModified),
		id,
	)
	return err
}

// Fetch returns aggregates for (user, scope), optionally filtered by kind.
func (s *Store) Fetch(ctx context.Context, userID, scopeKey string, kinds aggregation.KindSet) ([]aggregation.Aggregate, error) {
	query, args := buildFetchQuery(userID, scopeKey, kinds)
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// buildFetchQuery expands the kind filter into an IN list.
func buildFetchQuery(userID, scopeKey string, kinds aggregation.KindSet) (string, []interface{}) {
	args := []interface{}{userID, scopeKey}
	if kinds.Len() == 0 {
		return queryFetchAggregates, args
	}

	slice := kinds.Slice()
	placeholders := make([]string, len(slice))
	for i, kind := range slice {
		placeholders[i] = "?"
		args = append(args, kind)
	}
	query := strings.Replace(queryFetchAggregates,
		"ORDER BY",
		"  AND kind IN ("+strings.Join(placeholders, ", ")+")\n\t\tORDER BY", 1)
	return query, args
}

// Get returns one aggregate or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, userID, scopeKey, containerKey string) (aggregation.Aggregate, error) {
	agg, err := scanAggregateRow(s.db.QueryRowContext(ctx, queryGetAggregate, userID, scopeKey, containerKey))
	if errors.Is(err, sql.ErrNoRows) {
		return aggregation.Aggregate{}, storage.ErrNotFound
	}
	if err != nil {
		return aggregation.Aggregate{}, fmt.Errorf("failed to get aggregate: %w", err)
	}
	return agg, nil
}

func scanAggregateRow(row scanner) (aggregation.Aggregate, error) {
	var agg aggregation.Aggregate
	var lastModified, recordModified, created int64
	if err := row.Scan(
		&agg.ID,
		&agg.UserID,
		&agg.ScopeKey,
		&agg.ContainerKey,
		&agg.Kind,
		&agg.Earned,
		&agg.Possible,
		&agg.Percent,
		&lastModified,
		&recordModified,
		&created,
	); err != nil {
		return aggregation.Aggregate{}, err
	}
	agg.LastModified = fromNanos(lastModified)
	agg.RecordModified = fromNanos(recordModified)
	agg.Created = fromNanos(created)
	return agg, nil
}
