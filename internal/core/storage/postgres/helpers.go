package postgres

import (
	"database/sql"
	"fmt"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAggregateRow scans one aggregates row in the column order of queryFetchAggregates.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanAggregateRow(row scanner) (aggregation.Aggregate, error) {
	var agg aggregation.Aggregate
	err := row.Scan(
		&agg.ID,
		&agg.UserID,
		&agg.ScopeKey,
		&agg.ContainerKey,
		&agg.Kind,
		&agg.Earned,
		&agg.Possible,
		&agg.Percent,
		&agg.LastModified,
		&agg.RecordModified,
		&agg.Created,
	)
	if err != nil {
		return aggregation.Aggregate{}, err
	}
	agg.LastModified = agg.LastModified.UTC()
	agg.RecordModified = agg.RecordModified.UTC()
	agg.Created = agg.Created.UTC()
	return agg, nil
}

// scanStaleRow scans one stale_completions row. A NULL block_key becomes a nil BlockKey.
func scanStaleRow(row scanner) (aggregation.StaleItem, error) {
	var (
		item     aggregation.StaleItem
		blockKey sql.NullString
	)
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.ScopeKey,
		&blockKey,
		&item.Force,
		&item.Resolved,
		&item.Created,
		&item.Modified,
	)
	if err != nil {
		return aggregation.StaleItem{}, fmt.Errorf("failed to scan stale row: %w", err)
	}
	if blockKey.Valid && blockKey.String != "" {
		key := blockKey.String
		item.BlockKey = &key
	}
	item.Created = item.Created.UTC()
	item.Modified = item.Modified.UTC()
	return item, nil
}

// nullableBlock maps a whole-scope item to SQL NULL.
func nullableBlock(item aggregation.StaleItem) sql.NullString {
	if item.WholeScope() {
		return sql.NullString{}
	}
	return sql.NullString{String: *item.BlockKey, Valid: true}
}
