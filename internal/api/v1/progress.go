package v1

import (
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/shopspring/decimal"
)

// ProgressResponse lists the completion of every registered container in a scope for one user.
type ProgressResponse struct {
	UserID   string `json:"user_id"`
	ScopeKey string `json:"scope_key"`

	// Live is true when uncommitted values computed at read time are merged in.
	Live bool `json:"live"`

	// Course is the entry of the scope root.
	Course ProgressEntry `json:"course"`

	// Entries are the requested containers in tree order.
	Entries []ProgressEntry `json:"entries"`
}

// ProgressEntry is one container's completion.
// A container with no data yet has nil Earned, Possible and Percent; this is
// distinct from a container with nothing to complete (possible 0, percent 1).
type ProgressEntry struct {
	BlockKey     string           `json:"block_key"`
	Kind         string           `json:"kind"`
	Earned       *decimal.Decimal `json:"earned"`
	Possible     *decimal.Decimal `json:"possible"`
	Percent      *decimal.Decimal `json:"percent"`
	LastModified *time.Time       `json:"last_modified,omitempty"`
}

// Absent reports whether the entry has no data.
func (e ProgressEntry) Absent() bool {
	return e.Possible == nil
}

// EntryFromAggregate builds a populated entry from a stored or staged row.
func EntryFromAggregate(row aggregation.Aggregate) ProgressEntry {
	earned, possible, percent := row.Earned, row.Possible, row.Percent
	entry := ProgressEntry{
		BlockKey: row.ContainerKey,
		Kind:     row.Kind,
		Earned:   &earned,
		Possible: &possible,
		Percent:  &percent,
	}
	if row.LastModified.After(aggregation.OldDatetime) {
		lastModified := row.LastModified
		entry.LastModified = &lastModified
	}
	return entry
}

// AbsentEntry builds an entry for a container with no data.
func AbsentEntry(blockKey string) ProgressEntry {
	return ProgressEntry{BlockKey: blockKey, Kind: aggregation.BlockType(blockKey)}
}
