package aggregation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CompletionLeaf is one user's completion fraction for a single block.
type CompletionLeaf struct {
	UserID     string
	ScopeKey   string
	BlockKey   string
	Value      float64 // in [0, 1]
	ModifiedAt time.Time
}

// Validate checks identity fields and the value range.
func (l CompletionLeaf) Validate() error {
	if strings.TrimSpace(l.UserID) == "" {
		return invalidLeaf("user_id is required")
	}
	scope, err := ParseScopeKey(l.ScopeKey)
	if err != nil {
		return err
	}
	block, err := ParseBlockKey(l.BlockKey)
	if err != nil {
		return err
	}
	if block.Scope != scope {
		return invalidLeaf("block " + l.BlockKey + " is outside scope " + l.ScopeKey)
	}
	if l.Value < 0 || l.Value > 1 {
		return invalidLeaf("completion must be within [0, 1]")
	}
	return nil
}

// Aggregate is the stored roll-up of one container for one user.
// Unique per (UserID, ScopeKey, ContainerKey, Kind).
type Aggregate struct {
	ID             int64
	UserID         string
	ScopeKey       string
	ContainerKey   string
	Kind           string // block type of the container
	Earned         decimal.Decimal
	Possible       decimal.Decimal
	Percent        decimal.Decimal
	LastModified   time.Time // newest leaf modification folded into this row
	RecordModified time.Time // when the row itself was written
	Created        time.Time
}

// NewAggregate builds a staged aggregate for container from computed stats.
// The kind is derived from the container's block type.
func NewAggregate(userID, scopeKey, containerKey string, stats Stats, now time.Time) Aggregate {
	return Aggregate{
		UserID:         userID,
		ScopeKey:       scopeKey,
		ContainerKey:   containerKey,
		Kind:           BlockType(containerKey),
		Earned:         stats.Earned,
		Possible:       stats.Possible,
		Percent:        Percent(stats.Earned, stats.Possible),
		LastModified:   stats.LastModified,
		RecordModified: now,
		Created:        now,
	}
}

// Stats returns the evaluation triple stored in the row.
func (a Aggregate) Stats() Stats {
	return Stats{Earned: a.Earned, Possible: a.Possible, LastModified: a.LastModified}
}

// Validate enforces the write-time invariants of an aggregate row.
// Violations are programmer errors and are never retried.
func (a Aggregate) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return invalidWrite(a.ContainerKey, "user_id is required")
	}
	scope, err := ParseScopeKey(a.ScopeKey)
	if err != nil {
		return invalidWrite(a.ContainerKey, "scope: %v", err)
	}
	container, err := ParseBlockKey(a.ContainerKey)
	if err != nil {
		return invalidWrite(a.ContainerKey, "container: %v", err)
	}
	if container.Scope != scope {
		return invalidWrite(a.ContainerKey, "container is outside scope %s", a.ScopeKey)
	}
	if a.Kind != container.Type {
		return invalidWrite(a.ContainerKey, "kind %q does not match block type %q", a.Kind, container.Type)
	}
	if a.Earned.IsNegative() || a.Possible.IsNegative() {
		return invalidWrite(a.ContainerKey, "earned and possible must be >= 0")
	}
	if a.Earned.GreaterThan(a.Possible) {
		return invalidWrite(a.ContainerKey, "earned (%s) must not exceed possible (%s)", a.Earned, a.Possible)
	}
	if a.Percent.IsNegative() || a.Percent.GreaterThan(one) {
		return invalidWrite(a.ContainerKey, "percent (%s) must be within [0, 1]", a.Percent)
	}
	return nil
}

// StaleItem records that a user's aggregates in a scope may be outdated.
// A nil BlockKey means the whole scope must be recomputed.
type StaleItem struct {
	ID       int64
	UserID   string
	ScopeKey string
	BlockKey *string
	Force    bool
	Resolved bool
	Created  time.Time
	Modified time.Time
}

// WholeScope reports whether the item asks for a full recompute.
func (s StaleItem) WholeScope() bool {
	return s.BlockKey == nil || *s.BlockKey == ""
}

type invalidLeafError string

func (e invalidLeafError) Error() string { return "invalid completion: " + string(e) }

func invalidLeaf(msg string) error { return invalidLeafError(msg) }
