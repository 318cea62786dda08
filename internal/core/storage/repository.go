package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

// AggregateStore persists per-(user, scope, container, kind) roll-ups.
type AggregateStore interface {
	// UpsertMany inserts or updates rows by (user, scope, container, kind).
	// On conflict it rewrites earned, possible, percent, last_modified and record_modified.
	// Every row is validated first: one invalid row rejects the batch and nothing is written.
	// The batch is written in one transaction.
	UpsertMany(ctx context.Context, rows []aggregation.Aggregate) error

	// Fetch returns the stored aggregates for (user, scope) restricted to kinds.
	// An empty KindSet returns every kind.
	Fetch(ctx context.Context, userID, scopeKey string, kinds aggregation.KindSet) ([]aggregation.Aggregate, error)

	// Get returns a single aggregate or ErrNotFound.
	Get(ctx context.Context, userID, scopeKey, containerKey string) (aggregation.Aggregate, error)
}

// ResolveFilter selects stale items to mark resolved for one (user, scope).
type ResolveFilter struct {
	UserID   string
	ScopeKey string

	// CreatedBefore restricts to items created strictly before this time.
	// Nil means no time bound (force-resolve).
	CreatedBefore *time.Time

	// BlockKeys restricts to items naming one of these blocks.
	// Empty matches every item, including whole-scope items.
	BlockKeys []string
}

// StaleWorkQueue is the durable backlog of pending aggregation work.
type StaleWorkQueue interface {
	// Enqueue inserts unresolved items. Created and Modified default to now.
	Enqueue(ctx context.Context, items ...aggregation.StaleItem) error

	// SelectUnresolved returns up to limit unresolved items with id > afterID, ordered by id.
	SelectUnresolved(ctx context.Context, afterID int64, limit int) ([]aggregation.StaleItem, error)

	// Resolve marks matching unresolved items resolved and returns how many changed.
	Resolve(ctx context.Context, filter ResolveFilter) (int64, error)

	// DeleteResolved removes up to limit resolved items and returns how many were deleted.
	DeleteResolved(ctx context.Context, limit int) (int64, error)
}

// CompletionStore holds leaf completions.
type CompletionStore interface {
	// FetchCompletions returns every known leaf completion for (user, scope).
	FetchCompletions(ctx context.Context, userID, scopeKey string) ([]aggregation.CompletionLeaf, error)

	// SaveCompletion upserts a leaf completion keyed by (user, block).
	// Reports whether the stored value or timestamp changed.
	SaveCompletion(ctx context.Context, leaf aggregation.CompletionLeaf) (bool, error)

	// ActiveUsers returns users that have completions or aggregates in the scope.
	ActiveUsers(ctx context.Context, scopeKey string) ([]string, error)

	// Scopes returns every scope with at least one completion.
	Scopes(ctx context.Context) ([]string, error)
}

// InvalidationStore records cache-group invalidation markers.
type InvalidationStore interface {
	// InvalidatedAt returns the marker time for group, or ok=false if there is none.
	InvalidatedAt(ctx context.Context, group string) (at time.Time, ok bool, err error)

	// Invalidate upserts the marker for group.
	Invalidate(ctx context.Context, group string, at time.Time) error

	// PruneInvalidations deletes markers older than before.
	PruneInvalidations(ctx context.Context, before time.Time) (int64, error)
}

// Locker provides named, time-boxed advisory locks shared across processes.
type Locker interface {
	// TryAcquire takes the lock for holder until now+ttl. It reports false without error
	// when another live holder owns it. An expired lock may be taken over.
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release drops the lock if holder still owns it.
	Release(ctx context.Context, name, holder string) error
}

// Backend bundles every store a running service needs from one database.
type Backend interface {
	AggregateStore
	StaleWorkQueue
	CompletionStore
	InvalidationStore
	Locker
	Close() error
}
