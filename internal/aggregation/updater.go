package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/contenttree"
	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/aevon-lab/completion-aggregator/internal/dispatch"
	"github.com/aevon-lab/completion-aggregator/internal/treecache"
	"github.com/shopspring/decimal"
)

// Deps are the collaborators of the updater and the batch jobs.
// Cache, Locker and Dispatcher are only needed by the operations that use them.
type Deps struct {
	Provider    contenttree.Provider
	Cache       *treecache.Cache
	Aggregates  storage.AggregateStore
	Completions storage.CompletionStore
	Queue       storage.StaleWorkQueue
	Locker      storage.Locker
	Dispatcher  dispatch.Dispatcher

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// UpdaterRequest selects the enrollment and the part of its tree to evaluate.
type UpdaterRequest struct {
	UserID   string
	ScopeKey string

	// SubRoot limits evaluation to the subtree below this block. Empty means the scope root.
	SubRoot string

	// Kinds are the container block types that get a stored aggregate.
	Kinds aggregation.KindSet
}

// UpdateResult summarizes one committed update.
type UpdateResult struct {
	Start    time.Time
	Staged   int
	Resolved int64
}

// Updater recomputes the aggregates of one (user, scope).
// It holds a snapshot of the tree, the stored aggregates and the leaf completions
// taken at start. Only stale items created before start are covered by the snapshot.
type Updater struct {
	deps     Deps
	req      UpdaterRequest
	start    time.Time
	tree     *contenttree.Tree
	existing map[string]aggregation.Aggregate
	leaves   map[string]aggregation.CompletionLeaf
}

// NewUpdater loads everything one evaluation needs.
// The tree comes from the cache, or from the provider on a miss.
// Returns aggregation.ErrScopeNotFound or aggregation.ErrMalformedScope when the tree cannot be built.
func NewUpdater(ctx context.Context, deps Deps, req UpdaterRequest) (*Updater, error) {
	if deps.Provider == nil || deps.Aggregates == nil || deps.Completions == nil {
		return nil, errors.New("updater: provider, aggregate store and completion store are required")
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ScopeKey) == "" {
		return nil, errors.New("updater: user_id and scope_key are required")
	}

	start := deps.now()
	tree, err := loadTree(ctx, deps, req)
	if err != nil {
		return nil, err
	}

	rows, err := deps.Aggregates.Fetch(ctx, req.UserID, req.ScopeKey, aggregation.KindSet{})
	if err != nil {
		return nil, fmt.Errorf("updater: load aggregates: %w", err)
	}
	existing := make(map[string]aggregation.Aggregate, len(rows))
	for _, row := range rows {
		existing[row.ContainerKey] = row
	}

	completions, err := deps.Completions.FetchCompletions(ctx, req.UserID, req.ScopeKey)
	if err != nil {
		return nil, fmt.Errorf("updater: load completions: %w", err)
	}
	leaves := make(map[string]aggregation.CompletionLeaf, len(completions))
	for _, leaf := range completions {
		leaves[leaf.BlockKey] = leaf
	}

	return &Updater{
		deps:     deps,
		req:      req,
		start:    start,
		tree:     tree,
		existing: existing,
		leaves:   leaves,
	}, nil
}

func loadTree(ctx context.Context, deps Deps, req UpdaterRequest) (*contenttree.Tree, error) {
	load := func(ctx context.Context) (*contenttree.Tree, error) {
		return contenttree.Materialize(ctx, deps.Provider, req.ScopeKey, req.SubRoot)
	}
	if deps.Cache == nil {
		return load(ctx)
	}
	return deps.Cache.GetOrLoad(ctx, req.UserID, req.ScopeKey, req.SubRoot, load)
}

// Tree returns the tree the updater evaluates.
func (u *Updater) Tree() *contenttree.Tree {
	return u.tree
}

// Existing returns the stored aggregate for container, if any.
func (u *Updater) Existing(container string) (aggregation.Aggregate, bool) {
	row, ok := u.existing[container]
	return row, ok
}

// Affected returns the containers that may need recomputation after changed leaves.
// An empty change set, or any block missing from the tree, affects everything.
func (u *Updater) Affected(changed []string) aggregation.AffectedSet {
	if len(changed) == 0 {
		return aggregation.AllAffected()
	}
	var ids []string
	for _, block := range changed {
		ancestors, ok := u.tree.AncestorsOf(block)
		if !ok {
			return aggregation.AllAffected()
		}
		ids = append(ids, ancestors...)
	}
	return aggregation.SpecificAffected(ids...)
}

// Calculate evaluates the tree and returns the rows that would be written.
// It writes nothing and resolves nothing.
func (u *Updater) Calculate(changed []string, force bool) ([]aggregation.Aggregate, error) {
	ev := &evaluation{
		updater:  u,
		affected: u.Affected(changed),
		force:    force,
		now:      u.deps.now(),
		memo:     make(map[string]aggregation.Stats, u.tree.Len()),
	}
	if _, err := ev.evaluate(u.tree.Root); err != nil {
		return nil, err
	}
	return ev.staged, nil
}

// Update runs Calculate, upserts the staged rows, then resolves the stale items
// created before the snapshot was taken. A failed upsert resolves nothing.
func (u *Updater) Update(ctx context.Context, changed []string, force bool) (UpdateResult, error) {
	if u.deps.Queue == nil {
		return UpdateResult{}, errors.New("updater: stale work queue is required")
	}

	start := u.start
	rows, err := u.Calculate(changed, force)
	if err != nil {
		return UpdateResult{}, err
	}

	if len(rows) > 0 {
		if err := u.deps.Aggregates.UpsertMany(ctx, rows); err != nil {
			return UpdateResult{}, fmt.Errorf("updater: %w", err)
		}
		for _, row := range rows {
			u.existing[row.ContainerKey] = row
		}
	}

	resolved, err := u.deps.Queue.Resolve(ctx, storage.ResolveFilter{
		UserID:        u.req.UserID,
		ScopeKey:      u.req.ScopeKey,
		CreatedBefore: &start,
		BlockKeys:     changed,
	})
	if err != nil {
		return UpdateResult{}, fmt.Errorf("updater: resolve stale items: %w", err)
	}
	staleResolved.WithLabelValues("update").Add(float64(resolved))

	slog.Debug("[Updater] Update committed",
		"user_id", u.req.UserID,
		"scope_key", u.req.ScopeKey,
		"changed_blocks", len(changed),
		"force", force,
		"staged", len(rows),
		"resolved", resolved)

	return UpdateResult{Start: start, Staged: len(rows), Resolved: resolved}, nil
}

// evaluation is one bottom-up pass over the tree. memo holds the stats of every
// node already evaluated in this pass, so a node reached through several
// parents is evaluated and staged once.
type evaluation struct {
	updater  *Updater
	affected aggregation.AffectedSet
	force    bool
	now      time.Time
	memo     map[string]aggregation.Stats
	staged   []aggregation.Aggregate
}

func (ev *evaluation) evaluate(key string) (aggregation.Stats, error) {
	if stats, ok := ev.memo[key]; ok {
		return stats, nil
	}
	node, ok := ev.updater.tree.Node(key)
	if !ok {
		return aggregation.Stats{}, fmt.Errorf("%w: block %s missing from tree", aggregation.ErrMalformedScope, key)
	}

	var (
		stats aggregation.Stats
		err   error
	)
	switch node.Mode {
	case aggregation.ModeExcluded:
		stats = aggregation.EmptyStats()
	case aggregation.ModeCompletable:
		stats = ev.completable(key)
	case aggregation.ModeAggregator:
		stats, err = ev.container(node)
	default:
		err = &aggregation.InvalidCompletionModeError{BlockKey: key, Mode: node.Mode}
	}
	if err != nil {
		return aggregation.Stats{}, err
	}

	ev.memo[key] = stats
	return stats, nil
}

func (ev *evaluation) completable(key string) aggregation.Stats {
	leaf, ok := ev.updater.leaves[key]
	if !ok {
		return aggregation.Stats{Earned: decimal.Zero, Possible: decimal.NewFromInt(1), LastModified: aggregation.OldDatetime}
	}
	return aggregation.Stats{
		Earned:       aggregation.CompletionValue(leaf.Value),
		Possible:     decimal.NewFromInt(1),
		LastModified: leaf.ModifiedAt,
	}
}

func (ev *evaluation) container(node *contenttree.Node) (aggregation.Stats, error) {
	existing, hasRow := ev.updater.existing[node.Key]
	affected := ev.affected.IsAffected(node.Key)
	if hasRow && !affected {
		return existing.Stats(), nil
	}

	total := aggregation.EmptyStats()
	for _, child := range node.Children {
		stats, err := ev.evaluate(child)
		if err != nil {
			return aggregation.Stats{}, err
		}
		total = total.Add(stats)
	}

	// An unaffected container without a row still feeds its parent, but is left
	// for a full recompute to store.
	if !affected || !ev.updater.req.Kinds.Contains(node.Type) {
		return total, nil
	}
	if hasRow && !ev.force && !existing.LastModified.Before(total.LastModified) {
		return total, nil
	}

	row := aggregation.NewAggregate(ev.updater.req.UserID, ev.updater.req.ScopeKey, node.Key, total, ev.now)
	if hasRow {
		row.ID = existing.ID
		row.Created = existing.Created
	}
	ev.staged = append(ev.staged, row)
	return total, nil
}
