package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/dispatch"
)

// MarkScopeStale queues a forced whole-scope recompute for users in scopeKey.
// With no users given, every user active in the scope is marked.
// The scope's cached trees are invalidated so the next update sees fresh structure.
// With syncRun set, each user is updated before returning.
func MarkScopeStale(ctx context.Context, deps Deps, scopeKey string, users []string, syncRun bool, kinds aggregation.KindSet) (int, error) {
	if deps.Queue == nil || deps.Completions == nil {
		return 0, errors.New("mark stale: queue and completion store are required")
	}
	if _, err := aggregation.ParseScopeKey(scopeKey); err != nil {
		return 0, fmt.Errorf("mark stale: %w", err)
	}

	if len(users) == 0 {
		active, err := deps.Completions.ActiveUsers(ctx, scopeKey)
		if err != nil {
			return 0, fmt.Errorf("mark stale: list users: %w", err)
		}
		users = active
	}

	if deps.Cache != nil {
		if err := deps.Cache.InvalidateGroup(ctx, scopeKey); err != nil {
			return 0, fmt.Errorf("mark stale: %w", err)
		}
	}
	if len(users) == 0 {
		slog.Info("[Updater] No users to mark stale", "scope_key", scopeKey)
		return 0, nil
	}

	items := make([]aggregation.StaleItem, 0, len(users))
	for _, user := range users {
		items = append(items, aggregation.StaleItem{UserID: user, ScopeKey: scopeKey, Force: true})
	}
	if err := deps.Queue.Enqueue(ctx, items...); err != nil {
		return 0, fmt.Errorf("mark stale: %w", err)
	}
	slog.Info("[Updater] Marked scope stale", "scope_key", scopeKey, "users", len(users), "sync", syncRun)

	if !syncRun {
		return len(users), nil
	}
	for _, user := range users {
		task := dispatch.Task{UserID: user, ScopeKey: scopeKey, Force: true}
		if err := UpdateAggregators(ctx, deps, task, kinds); err != nil {
			return len(users), fmt.Errorf("mark stale: update %s: %w", user, err)
		}
	}
	return len(users), nil
}

// Reaggregate marks every enrollment of each scope stale. With all set the
// scopes are every scope that has completions.
func Reaggregate(ctx context.Context, deps Deps, scopes []string, all bool) (int, error) {
	if deps.Completions == nil {
		return 0, errors.New("reaggregate: completion store is required")
	}
	if all {
		known, err := deps.Completions.Scopes(ctx)
		if err != nil {
			return 0, fmt.Errorf("reaggregate: list scopes: %w", err)
		}
		scopes = known
	}

	total := 0
	for _, scope := range scopes {
		n, err := MarkScopeStale(ctx, deps, scope, nil, false, aggregation.KindSet{})
		if err != nil {
			return total, fmt.Errorf("reaggregate %s: %w", scope, err)
		}
		total += n
	}
	return total, nil
}

// RecordResult reports what one completion write did.
type RecordResult struct {
	Changed    bool
	Enqueued   bool
	Dispatched bool
}

// RecordCompletion stores a leaf completion and queues its ancestors for recompute.
// An unchanged write queues nothing. With syncOnWrite the enrollment is dispatched
// right away; a failed dispatch leaves the item for the next drain.
func RecordCompletion(ctx context.Context, deps Deps, leaf aggregation.CompletionLeaf, syncOnWrite bool) (RecordResult, error) {
	if deps.Completions == nil || deps.Queue == nil {
		return RecordResult{}, errors.New("record completion: completion store and queue are required")
	}
	if leaf.ModifiedAt.IsZero() {
		leaf.ModifiedAt = deps.now()
	}
	if err := leaf.Validate(); err != nil {
		return RecordResult{}, err
	}

	changed, err := deps.Completions.SaveCompletion(ctx, leaf)
	if err != nil {
		return RecordResult{}, fmt.Errorf("record completion: %w", err)
	}
	if !changed {
		return RecordResult{}, nil
	}

	block := leaf.BlockKey
	if err := deps.Queue.Enqueue(ctx, aggregation.StaleItem{
		UserID:   leaf.UserID,
		ScopeKey: leaf.ScopeKey,
		BlockKey: &block,
	}); err != nil {
		return RecordResult{Changed: true}, fmt.Errorf("record completion: %w", err)
	}
	result := RecordResult{Changed: true, Enqueued: true}

	if !syncOnWrite || deps.Dispatcher == nil {
		return result, nil
	}
	task := dispatch.Task{UserID: leaf.UserID, ScopeKey: leaf.ScopeKey, ChangedBlocks: []string{block}}
	if err := deps.Dispatcher.Enqueue(ctx, task); err != nil {
		slog.Warn("[Ingestion] Immediate dispatch failed, leaving item for the next drain",
			"user_id", leaf.UserID,
			"block_key", block,
			"error", err)
		return result, nil
	}
	result.Dispatched = true
	return result, nil
}
