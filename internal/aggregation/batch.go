package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/aevon-lab/completion-aggregator/internal/dispatch"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultBatchSize      = 1000
	defaultDispatchBatch  = 1000
	defaultMaxKeysPerTask = 16
	defaultCleanupBatch   = 10000

	// DefaultAggregationLock names the drain lock.
	DefaultAggregationLock = "COMPLETION_AGGREGATOR_AGGREGATION_LOCK"
	// DefaultCleanupLock names the cleanup lock.
	DefaultCleanupLock = "COMPLETION_AGGREGATOR_CLEANUP_LOCK"

	defaultAggregationLockTimeout = 1800 * time.Second
	defaultCleanupLockTimeout     = 900 * time.Second

	lockReleaseTimeout = 5 * time.Second
)

// BatchParameter controls one drain of the stale work queue.
type BatchParameter struct {
	// BatchSize is the page size of each SelectUnresolved call.
	BatchSize int
	// Limit caps the items read in one run. Zero or less means no cap.
	Limit int
	// DispatchBatch and Delay pace dispatching to at most DispatchBatch tasks per Delay.
	// A zero Delay dispatches without pause.
	DispatchBatch int
	Delay         time.Duration
	// MaxKeysPerTask is the largest changed-block list sent in one task;
	// enrollments with more distinct blocks are recomputed whole.
	MaxKeysPerTask int
	LockName       string
	LockTimeout    time.Duration
	// RoutingKey labels the run in logs.
	RoutingKey string
}

// DefaultBatchParameter returns safe defaults for periodic draining.
func DefaultBatchParameter() BatchParameter {
	return BatchParameter{
		BatchSize:      defaultBatchSize,
		DispatchBatch:  defaultDispatchBatch,
		MaxKeysPerTask: defaultMaxKeysPerTask,
		LockName:       DefaultAggregationLock,
		LockTimeout:    defaultAggregationLockTimeout,
	}
}

func (p BatchParameter) normalized() BatchParameter {
	n := p
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.DispatchBatch <= 0 {
		n.DispatchBatch = defaultDispatchBatch
	}
	if n.MaxKeysPerTask <= 0 {
		n.MaxKeysPerTask = defaultMaxKeysPerTask
	}
	if n.LockName == "" {
		n.LockName = DefaultAggregationLock
	}
	if n.LockTimeout <= 0 {
		n.LockTimeout = defaultAggregationLockTimeout
	}
	return n
}

// BatchResult summarizes one drain.
type BatchResult struct {
	Skipped     bool
	Selected    int
	Enrollments int
	Dispatched  int
}

// PerformAggregation drains unresolved stale items under the aggregation lock,
// groups them by enrollment and dispatches one task per enrollment.
// When another holder owns the lock the run is skipped without error.
func PerformAggregation(ctx context.Context, deps Deps, p BatchParameter) (BatchResult, error) {
	if deps.Queue == nil || deps.Locker == nil || deps.Dispatcher == nil {
		return BatchResult{}, errors.New("perform aggregation: queue, locker and dispatcher are required")
	}
	p = p.normalized()

	holder := uuid.NewString()
	acquired, err := deps.Locker.TryAcquire(ctx, p.LockName, holder, p.LockTimeout)
	if err != nil {
		batchRuns.WithLabelValues("aggregation", "error").Inc()
		return BatchResult{}, fmt.Errorf("perform aggregation: %w", err)
	}
	if !acquired {
		batchRuns.WithLabelValues("aggregation", "skipped").Inc()
		slog.Warn("[BatchJob] Aggregation is already running, skipping", "lock", p.LockName)
		return BatchResult{Skipped: true}, nil
	}
	defer releaseLock(ctx, deps.Locker, p.LockName, holder)

	groups, selected, err := collectStale(ctx, deps.Queue, p)
	if err != nil {
		batchRuns.WithLabelValues("aggregation", "error").Inc()
		return BatchResult{}, fmt.Errorf("perform aggregation: %w", err)
	}
	result := BatchResult{Selected: selected, Enrollments: len(groups.order)}
	if selected == 0 {
		batchRuns.WithLabelValues("aggregation", "empty").Inc()
		slog.Debug("[BatchJob] No stale items to process")
		return result, nil
	}

	slog.Info("[BatchJob] Performing aggregation update",
		"enrollments", result.Enrollments,
		"stale_items", selected,
		"routing_key", p.RoutingKey)

	var limiter *rate.Limiter
	if p.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(p.Delay), 1)
		limiter.Allow()
	}

	for i, key := range groups.order {
		task := groups.byEnrollment[key].task(p.MaxKeysPerTask)
		if err := deps.Dispatcher.Enqueue(ctx, task); err != nil {
			batchRuns.WithLabelValues("aggregation", "error").Inc()
			return result, fmt.Errorf("perform aggregation: dispatch %s/%s: %w", task.UserID, task.ScopeKey, err)
		}
		result.Dispatched++

		if limiter != nil && i%p.DispatchBatch == p.DispatchBatch-1 && i < len(groups.order)-1 {
			if err := limiter.Wait(ctx); err != nil {
				batchRuns.WithLabelValues("aggregation", "error").Inc()
				return result, fmt.Errorf("perform aggregation: %w", err)
			}
		}
	}

	batchRuns.WithLabelValues("aggregation", "ok").Inc()
	slog.Info("[BatchJob] Finished aggregation update",
		"enrollments", result.Enrollments,
		"dispatched", result.Dispatched,
		"routing_key", p.RoutingKey)
	return result, nil
}

// collectStale pages unresolved items by id until a short page or the limit.
func collectStale(ctx context.Context, queue storage.StaleWorkQueue, p BatchParameter) (*staleGroups, int, error) {
	groups := newStaleGroups(p.MaxKeysPerTask)
	var (
		afterID  int64
		selected int
	)
	for p.Limit <= 0 || selected < p.Limit {
		size := p.BatchSize
		if p.Limit > 0 && p.Limit-selected < size {
			size = p.Limit - selected
		}

		items, err := queue.SelectUnresolved(ctx, afterID, size)
		if err != nil {
			return nil, 0, err
		}
		for _, item := range items {
			groups.add(item)
		}
		selected += len(items)
		staleSelected.Add(float64(len(items)))

		if len(items) < size {
			break
		}
		afterID = items[len(items)-1].ID
	}
	return groups, selected, nil
}

type enrollment struct {
	userID   string
	scopeKey string
}

// staleGroups folds stale items into one pending task per enrollment, in first-seen order.
type staleGroups struct {
	maxKeys      int
	order        []enrollment
	byEnrollment map[enrollment]*pendingTask
}

type pendingTask struct {
	enrollment
	wholeScope bool
	blocks     []string
	seen       map[string]struct{}
	force      bool
}

func newStaleGroups(maxKeys int) *staleGroups {
	return &staleGroups{maxKeys: maxKeys, byEnrollment: make(map[enrollment]*pendingTask)}
}

func (g *staleGroups) add(item aggregation.StaleItem) {
	key := enrollment{userID: item.UserID, scopeKey: item.ScopeKey}
	pending, ok := g.byEnrollment[key]
	if !ok {
		pending = &pendingTask{enrollment: key, seen: make(map[string]struct{})}
		g.byEnrollment[key] = pending
		g.order = append(g.order, key)
	}

	pending.force = pending.force || item.Force
	if item.WholeScope() {
		pending.wholeScope = true
		pending.blocks = nil
		pending.seen = nil
		return
	}
	// Collection stops one past the cap; that is enough to know the task goes whole.
	if pending.wholeScope || len(pending.blocks) > g.maxKeys {
		return
	}
	if _, dup := pending.seen[*item.BlockKey]; dup {
		return
	}
	pending.seen[*item.BlockKey] = struct{}{}
	pending.blocks = append(pending.blocks, *item.BlockKey)
}

func (t *pendingTask) task(maxKeys int) dispatch.Task {
	task := dispatch.Task{UserID: t.userID, ScopeKey: t.scopeKey, Force: t.force}
	if !t.wholeScope && len(t.blocks) <= maxKeys {
		task.ChangedBlocks = t.blocks
	}
	return task
}

// CleanupParameter controls one cleanup run.
type CleanupParameter struct {
	BatchSize   int
	LockName    string
	LockTimeout time.Duration
}

// DefaultCleanupParameter returns the cleanup defaults.
func DefaultCleanupParameter() CleanupParameter {
	return CleanupParameter{
		BatchSize:   defaultCleanupBatch,
		LockName:    DefaultCleanupLock,
		LockTimeout: defaultCleanupLockTimeout,
	}
}

func (p CleanupParameter) normalized() CleanupParameter {
	n := p
	if n.BatchSize <= 0 {
		n.BatchSize = defaultCleanupBatch
	}
	if n.LockName == "" {
		n.LockName = DefaultCleanupLock
	}
	if n.LockTimeout <= 0 {
		n.LockTimeout = defaultCleanupLockTimeout
	}
	return n
}

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	Skipped bool
	Deleted int64
}

// PerformCleanup deletes resolved stale items in bounded batches under the cleanup lock.
func PerformCleanup(ctx context.Context, deps Deps, p CleanupParameter) (CleanupResult, error) {
	if deps.Queue == nil || deps.Locker == nil {
		return CleanupResult{}, errors.New("perform cleanup: queue and locker are required")
	}
	p = p.normalized()

	holder := uuid.NewString()
	acquired, err := deps.Locker.TryAcquire(ctx, p.LockName, holder, p.LockTimeout)
	if err != nil {
		batchRuns.WithLabelValues("cleanup", "error").Inc()
		return CleanupResult{}, fmt.Errorf("perform cleanup: %w", err)
	}
	if !acquired {
		batchRuns.WithLabelValues("cleanup", "skipped").Inc()
		slog.Warn("[BatchJob] Cleanup is already running, skipping", "lock", p.LockName)
		return CleanupResult{Skipped: true}, nil
	}
	defer releaseLock(ctx, deps.Locker, p.LockName, holder)

	var result CleanupResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deleted, err := deps.Queue.DeleteResolved(ctx, p.BatchSize)
		if err != nil {
			batchRuns.WithLabelValues("cleanup", "error").Inc()
			return result, fmt.Errorf("perform cleanup: %w", err)
		}
		result.Deleted += deleted
		staleDeleted.Add(float64(deleted))
		if deleted < int64(p.BatchSize) {
			break
		}
	}

	batchRuns.WithLabelValues("cleanup", "ok").Inc()
	if result.Deleted > 0 {
		slog.Info("[BatchJob] Cleanup complete", "deleted", result.Deleted)
	}
	return result, nil
}

func releaseLock(ctx context.Context, locker storage.Locker, name, holder string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := locker.Release(releaseCtx, name, holder); err != nil {
		slog.Error("[BatchJob] Failed to release lock", "lock", name, "error", err)
	}
}
