package aggregation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownDrainTimeout   = 30 * time.Second
	defaultDrainInterval   = time.Minute
	defaultCleanupInterval = time.Hour
)

// SchedulerOptions configure the periodic jobs. Zero intervals take the defaults;
// a negative CleanupInterval disables cleanup.
type SchedulerOptions struct {
	DrainInterval   time.Duration
	CleanupInterval time.Duration
	Batch           BatchParameter
	Cleanup         CleanupParameter
}

// Scheduler runs the stale-queue drain and the resolved-item cleanup on tickers.
// It keeps no state between ticks; the lock and the queue carry it.
type Scheduler struct {
	deps Deps
	opts SchedulerOptions
}

// NewScheduler creates a scheduler over deps.
func NewScheduler(deps Deps, opts SchedulerOptions) *Scheduler {
	if deps.Queue == nil || deps.Locker == nil || deps.Dispatcher == nil {
		panic("aggregation: scheduler needs a queue, a locker and a dispatcher")
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	opts.Batch = opts.Batch.normalized()
	opts.Cleanup = opts.Cleanup.normalized()
	return &Scheduler{deps: deps, opts: opts}
}

// Start runs both jobs until ctx is cancelled. A final drain runs on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("[Scheduler] Starting aggregation scheduler",
		"drain_interval", s.opts.DrainInterval,
		"cleanup_interval", s.opts.CleanupInterval,
		"batch_size", s.opts.Batch.BatchSize,
		"limit", s.opts.Batch.Limit,
		"routing_key", s.opts.Batch.RoutingKey,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runDrain(gctx) })
	if s.opts.CleanupInterval > 0 {
		g.Go(func() error { return s.runCleanup(gctx) })
	}
	return g.Wait()
}

func (s *Scheduler) runDrain(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.DrainInterval)
	defer ticker.Stop()

	// Catch up on any backlog left by a previous process.
	s.drain(ctx)

	for {
		select {
		case <-ticker.C:
			s.drain(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownDrainTimeout)
			defer cancel()

			slog.Info("[Scheduler] Running final drain before shutdown...")
			s.drain(shutdownCtx)
			slog.Info("[Scheduler] Final drain complete")
			return nil
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := PerformCleanup(ctx, s.deps, s.opts.Cleanup); err != nil && ctx.Err() == nil {
				slog.Error("[Scheduler] Cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// drain runs one PerformAggregation. Dispatched items resolve asynchronously,
// so repeating within a tick would only re-read in-flight work.
func (s *Scheduler) drain(ctx context.Context) {
	result, err := PerformAggregation(ctx, s.deps, s.opts.Batch)
	if err != nil {
		slog.Error("[Scheduler] Aggregation drain failed", "error", err)
		return
	}
	if s.opts.Batch.Limit > 0 && result.Selected >= s.opts.Batch.Limit {
		slog.Info("[Scheduler] Backlog exceeds limit, continuing on the next tick",
			"limit", s.opts.Batch.Limit,
			"dispatched", result.Dispatched)
	}
}
