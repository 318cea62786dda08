package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/ingestion"
	"github.com/aevon-lab/completion-aggregator/internal/projection"
	"github.com/aevon-lab/completion-aggregator/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runBatchSize  int
	runDelay      time.Duration
	runLimit      int
	runRoutingKey string

	cleanupBatchSize int

	reaggregateAll bool

	staleUsers []string
	staleSync  bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the stale-queue scheduler and the in-process workers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	runAggregationCmd = &cobra.Command{
		Use:   "run-aggregation",
		Short: "Drain the stale-work queue once and wait for the dispatched updates",
		Args:  cobra.NoArgs,
		RunE:  runAggregation,
	}

	runCleanupCmd = &cobra.Command{
		Use:   "run-cleanup",
		Short: "Delete resolved stale-work items",
		Args:  cobra.NoArgs,
		RunE:  runCleanup,
	}

	reaggregateCmd = &cobra.Command{
		Use:   "reaggregate [scope_key...]",
		Short: "Queue a forced recompute of every enrollment in the given scopes",
		RunE:  runReaggregate,
	}

	markStaleCmd = &cobra.Command{
		Use:   "mark-stale scope_key",
		Short: "Queue a forced recompute of one scope, optionally for specific users",
		Args:  cobra.ExactArgs(1),
		RunE:  runMarkStale,
	}
)

func init() {
	runAggregationCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "Stale items read per page (default from config)")
	runAggregationCmd.Flags().DurationVar(&runDelay, "delay-between-batches", -1, "Pause between dispatch batches (default from config)")
	runAggregationCmd.Flags().IntVar(&runLimit, "limit", -1, "Maximum stale items to read, 0 for no cap (default from config)")
	runAggregationCmd.Flags().StringVar(&runRoutingKey, "routing-key", "", "Worker routing key label (default from config)")

	runCleanupCmd.Flags().IntVar(&cleanupBatchSize, "batch-size", 0, "Resolved items deleted per statement (default from config)")

	reaggregateCmd.Flags().BoolVar(&reaggregateAll, "all", false, "Reaggregate every scope that has completions")

	markStaleCmd.Flags().StringSliceVar(&staleUsers, "user", nil, "User to mark stale; repeatable (default: every active user)")
	markStaleCmd.Flags().BoolVar(&staleSync, "sync", false, "Recompute before returning instead of queueing only")

	rootCmd.AddCommand(serveCmd, runAggregationCmd, runCleanupCmd, reaggregateCmd, markStaleCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.cfg.Content.RequireDocuments(); err != nil {
		return err
	}

	if err := a.kinds.Watch(); err != nil {
		slog.Warn("[App] Config watch unavailable, registered kinds are fixed", "error", err)
	}
	defer a.kinds.Close()

	ctx, cancel := signalContext()
	defer cancel()

	dispatcher := a.newDispatcher("")
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	cfg := a.cfg
	ingestionSvc := ingestion.NewService(a.deps, a.kinds.Kinds, ingestion.Options{
		SyncOnWrite:   cfg.Aggregation.SyncOnWrite,
		MaxBodySizeMB: cfg.Server.MaxBodySizeMB,
	})
	projectionSvc := projection.NewService(a.deps, a.kinds.Kinds)
	srv := server.New(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), server.DBHealth(a.db), cfg.Server.Mode,
		ingestionSvc, projectionSvc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Aggregation.Enabled {
		scheduler := aggregation.NewScheduler(a.deps, aggregation.SchedulerOptions{
			DrainInterval:   cfg.Aggregation.CronIntervalDuration(),
			CleanupInterval: cfg.Aggregation.CleanupIntervalDuration(),
			Batch:           a.batchParameter(),
			Cleanup:         a.cleanupParameter(),
		})
		g.Go(func() error { return scheduler.Start(gctx) })
	} else {
		slog.Info("[App] Aggregation scheduler disabled by config")
	}

	err = g.Wait()
	slog.Info("[App] Shutdown complete")
	return err
}

func runAggregation(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.cfg.Content.RequireDocuments(); err != nil {
		return err
	}

	p := a.batchParameter()
	if runBatchSize > 0 {
		p.BatchSize = runBatchSize
	}
	if runDelay >= 0 {
		p.Delay = runDelay
	}
	if runLimit >= 0 {
		p.Limit = runLimit
	}
	if runRoutingKey != "" {
		p.RoutingKey = runRoutingKey
	}

	ctx, cancel := signalContext()
	defer cancel()

	dispatcher := a.newDispatcher(p.RoutingKey)
	dispatcher.Start(ctx)

	result, err := aggregation.PerformAggregation(ctx, a.deps, p)
	dispatcher.Close()
	if err != nil {
		return err
	}
	slog.Info("[App] Aggregation run finished",
		"skipped", result.Skipped,
		"selected", result.Selected,
		"enrollments", result.Enrollments,
		"dispatched", result.Dispatched)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	p := a.cleanupParameter()
	if cleanupBatchSize > 0 {
		p.BatchSize = cleanupBatchSize
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := aggregation.PerformCleanup(ctx, a.deps, p)
	if err != nil {
		return err
	}
	slog.Info("[App] Cleanup run finished", "skipped", result.Skipped, "deleted", result.Deleted)
	return nil
}

func runReaggregate(cmd *cobra.Command, args []string) error {
	if !reaggregateAll && len(args) == 0 {
		return errors.New("give at least one scope_key or --all")
	}
	if reaggregateAll && len(args) > 0 {
		return errors.New("scope keys and --all are mutually exclusive")
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	marked, err := aggregation.Reaggregate(ctx, a.deps, args, reaggregateAll)
	if err != nil {
		return err
	}
	slog.Info("[App] Reaggregation queued", "enrollments", marked, "all", reaggregateAll)
	return nil
}

func runMarkStale(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if staleSync {
		if err := a.cfg.Content.RequireDocuments(); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	marked, err := aggregation.MarkScopeStale(ctx, a.deps, args[0], staleUsers, staleSync, a.kinds.Kinds())
	if err != nil {
		return err
	}
	slog.Info("[App] Scope marked stale", "scope_key", args[0], "users", marked, "sync", staleSync)
	return nil
}
