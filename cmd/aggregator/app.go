package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/completion-aggregator/internal/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/contenttree"
	coreagg "github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	corecfg "github.com/aevon-lab/completion-aggregator/internal/core/config"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage/postgres"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage/sqlite"
	"github.com/aevon-lab/completion-aggregator/internal/dispatch"
	"github.com/aevon-lab/completion-aggregator/internal/migrations"
	"github.com/aevon-lab/completion-aggregator/internal/treecache"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *corecfg.Config
	db      *sql.DB
	backend storage.Backend
	kinds   *corecfg.KindWatcher
	deps    aggregation.Deps

	closers []func() error
}

// newApp loads config, opens storage, runs migrations and builds the
// aggregation dependencies. The dispatcher is attached by the caller.
func newApp(path string) (*app, error) {
	cfg, err := corecfg.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg, kinds: corecfg.NewKindWatcher(path, cfg)}

	if err := a.openStorage(); err != nil {
		a.Close()
		return nil, err
	}

	registry, err := coreagg.NewModeRegistry(cfg.CompletionModes)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("completion modes: %w", err)
	}

	var provider contenttree.Provider
	switch cfg.Content.SourceType {
	case "filesystem":
		provider = contenttree.NewFileSystemProvider(cfg.Content.Path, registry)
	default:
		provider = contenttree.NewMemoryProvider(registry)
	}

	cache, err := a.openTreeCache()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.deps = aggregation.Deps{
		Provider:    provider,
		Cache:       cache,
		Aggregates:  a.backend,
		Completions: a.backend,
		Queue:       a.backend,
		Locker:      a.backend,
	}
	return a, nil
}

func (a *app) openStorage() error {
	dbCfg := a.cfg.Database
	switch dbCfg.Type {
	case "sqlite":
		store, err := sqlite.Open(dbCfg.DSN)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := migrations.RunMigrations(store.DB(), migrations.DialectSQLite, dbCfg.AutoMigrate); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		a.db, a.backend = store.DB(), store
	default:
		db, err := postgres.Open(dbCfg.DSN, dbCfg.MaxOpenConns, dbCfg.MaxIdleConns)
		if err != nil {
			return err
		}
		if err := migrations.RunMigrations(db, migrations.DialectPostgres, dbCfg.AutoMigrate); err != nil {
			db.Close()
			return fmt.Errorf("run migrations: %w", err)
		}
		adapter, err := postgres.NewAdapter(db)
		if err != nil {
			db.Close()
			return err
		}
		a.closers = append(a.closers, adapter.Close)
		a.db, a.backend = db, adapter
	}
	slog.Info("[App] Storage ready", "type", dbCfg.Type, "auto_migrate", dbCfg.AutoMigrate)
	return nil
}

func (a *app) openTreeCache() (*treecache.Cache, error) {
	tcCfg := a.cfg.TreeCache
	var backend treecache.Backend
	switch tcCfg.Backend {
	case "badger":
		b, err := treecache.OpenBadgerBackend(tcCfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open tree cache: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		backend = b
	default:
		backend = treecache.NewMemoryBackend(tcCfg.Capacity)
	}
	return treecache.New(backend, a.backend, treecache.Options{
		TTL:       tcCfg.TTLDuration(),
		Retention: tcCfg.RetentionDuration(),
	}), nil
}

// newDispatcher attaches an in-process dispatcher that runs update tasks
// against the live allow-list. Close drains it.
func (a *app) newDispatcher(routingKey string) *dispatch.LocalDispatcher {
	aggCfg := a.cfg.Aggregation
	if routingKey == "" {
		routingKey = aggCfg.RoutingKey
	}
	d := dispatch.NewLocalDispatcher(aggregation.TaskHandler(a.deps, a.kinds.Kinds), dispatch.LocalOptions{
		Workers:    aggCfg.WorkerCount,
		QueueSize:  aggCfg.QueueSize,
		RoutingKey: routingKey,
	})
	a.deps.Dispatcher = d
	return d
}

func (a *app) batchParameter() aggregation.BatchParameter {
	aggCfg := a.cfg.Aggregation
	return aggregation.BatchParameter{
		BatchSize:      aggCfg.BatchSize,
		Limit:          aggCfg.Limit,
		DispatchBatch:  aggCfg.DispatchBatch,
		Delay:          aggCfg.DispatchDelayDuration(),
		MaxKeysPerTask: aggCfg.MaxKeysPerTask,
		LockName:       aggCfg.LockName,
		LockTimeout:    aggCfg.LockTimeoutDuration(),
		RoutingKey:     aggCfg.RoutingKey,
	}
}

func (a *app) cleanupParameter() aggregation.CleanupParameter {
	aggCfg := a.cfg.Aggregation
	return aggregation.CleanupParameter{
		BatchSize:   aggCfg.CleanupBatchSize,
		LockName:    aggCfg.CleanupLockName,
		LockTimeout: aggCfg.CleanupLockTimeoutDuration(),
	}
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("[App] Close failed", "error", err)
		}
	}
	a.closers = nil
}
