// Package treecache caches materialized content trees per (user, scope, sub-root)
// and invalidates them in bulk by scope.
package treecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/contenttree"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a cached tree lives.
	DefaultTTL = 600 * time.Second

	// DefaultRetention is how long group invalidation markers are kept.
	DefaultRetention = 90 * 24 * time.Hour

	keyPrefix   = "completion_aggregator.updater."
	wholeCourse = "COURSE"
)

var cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "completion_aggregator_tree_cache_requests_total",
	Help: "Tree cache lookups by result",
}, []string{"result"})

// Key returns the cache key of (user, scope, subRoot).
func Key(userID, scopeKey, subRoot string) string {
	if subRoot == "" {
		subRoot = wholeCourse
	}
	return fmt.Sprintf("%s%s-%s-%s", keyPrefix, userID, scopeKey, subRoot)
}

// entry is the stored cache value.
type entry struct {
	Group    string            `json:"group"`
	CachedAt time.Time         `json:"cached_at"`
	Tree     *contenttree.Tree `json:"tree"`
}

// Options tune a Cache. Zero values take the defaults.
type Options struct {
	TTL       time.Duration
	Retention time.Duration
}

// Cache stores trees in a Backend and checks each hit against the scope's
// invalidation marker. An entry cached before the marker is a miss.
type Cache struct {
	backend       Backend
	invalidations storage.InvalidationStore
	ttl           time.Duration
	retention     time.Duration
	loads         singleflight.Group
	nowFn         func() time.Time
}

// New creates a Cache.
func New(backend Backend, invalidations storage.InvalidationStore, opts Options) *Cache {
	if backend == nil {
		panic("treecache: backend cannot be nil")
	}
	if invalidations == nil {
		panic("treecache: invalidation store cannot be nil")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Cache{
		backend:       backend,
		invalidations: invalidations,
		ttl:           opts.TTL,
		retention:     opts.Retention,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Get returns the cached tree for (user, scope, subRoot).
func (c *Cache) Get(ctx context.Context, userID, scopeKey, subRoot string) (*contenttree.Tree, bool, error) {
	key := Key(userID, scopeKey, subRoot)
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("tree cache get: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Tree == nil {
		slog.Warn("[TreeCache] Discarding undecodable entry", "key", key, "error", err)
		return nil, false, nil
	}

	invalidatedAt, marked, err := c.invalidations.InvalidatedAt(ctx, e.Group)
	if err != nil {
		return nil, false, fmt.Errorf("tree cache get: %w", err)
	}
	if marked && invalidatedAt.After(e.CachedAt) {
		return nil, false, nil
	}
	return e.Tree, true, nil
}

// Put stores tree under (user, scope, subRoot) in the scope's group.
func (c *Cache) Put(ctx context.Context, userID, scopeKey, subRoot string, tree *contenttree.Tree) error {
	return c.putAt(ctx, userID, scopeKey, subRoot, tree, c.nowFn())
}

// putAt stores tree as read at cachedAt. An invalidation after cachedAt makes it stale.
func (c *Cache) putAt(ctx context.Context, userID, scopeKey, subRoot string, tree *contenttree.Tree, cachedAt time.Time) error {
	raw, err := json.Marshal(entry{Group: scopeKey, CachedAt: cachedAt, Tree: tree})
	if err != nil {
		return fmt.Errorf("tree cache put: encode: %w", err)
	}
	if err := c.backend.Set(ctx, Key(userID, scopeKey, subRoot), raw, c.ttl); err != nil {
		return fmt.Errorf("tree cache put: %w", err)
	}
	return nil
}

// Touch extends the lifetime of key. It is a no-op when the backend cannot touch.
func (c *Cache) Touch(ctx context.Context, key string) error {
	toucher, ok := c.backend.(Toucher)
	if !ok {
		return nil
	}
	if err := toucher.Touch(ctx, key, c.ttl); err != nil {
		return fmt.Errorf("tree cache touch: %w", err)
	}
	return nil
}

// InvalidateGroup marks every tree of scope stale, then prunes markers older
// than the retention window. A failed prune is logged only.
func (c *Cache) InvalidateGroup(ctx context.Context, scopeKey string) error {
	now := c.nowFn()
	if err := c.invalidations.Invalidate(ctx, scopeKey, now); err != nil {
		return fmt.Errorf("tree cache invalidate %s: %w", scopeKey, err)
	}

	pruned, err := c.invalidations.PruneInvalidations(ctx, now.Add(-c.retention))
	if err != nil {
		slog.Warn("[TreeCache] Failed to prune invalidation markers", "error", err)
		return nil
	}
	if pruned > 0 {
		slog.Debug("[TreeCache] Pruned invalidation markers", "count", pruned)
	}
	return nil
}

// GetOrLoad returns the cached tree or calls load on a miss and caches the result.
// Concurrent misses for the same key share one load. Cache failures are logged
// and fall through to load.
func (c *Cache) GetOrLoad(ctx context.Context, userID, scopeKey, subRoot string, load func(context.Context) (*contenttree.Tree, error)) (*contenttree.Tree, error) {
	key := Key(userID, scopeKey, subRoot)
	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		tree, ok, err := c.Get(ctx, userID, scopeKey, subRoot)
		if err != nil {
			slog.Warn("[TreeCache] Lookup failed, loading from provider", "key", key, "error", err)
		}
		if ok {
			cacheRequests.WithLabelValues("hit").Inc()
			if err := c.Touch(ctx, key); err != nil {
				slog.Warn("[TreeCache] Touch failed", "key", key, "error", err)
			}
			return tree, nil
		}

		cacheRequests.WithLabelValues("miss").Inc()
		loadStart := c.nowFn()
		tree, err = load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.putAt(ctx, userID, scopeKey, subRoot, tree, loadStart); err != nil {
			slog.Warn("[TreeCache] Failed to cache tree", "key", key, "error", err)
		}
		return tree, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*contenttree.Tree), nil
}
