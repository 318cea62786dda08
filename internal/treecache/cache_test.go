package treecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/contenttree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser  = "user-1"
	testScope = "course-v1:edX+DemoX+2026"
	testRoot  = "block-v1:edX+DemoX+2026+type@course+block@course"
)

// fakeInvalidations is an in-memory InvalidationStore.
type fakeInvalidations struct {
	mu       sync.Mutex
	markers  map[string]time.Time
	pruneErr error
	pruned   []time.Time
}

func newFakeInvalidations() *fakeInvalidations {
	return &fakeInvalidations{markers: make(map[string]time.Time)}
}

func (f *fakeInvalidations) InvalidatedAt(ctx context.Context, group string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.markers[group]
	return at, ok, nil
}

func (f *fakeInvalidations) Invalidate(ctx context.Context, group string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[group] = at
	return nil
}

func (f *fakeInvalidations) PruneInvalidations(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, before)
	if f.pruneErr != nil {
		return 0, f.pruneErr
	}
	var n int64
	for group, at := range f.markers {
		if at.Before(before) {
			delete(f.markers, group)
			n++
		}
	}
	return n, nil
}

// mapBackend is a Backend without Touch support.
type mapBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (b *mapBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *mapBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testTree() *contenttree.Tree {
	return &contenttree.Tree{
		ScopeKey: testScope,
		Root:     testRoot,
		Nodes: map[string]*contenttree.Node{
			testRoot: {Key: testRoot, Type: "course", Mode: "aggregator"},
		},
	}
}

func newTestCache(backend Backend) (*Cache, *fakeInvalidations, *testClock) {
	invalidations := newFakeInvalidations()
	clock := &testClock{now: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)}
	cache := New(backend, invalidations, Options{})
	cache.nowFn = clock.Now
	return cache, invalidations, clock
}

func TestKey(t *testing.T) {
	assert.Equal(t, "completion_aggregator.updater.user-1-course-v1:edX+DemoX+2026-COURSE", Key(testUser, testScope, ""))
	assert.Equal(t, "completion_aggregator.updater.user-1-course-v1:edX+DemoX+2026-"+testRoot, Key(testUser, testScope, testRoot))
}

func TestNew_PanicsOnNilDependencies(t *testing.T) {
	assert.Panics(t, func() { New(nil, newFakeInvalidations(), Options{}) })
	assert.Panics(t, func() { New(NewMemoryBackend(1), nil, Options{}) })
}

func TestCache_GroupInvalidation(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(NewMemoryBackend(10))

	_, ok, err := cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, testUser, testScope, "", testTree()))
	got, ok, err := cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testRoot, got.Root)

	clock.Advance(time.Second)
	require.NoError(t, cache.InvalidateGroup(ctx, testScope))

	_, ok, err = cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	assert.False(t, ok, "entry cached before the marker is stale")

	clock.Advance(time.Second)
	require.NoError(t, cache.Put(ctx, testUser, testScope, "", testTree()))
	_, ok, err = cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	assert.True(t, ok, "entry cached after the marker is fresh")

	require.NoError(t, cache.InvalidateGroup(ctx, "course-v1:edX+Other+2026"))
	_, ok, err = cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	assert.True(t, ok, "other groups are unaffected")
}

func TestCache_InvalidateGroupPrunesOldMarkers(t *testing.T) {
	ctx := context.Background()
	cache, invalidations, clock := newTestCache(NewMemoryBackend(10))

	invalidations.markers["old"] = clock.Now().Add(-91 * 24 * time.Hour)
	require.NoError(t, cache.InvalidateGroup(ctx, testScope))

	require.Len(t, invalidations.pruned, 1)
	assert.Equal(t, clock.Now().Add(-DefaultRetention), invalidations.pruned[0])
	assert.NotContains(t, invalidations.markers, "old")
	assert.Contains(t, invalidations.markers, testScope)

	invalidations.pruneErr = errors.New("prune failed")
	require.NoError(t, cache.InvalidateGroup(ctx, testScope), "prune failures are not returned")
}

func TestCache_UndecodableEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	backend := &mapBackend{values: map[string][]byte{Key(testUser, testScope, ""): []byte("{not json")}}
	cache, _, _ := newTestCache(backend)

	_, ok, err := cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_TouchWithoutToucherIsNoop(t *testing.T) {
	cache, _, _ := newTestCache(&mapBackend{values: map[string][]byte{}})
	require.NoError(t, cache.Touch(context.Background(), Key(testUser, testScope, "")))
}

func TestCache_GetOrLoadSharesLoads(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(NewMemoryBackend(10))

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (*contenttree.Tree, error) {
		loads.Add(1)
		<-release
		return testTree(), nil
	}

	var wg sync.WaitGroup
	results := make([]*contenttree.Tree, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tree, err := cache.GetOrLoad(ctx, testUser, testScope, "", load)
			assert.NoError(t, err)
			results[i] = tree
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(5))
	for _, tree := range results {
		require.NotNil(t, tree)
		assert.Equal(t, testRoot, tree.Root)
	}

	before := loads.Load()
	_, err := cache.GetOrLoad(ctx, testUser, testScope, "", load)
	require.NoError(t, err)
	assert.Equal(t, before, loads.Load(), "cached tree is served without loading")
}

func TestCache_GetOrLoadInvalidatedDuringLoadIsStale(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(NewMemoryBackend(10))

	tree, err := cache.GetOrLoad(ctx, testUser, testScope, "", func(ctx context.Context) (*contenttree.Tree, error) {
		clock.Advance(time.Second)
		require.NoError(t, cache.InvalidateGroup(ctx, testScope))
		clock.Advance(time.Second)
		return testTree(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, testRoot, tree.Root, "the caller still gets the loaded tree")

	_, ok, err := cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	assert.False(t, ok, "a tree read before the marker is not served")

	var loads int
	_, err = cache.GetOrLoad(ctx, testUser, testScope, "", func(context.Context) (*contenttree.Tree, error) {
		loads++
		return testTree(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "the next lookup reloads")

	_, ok, err = cache.Get(ctx, testUser, testScope, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_GetOrLoadPropagatesLoadErrors(t *testing.T) {
	cache, _, _ := newTestCache(NewMemoryBackend(10))
	loadErr := errors.New("provider down")

	_, err := cache.GetOrLoad(context.Background(), testUser, testScope, "", func(context.Context) (*contenttree.Tree, error) {
		return nil, loadErr
	})
	require.ErrorIs(t, err, loadErr)

	_, ok, err := cache.Get(context.Background(), testUser, testScope, "")
	require.NoError(t, err)
	assert.False(t, ok, "failed loads are not cached")
}
