package aggregation

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/contenttree"
	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/aevon-lab/completion-aggregator/internal/dispatch"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testUser  = "user-1"
	testScope = "course-v1:edX+DemoX+2026"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func block(blockType, id string) string {
	return "block-v1:edX+DemoX+2026+type@" + blockType + "+block@" + id
}

// testClock is a settable clock shared by the deps and the fake store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeStore is an in-memory storage.Backend.
type fakeStore struct {
	mu    sync.Mutex
	clock *testClock

	aggregates map[string]aggregation.Aggregate
	nextAggID  int64
	upserts    int
	upsertErr  error
	onUpsert   func()

	leaves map[string]aggregation.CompletionLeaf

	stale       []aggregation.StaleItem
	nextStaleID int64

	invalidations map[string]time.Time
	locks         map[string]string
}

var _ storage.Backend = (*fakeStore)(nil)

func newFakeStore(clock *testClock) *fakeStore {
	return &fakeStore{
		clock:         clock,
		aggregates:    make(map[string]aggregation.Aggregate),
		leaves:        make(map[string]aggregation.CompletionLeaf),
		invalidations: make(map[string]time.Time),
		locks:         make(map[string]string),
	}
}

func aggregateKey(user, scope, container string) string {
	return user + "|" + scope + "|" + container
}

func (s *fakeStore) UpsertMany(ctx context.Context, rows []aggregation.Aggregate) error {
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return err
		}
	}
	if s.onUpsert != nil {
		s.onUpsert()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	for _, row := range rows {
		key := aggregateKey(row.UserID, row.ScopeKey, row.ContainerKey)
		if prev, ok := s.aggregates[key]; ok {
			row.ID = prev.ID
			row.Created = prev.Created
		} else {
			s.nextAggID++
			row.ID = s.nextAggID
		}
		s.aggregates[key] = row
	}
	return nil
}

func (s *fakeStore) Fetch(ctx context.Context, userID, scopeKey string, kinds aggregation.KindSet) ([]aggregation.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []aggregation.Aggregate
	for _, row := range s.aggregates {
		if row.UserID != userID || row.ScopeKey != scopeKey {
			continue
		}
		if kinds.Len() > 0 && !kinds.Contains(row.Kind) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) Get(ctx context.Context, userID, scopeKey, containerKey string) (aggregation.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.aggregates[aggregateKey(userID, scopeKey, containerKey)]
	if !ok {
		return aggregation.Aggregate{}, storage.ErrNotFound
	}
	return row, nil
}

func (s *fakeStore) row(container string) (aggregation.Aggregate, bool) {
	row, err := s.Get(context.Background(), testUser, testScope, container)
	return row, err == nil
}

func (s *fakeStore) Enqueue(ctx context.Context, items ...aggregation.StaleItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.nextStaleID++
		item.ID = s.nextStaleID
		if item.Created.IsZero() {
			item.Created = s.clock.Now()
		}
		item.Modified = item.Created
		s.stale = append(s.stale, item)
	}
	return nil
}

func (s *fakeStore) SelectUnresolved(ctx context.Context, afterID int64, limit int) ([]aggregation.StaleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []aggregation.StaleItem
	for _, item := range s.stale {
		if item.Resolved || item.ID <= afterID {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Resolve(ctx context.Context, filter storage.ResolveFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := make(map[string]bool, len(filter.BlockKeys))
	for _, b := range filter.BlockKeys {
		blocks[b] = true
	}
	var n int64
	for i, item := range s.stale {
		if item.Resolved || item.UserID != filter.UserID || item.ScopeKey != filter.ScopeKey {
			continue
		}
		if filter.CreatedBefore != nil && !item.Created.Before(*filter.CreatedBefore) {
			continue
		}
		if len(blocks) > 0 && (item.WholeScope() || !blocks[*item.BlockKey]) {
			continue
		}
		s.stale[i].Resolved = true
		n++
	}
	return n, nil
}

func (s *fakeStore) DeleteResolved(ctx context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		kept    []aggregation.StaleItem
		deleted int64
	)
	for _, item := range s.stale {
		if item.Resolved && deleted < int64(limit) {
			deleted++
			continue
		}
		kept = append(kept, item)
	}
	s.stale = kept
	return deleted, nil
}

func (s *fakeStore) unresolved() []aggregation.StaleItem {
	items, _ := s.SelectUnresolved(context.Background(), 0, 1<<30)
	return items
}

func (s *fakeStore) FetchCompletions(ctx context.Context, userID, scopeKey string) ([]aggregation.CompletionLeaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []aggregation.CompletionLeaf
	for _, leaf := range s.leaves {
		if leaf.UserID == userID && leaf.ScopeKey == scopeKey {
			out = append(out, leaf)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveCompletion(ctx context.Context, leaf aggregation.CompletionLeaf) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leaf.UserID + "|" + leaf.BlockKey
	if prev, ok := s.leaves[key]; ok && prev.Value == leaf.Value {
		return false, nil
	}
	s.leaves[key] = leaf
	return true, nil
}

func (s *fakeStore) ActiveUsers(ctx context.Context, scopeKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, leaf := range s.leaves {
		if leaf.ScopeKey == scopeKey {
			seen[leaf.UserID] = true
		}
	}
	for _, row := range s.aggregates {
		if row.ScopeKey == scopeKey {
			seen[row.UserID] = true
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *fakeStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, leaf := range s.leaves {
		seen[leaf.ScopeKey] = true
	}
	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (s *fakeStore) InvalidatedAt(ctx context.Context, group string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.invalidations[group]
	return at, ok, nil
}

func (s *fakeStore) Invalidate(ctx context.Context, group string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidations[group] = at
	return nil
}

func (s *fakeStore) PruneInvalidations(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.locks[name]; ok && owner != holder {
		return false, nil
	}
	s.locks[name] = holder
	return true, nil
}

func (s *fakeStore) Release(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[name] == holder {
		delete(s.locks, name)
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) setLeaf(block string, value float64, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves[testUser+"|"+block] = aggregation.CompletionLeaf{
		UserID:     testUser,
		ScopeKey:   testScope,
		BlockKey:   block,
		Value:      value,
		ModifiedAt: modified,
	}
}

// mockDispatcher records dispatched tasks.
type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Enqueue(ctx context.Context, task dispatch.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func newProvider(t *testing.T, docs ...contenttree.Document) *contenttree.MemoryProvider {
	t.Helper()

	registry, err := aggregation.NewModeRegistry(nil)
	require.NoError(t, err)
	provider := contenttree.NewMemoryProvider(registry)
	for _, doc := range docs {
		require.NoError(t, provider.Put(doc))
	}
	return provider
}

type fixture struct {
	clock *testClock
	store *fakeStore
	deps  Deps
}

func newFixture(t *testing.T, docs ...contenttree.Document) *fixture {
	t.Helper()

	clock := &testClock{now: t0}
	store := newFakeStore(clock)
	return &fixture{
		clock: clock,
		store: store,
		deps: Deps{
			Provider:    newProvider(t, docs...),
			Aggregates:  store,
			Completions: store,
			Queue:       store,
			Locker:      store,
			Now:         clock.Now,
		},
	}
}

func (f *fixture) updater(t *testing.T, kinds aggregation.KindSet) *Updater {
	t.Helper()

	u, err := NewUpdater(context.Background(), f.deps, UpdaterRequest{
		UserID:   testUser,
		ScopeKey: testScope,
		Kinds:    kinds,
	})
	require.NoError(t, err)
	return u
}
