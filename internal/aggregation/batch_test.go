package aggregation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func staleBlock(user, blockKey string, force bool) aggregation.StaleItem {
	b := blockKey
	return aggregation.StaleItem{UserID: user, ScopeKey: testScope, BlockKey: &b, Force: force}
}

func staleScope(user string, force bool) aggregation.StaleItem {
	return aggregation.StaleItem{UserID: user, ScopeKey: testScope, Force: force}
}

func TestStaleGroups(t *testing.T) {
	tests := []struct {
		name    string
		items   []aggregation.StaleItem
		maxKeys int
		want    []dispatch.Task
	}{
		{
			name:    "blocks union per enrollment in first-seen order",
			items:   []aggregation.StaleItem{staleBlock("u2", html1, false), staleBlock("u1", html2, false), staleBlock("u2", html3, false), staleBlock("u2", html1, false)},
			maxKeys: 16,
			want: []dispatch.Task{
				{UserID: "u2", ScopeKey: testScope, ChangedBlocks: []string{html1, html3}},
				{UserID: "u1", ScopeKey: testScope, ChangedBlocks: []string{html2}},
			},
		},
		{
			name:    "a whole-scope item widens the group",
			items:   []aggregation.StaleItem{staleBlock("u1", html1, false), staleScope("u1", false), staleBlock("u1", html2, false)},
			maxKeys: 16,
			want:    []dispatch.Task{{UserID: "u1", ScopeKey: testScope}},
		},
		{
			name:    "force is the OR of the group",
			items:   []aggregation.StaleItem{staleBlock("u1", html1, false), staleBlock("u1", html2, true), staleBlock("u1", html3, false)},
			maxKeys: 16,
			want:    []dispatch.Task{{UserID: "u1", ScopeKey: testScope, ChangedBlocks: []string{html1, html2, html3}, Force: true}},
		},
		{
			name:    "more distinct blocks than the cap recomputes whole",
			items:   []aggregation.StaleItem{staleBlock("u1", html1, false), staleBlock("u1", html2, false), staleBlock("u1", html3, false)},
			maxKeys: 2,
			want:    []dispatch.Task{{UserID: "u1", ScopeKey: testScope}},
		},
		{
			name:    "exactly the cap keeps the list",
			items:   []aggregation.StaleItem{staleBlock("u1", html1, false), staleBlock("u1", html2, false), staleBlock("u1", html1, false)},
			maxKeys: 2,
			want:    []dispatch.Task{{UserID: "u1", ScopeKey: testScope, ChangedBlocks: []string{html1, html2}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := newStaleGroups(tt.maxKeys)
			for _, item := range tt.items {
				groups.add(item)
			}

			var got []dispatch.Task
			for _, key := range groups.order {
				got = append(got, groups.byEnrollment[key].task(tt.maxKeys))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPerformAggregation_DispatchesOneTaskPerEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Enqueue(ctx,
		staleBlock("u1", html1, false),
		staleBlock("u2", html2, false),
		staleBlock("u1", html3, false),
		staleScope("u3", true),
	))

	dispatcher := &mockDispatcher{}
	dispatcher.On("Enqueue", mock.Anything, dispatch.Task{UserID: "u1", ScopeKey: testScope, ChangedBlocks: []string{html1, html3}}).Return(nil).Once()
	dispatcher.On("Enqueue", mock.Anything, dispatch.Task{UserID: "u2", ScopeKey: testScope, ChangedBlocks: []string{html2}}).Return(nil).Once()
	dispatcher.On("Enqueue", mock.Anything, dispatch.Task{UserID: "u3", ScopeKey: testScope, Force: true}).Return(nil).Once()
	f.deps.Dispatcher = dispatcher

	result, err := PerformAggregation(ctx, f.deps, BatchParameter{BatchSize: 2})
	require.NoError(t, err)

	assert.Equal(t, BatchResult{Selected: 4, Enrollments: 3, Dispatched: 3}, result)
	dispatcher.AssertExpectations(t)
	assert.Empty(t, f.store.locks, "the lock is released")
	assert.Len(t, f.store.unresolved(), 4, "dispatching resolves nothing")
}

func TestPerformAggregation_RespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Enqueue(ctx, staleScope(fmt.Sprintf("u%d", i), false)))
	}

	dispatcher := &mockDispatcher{}
	dispatcher.On("Enqueue", mock.Anything, mock.AnythingOfType("dispatch.Task")).Return(nil)
	f.deps.Dispatcher = dispatcher

	result, err := PerformAggregation(ctx, f.deps, BatchParameter{BatchSize: 2, Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Selected)
	dispatcher.AssertNumberOfCalls(t, "Enqueue", 3)
}

func TestPerformAggregation_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Enqueue(ctx, staleScope("u1", false)))

	acquired, err := f.store.TryAcquire(ctx, DefaultAggregationLock, "other-host", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	dispatcher := &mockDispatcher{}
	f.deps.Dispatcher = dispatcher

	result, err := PerformAggregation(ctx, f.deps, DefaultBatchParameter())
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	dispatcher.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	assert.Equal(t, "other-host", f.store.locks[DefaultAggregationLock])
}

func TestPerformAggregation_ReleasesLockOnDispatchError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Enqueue(ctx, staleScope("u1", false), staleScope("u2", false)))

	dispatcher := &mockDispatcher{}
	dispatcher.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
	f.deps.Dispatcher = dispatcher

	result, err := PerformAggregation(ctx, f.deps, DefaultBatchParameter())
	require.Error(t, err)
	assert.Zero(t, result.Dispatched)
	assert.Empty(t, f.store.locks)
}

func TestPerformAggregation_PacesDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.Enqueue(ctx, staleScope(fmt.Sprintf("u%d", i), false)))
	}

	dispatcher := &mockDispatcher{}
	dispatcher.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	f.deps.Dispatcher = dispatcher

	start := time.Now()
	result, err := PerformAggregation(ctx, f.deps, BatchParameter{DispatchBatch: 2, Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Dispatched)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPerformAggregation_RequiresDependencies(t *testing.T) {
	_, err := PerformAggregation(context.Background(), Deps{}, DefaultBatchParameter())
	require.Error(t, err)
}

func TestPerformCleanup_DeletesInBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Enqueue(ctx, staleScope(fmt.Sprintf("u%d", i), false)))
	}
	require.NoError(t, f.store.Enqueue(ctx, staleScope("pending", false)))
	for i := range f.store.stale[:5] {
		f.store.stale[i].Resolved = true
	}

	result, err := PerformCleanup(ctx, f.deps, CleanupParameter{BatchSize: 2})
	require.NoError(t, err)

	assert.EqualValues(t, 5, result.Deleted)
	require.Len(t, f.store.stale, 1)
	assert.Equal(t, "pending", f.store.stale[0].UserID)
	assert.Empty(t, f.store.locks)
}

func TestPerformCleanup_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.TryAcquire(ctx, DefaultCleanupLock, "other-host", time.Minute)
	require.NoError(t, err)

	result, err := PerformCleanup(ctx, f.deps, DefaultCleanupParameter())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestBatchParameter_Normalized(t *testing.T) {
	p := BatchParameter{}.normalized()

	assert.Equal(t, 1000, p.BatchSize)
	assert.Equal(t, 1000, p.DispatchBatch)
	assert.Equal(t, 16, p.MaxKeysPerTask)
	assert.Equal(t, DefaultAggregationLock, p.LockName)
	assert.Equal(t, 30*time.Minute, p.LockTimeout)
	assert.Zero(t, p.Limit, "no limit unless configured")

	c := CleanupParameter{}.normalized()
	assert.Equal(t, 15*time.Minute, c.LockTimeout)
	assert.Equal(t, DefaultCleanupLock, c.LockName)
}
