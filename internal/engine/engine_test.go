package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/store"
	"github.com/JakeFAU/docharvest/internal/store/memory"
	"github.com/JakeFAU/docharvest/internal/store/storetest"
)

type fakeScheduler struct {
	mu        sync.Mutex
	refreshed [][]harvest.SourceKey
	triggered []string
	err       error
}

func (f *fakeScheduler) Trigger(_ context.Context, projectID, sourceID string) ([]harvest.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.triggered = append(f.triggered, projectID+"/"+sourceID)
	return []harvest.WorkItem{{
		ID:      "work-1",
		Source:  harvest.SourceReference{ProjectID: projectID, ID: sourceID},
		Trigger: harvest.TriggerManual,
		State:   harvest.WorkPending,
	}}, nil
}

func (f *fakeScheduler) Refresh(_ context.Context, keys []harvest.SourceKey) ([]harvest.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.refreshed = append(f.refreshed, keys)
	items := make([]harvest.WorkItem, len(keys))
	for i, k := range keys {
		items[i] = harvest.WorkItem{ID: k.String(), Trigger: harvest.TriggerStale}
	}
	return items, nil
}

func (f *fakeScheduler) WorkItems() []harvest.WorkItem {
	return []harvest.WorkItem{{ID: "work-1", State: harvest.WorkCompleted}}
}

type fixture struct {
	engine    *Engine
	store     *memory.Store
	clock     *storetest.Clock
	scheduler *fakeScheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := storetest.NewClock()
	st := memory.New(store.DefaultHistoryPolicy(), clock)
	sched := &fakeScheduler{}
	return &fixture{
		engine:    New(st, sched, clock, cfg, nil),
		store:     st,
		clock:     clock,
		scheduler: sched,
	}
}

func (f *fixture) commit(t *testing.T, source, path, body string, at time.Time) {
	t.Helper()
	snap := storetest.Snapshot("uniswap", source, path, body, 0, at)
	event := storetest.Event(source+path, snap, "", at)
	_, err := f.store.Commit(context.Background(), snap, &event)
	require.NoError(t, err)
}

func TestQueryAnnotatesStaleness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TTL: 30 * time.Minute})
	base := storetest.Base
	f.commit(t, "repo", "README.md", "old", base)
	f.commit(t, "site", "index", "fresh", base.Add(50*time.Minute))
	f.clock.Set(base.Add(time.Hour))

	views, err := f.engine.Query(context.Background(), harvest.Filter{ProjectID: "uniswap"})
	require.NoError(t, err)
	require.Len(t, views, 2)

	byPath := map[string]harvest.SnapshotView{}
	for _, v := range views {
		byPath[v.Document.Path] = v
	}
	require.True(t, byPath["README.md"].Stale)
	require.Equal(t, time.Hour, byPath["README.md"].Age)
	require.False(t, byPath["index"].Stale)
	require.Equal(t, 10*time.Minute, byPath["index"].Age)
	require.Empty(t, f.scheduler.refreshed, "refresh is disabled")
}

func TestQueryFreshWithinOverridesTTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TTL: 30 * time.Minute})
	f.commit(t, "repo", "README.md", "body", storetest.Base)
	f.clock.Set(storetest.Base.Add(time.Hour))

	views, err := f.engine.Query(context.Background(), harvest.Filter{FreshWithin: 2 * time.Hour})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.False(t, views[0].Stale)

	_, err = f.engine.Query(context.Background(), harvest.Filter{FreshWithin: -time.Second})
	require.Error(t, err)
}

func TestQueryWithoutWindowNeverStale(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{RefreshStale: true})
	f.commit(t, "repo", "README.md", "body", storetest.Base)
	f.clock.Set(storetest.Base.Add(72 * time.Hour))

	views, err := f.engine.Query(context.Background(), harvest.Filter{})
	require.NoError(t, err)
	require.False(t, views[0].Stale)
	require.Empty(t, f.scheduler.refreshed)
}

func TestQueryRefreshesStaleSourcesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TTL: 30 * time.Minute, RefreshStale: true})
	f.commit(t, "repo", "README.md", "a", storetest.Base)
	f.commit(t, "repo", "docs/intro.md", "b", storetest.Base)
	f.commit(t, "site", "index", "c", storetest.Base.Add(55*time.Minute))
	f.clock.Set(storetest.Base.Add(time.Hour))

	views, err := f.engine.Query(context.Background(), harvest.Filter{})
	require.NoError(t, err)
	require.Len(t, views, 3)
	require.Len(t, f.scheduler.refreshed, 1)
	require.Equal(t, []harvest.SourceKey{{ProjectID: "uniswap", SourceID: "repo"}}, f.scheduler.refreshed[0])
}

func TestQueryIgnoresRefreshErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TTL: time.Minute, RefreshStale: true})
	f.scheduler.err = errors.New("catalog unavailable")
	f.commit(t, "repo", "README.md", "a", storetest.Base)
	f.clock.Set(storetest.Base.Add(time.Hour))

	views, err := f.engine.Query(context.Background(), harvest.Filter{})
	require.NoError(t, err)
	require.True(t, views[0].Stale)
}

func TestChangeFeedIsExclusiveAndOrdered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.commit(t, "repo", "a.md", "a", storetest.Base)
	f.commit(t, "repo", "b.md", "b", storetest.Base.Add(time.Minute))
	f.commit(t, "repo", "c.md", "c", storetest.Base.Add(2*time.Minute))

	events, err := f.engine.ChangeFeed(context.Background(), harvest.FeedCursor{Since: storetest.Base}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "b.md", events[0].Path)
	require.Equal(t, "c.md", events[1].Path)

	events, err = f.engine.ChangeFeed(context.Background(), harvest.FeedCursor{}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "a.md", events[0].Path)

	events, err = f.engine.ChangeFeed(context.Background(), harvest.FeedCursor{}.Next(events[0]), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "b.md", events[0].Path)

	history, err := f.engine.History(context.Background(), harvest.DocumentKey{ProjectID: "uniswap", SourceID: "repo", Path: "a.md"})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestTriggerHarvestForwardsToScheduler(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	items, err := f.engine.TriggerHarvest(context.Background(), "uniswap", "repo")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, []string{"uniswap/repo"}, f.scheduler.triggered)
	require.Len(t, f.engine.WorkItems(), 1)

	f.scheduler.err = errors.New("unknown project")
	_, err = f.engine.TriggerHarvest(context.Background(), "compound", "")
	require.ErrorContains(t, err, "unknown project")
}

func TestEngineWithoutScheduler(t *testing.T) {
	t.Parallel()

	clock := storetest.NewClock()
	e := New(memory.New(store.DefaultHistoryPolicy(), clock), nil, clock, Config{TTL: time.Minute, RefreshStale: true}, nil)
	_, err := e.TriggerHarvest(context.Background(), "uniswap", "")
	require.Error(t, err)
	require.Nil(t, e.WorkItems())
	_, err = e.Query(context.Background(), harvest.Filter{})
	require.NoError(t, err)
}
