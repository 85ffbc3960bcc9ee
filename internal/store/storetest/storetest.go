// Package storetest is a conformance suite run against every snapshot store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/store"
)

// Base is the reference time used by the suite.
var Base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a settable harvest.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to Base.
func NewClock() *Clock { return &Clock{now: Base} }

// Now implements harvest.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Factory builds an empty store bounded by policy and reading time from clock.
type Factory func(t *testing.T, policy store.HistoryPolicy, clock harvest.Clock) harvest.SnapshotStore

// Snapshot builds a snapshot for tests.
func Snapshot(project, source, path, body string, version int64, at time.Time) harvest.Snapshot {
	return harvest.Snapshot{
		Document: harvest.NormalizedDocument{
			ProjectID:   project,
			SourceID:    source,
			Path:        path,
			Title:       "Title " + path,
			Body:        body,
			Outline:     []harvest.Heading{{Level: 1, Text: "Title " + path}},
			ContentType: "text/markdown",
			ExtractedAt: at,
		},
		Fingerprint: "fp-" + body,
		LastChanged: at,
		LastChecked: at,
		Version:     version,
	}
}

// Event builds a change event for snap.
func Event(id string, snap harvest.Snapshot, previous string, at time.Time) harvest.ChangeEvent {
	class := harvest.Changed
	if previous == "" {
		class = harvest.New
	}
	return harvest.ChangeEvent{
		ID:                  id,
		ProjectID:           snap.Document.ProjectID,
		SourceID:            snap.Document.SourceID,
		Path:                snap.Document.Path,
		PreviousFingerprint: previous,
		NewFingerprint:      snap.Fingerprint,
		Classification:      class,
		Timestamp:           at,
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("CommitCreatesAndVersions", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		snap := Snapshot("eth", "repo", "README.md", "v1", 0, Base)
		event := Event("e1", snap, "", Base)

		stored, err := s.Commit(ctx, snap, &event)
		require.NoError(t, err)
		require.EqualValues(t, 1, stored.Version)

		got, ok, err := s.Get(ctx, snap.Key())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v1", got.Document.Body)
		require.Equal(t, []harvest.Heading{{Level: 1, Text: "Title README.md"}}, got.Document.Outline)
		require.True(t, Base.Equal(got.LastChanged))
		require.EqualValues(t, 1, got.Version)

		history, err := s.History(ctx, snap.Key())
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, harvest.New, history[0].Classification)
		require.Empty(t, history[0].PreviousFingerprint)

		_, ok, err = s.Get(ctx, harvest.DocumentKey{ProjectID: "eth", SourceID: "repo", Path: "missing.md"})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		snap := Snapshot("eth", "repo", "README.md", "v1", 0, Base)
		_, err := s.Upsert(ctx, snap)
		require.NoError(t, err)

		again := Snapshot("eth", "repo", "README.md", "v2", 0, Base.Add(time.Minute))
		event := Event("e2", again, "fp-v1", Base.Add(time.Minute))
		_, err = s.Commit(ctx, again, &event)
		require.True(t, harvest.IsStoreKind(err, harvest.WriteConflict), "got %v", err)

		got, _, err := s.Get(ctx, snap.Key())
		require.NoError(t, err)
		require.Equal(t, "v1", got.Document.Body)
		history, err := s.History(ctx, snap.Key())
		require.NoError(t, err)
		require.Empty(t, history)
	})

	t.Run("TimestampsNeverGoBackwards", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		first := Snapshot("eth", "repo", "README.md", "v1", 0, Base)
		e1 := Event("e1", first, "", Base)
		_, err := s.Commit(ctx, first, &e1)
		require.NoError(t, err)

		earlier := Base.Add(-time.Hour)
		second := Snapshot("eth", "repo", "README.md", "v2", 1, earlier)
		e2 := Event("e2", second, "fp-v1", earlier)
		stored, err := s.Commit(ctx, second, &e2)
		require.NoError(t, err)
		require.True(t, Base.Equal(stored.LastChanged))

		history, err := s.History(ctx, first.Key())
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.False(t, history[1].Timestamp.Before(history[0].Timestamp))
	})

	t.Run("HistoryBounded", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		s := factory(t, store.HistoryPolicy{MaxEvents: 3, MaxAge: 10 * time.Hour}, clock)
		snap := Snapshot("eth", "repo", "README.md", "v0", 0, Base)
		for i := 0; i < 5; i++ {
			at := Base.Add(time.Duration(i) * time.Hour)
			clock.Set(at)
			snap = Snapshot("eth", "repo", "README.md", fmt.Sprintf("v%d", i), snap.Version, at)
			event := Event(fmt.Sprintf("e%d", i), snap, "", at)
			stored, err := s.Commit(ctx, snap, &event)
			require.NoError(t, err)
			snap.Version = stored.Version
		}
		history, err := s.History(ctx, snap.Key())
		require.NoError(t, err)
		require.Len(t, history, 3)
		require.Equal(t, "e2", history[0].ID)
		require.Equal(t, "e4", history[2].ID)

		clock.Set(Base.Add(13*time.Hour + 30*time.Minute))
		extra := Snapshot("eth", "repo", "README.md", "v5", snap.Version, clock.Now())
		event := Event("e5", extra, "fp-v4", clock.Now())
		_, err = s.Commit(ctx, extra, &event)
		require.NoError(t, err)
		history, err = s.History(ctx, snap.Key())
		require.NoError(t, err)
		require.Equal(t, []string{"e4", "e5"}, []string{history[0].ID, history[1].ID})
	})

	t.Run("QueryFilters", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		for _, snap := range []harvest.Snapshot{
			Snapshot("eth", "repo", "docs/b.md", "b", 0, Base.Add(time.Hour)),
			Snapshot("eth", "repo", "README.md", "a", 0, Base),
			Snapshot("eth", "site", "/", "c", 0, Base.Add(2*time.Hour)),
			Snapshot("btc", "repo", "README.md", "d", 0, Base),
		} {
			_, err := s.Upsert(ctx, snap)
			require.NoError(t, err)
		}

		all, err := s.Query(ctx, harvest.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.Equal(t, "btc", all[0].Document.ProjectID)

		eth, err := s.Query(ctx, harvest.Filter{ProjectID: "eth", SourceID: "repo"})
		require.NoError(t, err)
		require.Len(t, eth, 2)
		require.Equal(t, "README.md", eth[0].Document.Path)
		require.Equal(t, "docs/b.md", eth[1].Document.Path)

		recent, err := s.Query(ctx, harvest.Filter{ProjectID: "eth", ChangedSince: Base.Add(time.Hour)})
		require.NoError(t, err)
		require.Len(t, recent, 1)
		require.Equal(t, "/", recent[0].Document.Path)
	})

	t.Run("ChangeFeedOrderedAndCapped", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		paths := []string{"c.md", "a.md", "b.md"}
		for i, p := range paths {
			at := Base.Add(time.Duration(len(paths)-i) * time.Minute)
			snap := Snapshot("eth", "repo", p, p, 0, at)
			event := Event("e-"+p, snap, "", at)
			_, err := s.Commit(ctx, snap, &event)
			require.NoError(t, err)
		}

		feed, err := s.ChangeFeed(ctx, harvest.FeedCursor{}, 0)
		require.NoError(t, err)
		require.Len(t, feed, 3)
		require.Equal(t, []string{"b.md", "a.md", "c.md"}, []string{feed[0].Path, feed[1].Path, feed[2].Path})

		capped, err := s.ChangeFeed(ctx, harvest.FeedCursor{}, 2)
		require.NoError(t, err)
		require.Len(t, capped, 2)

		after, err := s.ChangeFeed(ctx, harvest.FeedCursor{Since: Base.Add(time.Minute)}, 10)
		require.NoError(t, err)
		require.Len(t, after, 2)
		require.Equal(t, "a.md", after[0].Path)
	})

	t.Run("ChangeFeedPagesThroughEqualTimestamps", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		for _, p := range []string{"a.md", "b.md", "c.md"} {
			snap := Snapshot("eth", "repo", p, p, 0, Base)
			event := Event("e-"+p, snap, "", Base)
			_, err := s.Commit(ctx, snap, &event)
			require.NoError(t, err)
		}

		var (
			cursor harvest.FeedCursor
			seen   []string
		)
		for range 3 {
			page, err := s.ChangeFeed(ctx, cursor, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, e := range page {
				seen = append(seen, e.ID)
			}
			cursor = cursor.Next(page[len(page)-1])
		}
		require.Equal(t, []string{"e-a.md", "e-b.md", "e-c.md"}, seen)

		none, err := s.ChangeFeed(ctx, harvest.FeedCursor{Since: Base}, 10)
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("AppendChangeEvent", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		snap := Snapshot("eth", "repo", "README.md", "v1", 0, Base)
		require.NoError(t, s.AppendChangeEvent(ctx, Event("e1", snap, "", Base)))
		require.Error(t, s.AppendChangeEvent(ctx, Event("", snap, "", Base)))

		history, err := s.History(ctx, snap.Key())
		require.NoError(t, err)
		require.Len(t, history, 1)
	})

	t.Run("DeleteSourceAndProject", func(t *testing.T) {
		ctx := context.Background()
		s := factory(t, store.DefaultHistoryPolicy(), NewClock())
		for _, snap := range []harvest.Snapshot{
			Snapshot("eth", "repo", "README.md", "a", 0, Base),
			Snapshot("eth", "site", "/", "b", 0, Base),
			Snapshot("btc", "repo", "README.md", "c", 0, Base),
		} {
			event := Event("e-"+snap.Document.ProjectID+snap.Document.SourceID, snap, "", Base)
			_, err := s.Commit(ctx, snap, &event)
			require.NoError(t, err)
		}

		require.NoError(t, s.DeleteSource(ctx, harvest.SourceKey{ProjectID: "eth", SourceID: "repo"}))
		remaining, err := s.Query(ctx, harvest.Filter{})
		require.NoError(t, err)
		require.Len(t, remaining, 2)
		history, err := s.History(ctx, harvest.DocumentKey{ProjectID: "eth", SourceID: "repo", Path: "README.md"})
		require.NoError(t, err)
		require.Empty(t, history)

		require.NoError(t, s.DeleteProject(ctx, "eth"))
		remaining, err = s.Query(ctx, harvest.Filter{})
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		require.Equal(t, "btc", remaining[0].Document.ProjectID)

		feed, err := s.ChangeFeed(ctx, harvest.FeedCursor{}, 10)
		require.NoError(t, err)
		require.Len(t, feed, 1)
	})
}
