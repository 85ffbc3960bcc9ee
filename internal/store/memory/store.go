// Package memory provides an in-process snapshot store for development and
// tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/store"
)

// Store keeps snapshots and change history in maps guarded by one RWMutex.
// Readers see either the pre- or post-commit state of a key.
type Store struct {
	mu        sync.RWMutex
	snapshots map[harvest.DocumentKey]harvest.Snapshot
	history   map[harvest.DocumentKey][]harvest.ChangeEvent
	policy    store.HistoryPolicy
	now       func() time.Time
}

// New constructs a Store. A nil clock uses the wall clock.
func New(policy store.HistoryPolicy, clock harvest.Clock) *Store {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Store{
		snapshots: make(map[harvest.DocumentKey]harvest.Snapshot),
		history:   make(map[harvest.DocumentKey][]harvest.ChangeEvent),
		policy:    policy,
		now:       now,
	}
}

// Get returns the snapshot stored under key.
func (s *Store) Get(_ context.Context, key harvest.DocumentKey) (harvest.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[key]
	if !ok {
		return harvest.Snapshot{}, false, nil
	}
	return clone(snap), true, nil
}

// Upsert writes snap when its version matches the stored one.
func (s *Store) Upsert(ctx context.Context, snap harvest.Snapshot) (harvest.Snapshot, error) {
	return s.Commit(ctx, snap, nil)
}

// AppendChangeEvent records event in the history of its key.
func (s *Store) AppendChangeEvent(_ context.Context, event harvest.ChangeEvent) error {
	key := event.Key()
	if err := store.ValidateEvent(key, event); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(key, event)
	return nil
}

// Commit upserts snap and appends event as one step.
func (s *Store) Commit(_ context.Context, snap harvest.Snapshot, event *harvest.ChangeEvent) (harvest.Snapshot, error) {
	key := snap.Key()
	if event != nil {
		if err := store.ValidateEvent(key, *event); err != nil {
			return harvest.Snapshot{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prior *harvest.Snapshot
	if existing, ok := s.snapshots[key]; ok {
		prior = &existing
	}
	next, err := store.Next(prior, snap)
	if err != nil {
		return harvest.Snapshot{}, err
	}
	next = clone(next)
	s.snapshots[key] = next
	if event != nil {
		s.appendLocked(key, *event)
	}
	return clone(next), nil
}

func (s *Store) appendLocked(key harvest.DocumentKey, event harvest.ChangeEvent) {
	events := s.history[key]
	if n := len(events); n > 0 {
		event = store.ClampEvent(event, events[n-1].Timestamp)
	}
	events = append(events, event)
	s.history[key] = s.policy.Prune(events, s.now())
}

// Query returns snapshots matching filter ordered by key.
func (s *Store) Query(_ context.Context, filter harvest.Filter) ([]harvest.Snapshot, error) {
	s.mu.RLock()
	out := make([]harvest.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		if store.Matches(snap, filter) {
			out = append(out, clone(snap))
		}
	}
	s.mu.RUnlock()
	store.SortSnapshots(out)
	return out, nil
}

// ChangeFeed returns events strictly after cursor, oldest first.
func (s *Store) ChangeFeed(_ context.Context, cursor harvest.FeedCursor, limit int) ([]harvest.ChangeEvent, error) {
	s.mu.RLock()
	var out []harvest.ChangeEvent
	for _, events := range s.history {
		for _, e := range events {
			if cursor.Admits(e) {
				out = append(out, e)
			}
		}
	}
	s.mu.RUnlock()
	store.SortEvents(out)
	if limit = store.FeedLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns the retained events of key, oldest first.
func (s *Store) History(_ context.Context, key harvest.DocumentKey) ([]harvest.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history[key]), nil
}

// DeleteSource removes every snapshot and event of a source.
func (s *Store) DeleteSource(_ context.Context, key harvest.SourceKey) error {
	s.deleteWhere(func(k harvest.DocumentKey) bool { return k.Source() == key })
	return nil
}

// DeleteProject removes every snapshot and event of a project.
func (s *Store) DeleteProject(_ context.Context, projectID string) error {
	s.deleteWhere(func(k harvest.DocumentKey) bool { return k.ProjectID == projectID })
	return nil
}

func (s *Store) deleteWhere(match func(harvest.DocumentKey) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.snapshots {
		if match(k) {
			delete(s.snapshots, k)
		}
	}
	for k := range s.history {
		if match(k) {
			delete(s.history, k)
		}
	}
}

func clone(snap harvest.Snapshot) harvest.Snapshot {
	snap.Document.Outline = slices.Clone(snap.Document.Outline)
	return snap
}
