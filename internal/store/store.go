package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// DefaultFeedLimit caps ChangeFeed results when the caller passes no limit.
const DefaultFeedLimit = 100

// HistoryPolicy bounds the change history kept per document.
type HistoryPolicy struct {
	MaxEvents int
	MaxAge    time.Duration
}

// DefaultHistoryPolicy keeps 50 events for up to 90 days.
func DefaultHistoryPolicy() HistoryPolicy {
	return HistoryPolicy{MaxEvents: 50, MaxAge: 90 * 24 * time.Hour}
}

// Cutoff is the oldest event timestamp retained at now. It is zero when
// MaxAge is unset.
func (p HistoryPolicy) Cutoff(now time.Time) time.Time {
	if p.MaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-p.MaxAge)
}

// Prune applies the policy to events, which must be ordered oldest first.
func (p HistoryPolicy) Prune(events []harvest.ChangeEvent, now time.Time) []harvest.ChangeEvent {
	cutoff := p.Cutoff(now)
	start := 0
	if !cutoff.IsZero() {
		for start < len(events) && events[start].Timestamp.Before(cutoff) {
			start++
		}
	}
	if p.MaxEvents > 0 && len(events)-start > p.MaxEvents {
		start = len(events) - p.MaxEvents
	}
	if start == 0 {
		return events
	}
	return append([]harvest.ChangeEvent(nil), events[start:]...)
}

// Next checks snap.Version against the stored prior (nil when the key does
// not exist) and returns the snapshot to persist: version bumped and
// LastChanged never earlier than the prior value.
func Next(prior *harvest.Snapshot, snap harvest.Snapshot) (harvest.Snapshot, error) {
	var current int64
	if prior != nil {
		current = prior.Version
	}
	if snap.Version != current {
		return harvest.Snapshot{}, Conflict(snap.Key(), snap.Version, current)
	}
	if prior != nil && snap.LastChanged.Before(prior.LastChanged) {
		snap.LastChanged = prior.LastChanged
	}
	snap.Version = current + 1
	return snap, nil
}

// Conflict builds the WriteConflict error for key.
func Conflict(key harvest.DocumentKey, expected, stored int64) error {
	return &harvest.StoreError{
		Kind: harvest.WriteConflict,
		Key:  key.String(),
		Err:  fmt.Errorf("expected version %d, stored %d", expected, stored),
	}
}

// Unavailable wraps a backend failure so the retry policy treats it as
// transient.
func Unavailable(key string, err error) error {
	return &harvest.StoreError{Kind: harvest.Unavailable, Key: key, Err: err}
}

// ClampEvent moves event forward to last when it would otherwise precede the
// newest recorded event of its key.
func ClampEvent(event harvest.ChangeEvent, last time.Time) harvest.ChangeEvent {
	if event.Timestamp.Before(last) {
		event.Timestamp = last
	}
	return event
}

// ValidateEvent checks that event can be appended under snapshot key.
func ValidateEvent(key harvest.DocumentKey, event harvest.ChangeEvent) error {
	if event.ID == "" {
		return fmt.Errorf("change event for %s has no id", key)
	}
	if event.Key() != key {
		return fmt.Errorf("change event key %s does not match snapshot %s", event.Key(), key)
	}
	if event.Classification != harvest.New && event.Classification != harvest.Changed {
		return fmt.Errorf("change event for %s has classification %q", key, event.Classification)
	}
	return nil
}

// Matches reports whether snap satisfies the project, source and
// changed-since parts of filter. ChangedSince is exclusive.
func Matches(snap harvest.Snapshot, filter harvest.Filter) bool {
	doc := snap.Document
	if filter.ProjectID != "" && doc.ProjectID != filter.ProjectID {
		return false
	}
	if filter.SourceID != "" && doc.SourceID != filter.SourceID {
		return false
	}
	if !filter.ChangedSince.IsZero() && !snap.LastChanged.After(filter.ChangedSince) {
		return false
	}
	return true
}

// SortSnapshots orders snapshots by project, source and path.
func SortSnapshots(snaps []harvest.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		a, b := snaps[i].Document, snaps[j].Document
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.Path < b.Path
	})
}

// SortEvents orders events by timestamp, then ID.
func SortEvents(events []harvest.ChangeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}

// FeedLimit resolves the effective ChangeFeed cap.
func FeedLimit(limit int) int {
	if limit <= 0 {
		return DefaultFeedLimit
	}
	return limit
}
