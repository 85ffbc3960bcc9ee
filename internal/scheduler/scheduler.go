// Package scheduler decides which sources are due for a harvest and tracks
// the resulting WorkItems. It owns no timers; an external driver calls Tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Lookup errors returned by Trigger.
var (
	ErrUnknownProject = errors.New("unknown project")
	ErrUnknownSource  = errors.New("unknown source")
	ErrUnknownWork    = errors.New("unknown work item")
)

// DefaultInterval applies to projects without their own update interval.
const DefaultInterval = 2 * time.Hour

// Enqueuer accepts WorkItems for execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, item harvest.WorkItem) error
}

// SnapshotReader exposes committed snapshots. Their LastChecked times seed
// the due set, so a restart does not re-harvest recently checked sources.
type SnapshotReader interface {
	Query(ctx context.Context, filter harvest.Filter) ([]harvest.Snapshot, error)
}

// Config controls scheduling.
type Config struct {
	// Interval is the global update interval.
	Interval time.Duration
	// Retain bounds how many finished WorkItems are kept for inspection.
	Retain int
}

type entry struct {
	item harvest.WorkItem
	done chan struct{}
}

// Scheduler evaluates the due set and records WorkItem state.
type Scheduler struct {
	catalog   harvest.Catalog
	snapshots SnapshotReader
	enqueuer  Enqueuer
	clock     harvest.Clock
	ids       harvest.IDGenerator
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	items    map[string]*entry
	finished []string
	active   map[harvest.SourceKey][]string
	lastRun  map[harvest.SourceKey]time.Time
	seeded   map[harvest.SourceKey]bool
	degraded map[harvest.SourceKey]string
}

// New creates a Scheduler. snapshots may be nil, in which case every
// source is due on the first tick.
func New(
	catalog harvest.Catalog,
	snapshots SnapshotReader,
	enqueuer Enqueuer,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		catalog:   catalog,
		snapshots: snapshots,
		enqueuer:  enqueuer,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
		items:     make(map[string]*entry),
		active:    make(map[harvest.SourceKey][]string),
		lastRun:   make(map[harvest.SourceKey]time.Time),
		seeded:    make(map[harvest.SourceKey]bool),
		degraded:  make(map[harvest.SourceKey]string),
	}
}

// Tick enqueues every due source. A source is due when it was never
// checked or its interval has elapsed since it was last checked, either by
// a run of this scheduler or by a snapshot already in the store. Sources
// with a pending or in-flight item, degraded sources, and sources whose
// last check cannot be read yet are skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]harvest.WorkItem, error) {
	projects, err := s.catalog.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	unknown := s.seed(ctx, projects)
	var created []harvest.WorkItem
	s.mu.Lock()
	for _, p := range projects {
		interval := s.cfg.Interval
		if p.UpdateInterval > 0 {
			interval = p.UpdateInterval
		}
		for _, ref := range p.Sources {
			key := ref.Key()
			if _, bad := s.degraded[key]; bad || unknown[key] || len(s.active[key]) > 0 {
				continue
			}
			if last, ok := s.lastRun[key]; ok && now.Sub(last) < interval {
				continue
			}
			item, err := s.registerLocked(ref, harvest.TriggerScheduled, now)
			if err != nil {
				s.mu.Unlock()
				return created, err
			}
			created = append(created, item)
		}
	}
	s.mu.Unlock()
	return s.enqueue(ctx, created), nil
}

// seed records the newest committed LastChecked of every source it has not
// seen yet. It returns the sources whose snapshots could not be read; they
// are retried on the next tick.
func (s *Scheduler) seed(ctx context.Context, projects []harvest.Project) map[harvest.SourceKey]bool {
	if s.snapshots == nil {
		return nil
	}
	var pending []harvest.SourceKey
	s.mu.Lock()
	for _, p := range projects {
		for _, ref := range p.Sources {
			if key := ref.Key(); !s.seeded[key] {
				pending = append(pending, key)
			}
		}
	}
	s.mu.Unlock()

	var failed map[harvest.SourceKey]bool
	for _, key := range pending {
		snaps, err := s.snapshots.Query(ctx, harvest.Filter{ProjectID: key.ProjectID, SourceID: key.SourceID})
		if err != nil {
			s.logger.Warn("read last check failed", zap.String("source", key.String()), zap.Error(err))
			if failed == nil {
				failed = make(map[harvest.SourceKey]bool)
			}
			failed[key] = true
			continue
		}
		var checked time.Time
		for _, snap := range snaps {
			if snap.LastChecked.After(checked) {
				checked = snap.LastChecked
			}
		}
		s.mu.Lock()
		s.seeded[key] = true
		if last, ok := s.lastRun[key]; !checked.IsZero() && (!ok || checked.After(last)) {
			s.lastRun[key] = checked
		}
		s.mu.Unlock()
	}
	return failed
}

// Trigger creates manual WorkItems for one source of a project, or all of
// its sources when sourceID is empty. TTLs and intervals are ignored. A
// source that already has a pending item reuses it; one that is in flight
// gets a new item that waits behind the running harvest.
func (s *Scheduler) Trigger(ctx context.Context, projectID, sourceID string) ([]harvest.WorkItem, error) {
	project, err := s.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var refs []harvest.SourceReference
	for _, ref := range project.Sources {
		if sourceID == "" || ref.ID == sourceID {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w %q in project %q", ErrUnknownSource, sourceID, projectID)
	}
	return s.submit(ctx, refs, harvest.TriggerManual)
}

// Refresh enqueues the given sources unless they already have pending or
// in-flight work. Degraded sources are skipped.
func (s *Scheduler) Refresh(ctx context.Context, keys []harvest.SourceKey) ([]harvest.WorkItem, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	want := make(map[harvest.SourceKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	projects, err := s.catalog.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	now := s.clock.Now()
	var created []harvest.WorkItem
	s.mu.Lock()
	for _, p := range projects {
		for _, ref := range p.Sources {
			key := ref.Key()
			if !want[key] || len(s.active[key]) > 0 {
				continue
			}
			if _, bad := s.degraded[key]; bad {
				continue
			}
			item, err := s.registerLocked(ref, harvest.TriggerStale, now)
			if err != nil {
				s.mu.Unlock()
				return created, err
			}
			created = append(created, item)
		}
	}
	s.mu.Unlock()
	return s.enqueue(ctx, created), nil
}

func (s *Scheduler) submit(ctx context.Context, refs []harvest.SourceReference, trigger harvest.Trigger) ([]harvest.WorkItem, error) {
	now := s.clock.Now()
	var (
		out     []harvest.WorkItem
		created []harvest.WorkItem
	)
	s.mu.Lock()
	for _, ref := range refs {
		if pending, ok := s.pendingLocked(ref.Key()); ok {
			out = append(out, pending)
			continue
		}
		item, err := s.registerLocked(ref, trigger, now)
		if err != nil {
			s.mu.Unlock()
			return out, err
		}
		created = append(created, item)
	}
	s.mu.Unlock()
	return append(out, s.enqueue(ctx, created)...), nil
}

func (s *Scheduler) pendingLocked(key harvest.SourceKey) (harvest.WorkItem, bool) {
	for _, id := range s.active[key] {
		if e := s.items[id]; e != nil && e.item.State == harvest.WorkPending {
			return e.item, true
		}
	}
	return harvest.WorkItem{}, false
}

func (s *Scheduler) registerLocked(ref harvest.SourceReference, trigger harvest.Trigger, now time.Time) (harvest.WorkItem, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return harvest.WorkItem{}, fmt.Errorf("generate work item id: %w", err)
	}
	item := harvest.WorkItem{
		ID:         id,
		Source:     ref,
		Trigger:    trigger,
		State:      harvest.WorkPending,
		EnqueuedAt: now,
	}
	s.items[id] = &entry{item: item, done: make(chan struct{})}
	key := ref.Key()
	s.active[key] = append(s.active[key], id)
	return item, nil
}

// enqueue hands items to the enqueuer. Items that cannot be enqueued are
// marked Failed and left out of the returned slice.
func (s *Scheduler) enqueue(ctx context.Context, items []harvest.WorkItem) []harvest.WorkItem {
	out := items[:0]
	for _, item := range items {
		if err := s.enqueuer.Enqueue(ctx, item); err != nil {
			s.logger.Error("enqueue work item failed",
				zap.String("work_id", item.ID),
				zap.String("source", item.Source.Key().String()),
				zap.Error(err),
			)
			s.Finished(item.ID, harvest.WorkResult{Err: err, ErrorText: err.Error()}, s.clock.Now())
			continue
		}
		s.logger.Debug("work item enqueued",
			zap.String("work_id", item.ID),
			zap.String("source", item.Source.Key().String()),
			zap.String("trigger", string(item.Trigger)),
		)
		out = append(out, item)
	}
	return out
}

// Started marks a WorkItem in flight.
func (s *Scheduler) Started(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok || e.item.State != harvest.WorkPending {
		return
	}
	started := at
	e.item.State = harvest.WorkInFlight
	e.item.StartedAt = &started
}

// Finished records the outcome of a WorkItem. An AuthFailure marks the
// source degraded; a successful run clears it.
func (s *Scheduler) Finished(id string, result harvest.WorkResult, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok || e.item.State.Terminal() {
		return
	}
	finished := at
	e.item.FinishedAt = &finished
	e.item.Result = result
	e.item.State = harvest.WorkCompleted
	if result.Err != nil {
		e.item.State = harvest.WorkFailed
	}

	key := e.item.Source.Key()
	s.active[key] = removeID(s.active[key], id)
	if len(s.active[key]) == 0 {
		delete(s.active, key)
	}
	if e.item.StartedAt != nil {
		s.lastRun[key] = at
	}
	switch {
	case harvest.IsFetchKind(result.Err, harvest.FetchAuthFailure):
		s.degraded[key] = result.Err.Error()
		s.logger.Warn("source degraded", zap.String("source", key.String()), zap.Error(result.Err))
	case result.Err == nil:
		delete(s.degraded, key)
	}
	close(e.done)

	s.finished = append(s.finished, id)
	for len(s.finished) > s.cfg.Retain {
		delete(s.items, s.finished[0])
		s.finished = s.finished[1:]
	}
}

// Await blocks until the WorkItem reaches a terminal state.
func (s *Scheduler) Await(ctx context.Context, id string) (harvest.WorkItem, error) {
	s.mu.Lock()
	e, ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		return harvest.WorkItem{}, fmt.Errorf("%w %q", ErrUnknownWork, id)
	}
	select {
	case <-ctx.Done():
		return harvest.WorkItem{}, fmt.Errorf("await %s: %w", id, ctx.Err())
	case <-e.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.item, nil
}

// Item returns one WorkItem.
func (s *Scheduler) Item(id string) (harvest.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return harvest.WorkItem{}, false
	}
	return e.item, true
}

// WorkItems returns the tracked WorkItems, oldest first.
func (s *Scheduler) WorkItems() []harvest.WorkItem {
	s.mu.Lock()
	out := make([]harvest.WorkItem, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, e.item)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Degraded lists degraded sources and the failure that degraded them.
func (s *Scheduler) Degraded() map[harvest.SourceKey]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[harvest.SourceKey]string, len(s.degraded))
	for k, v := range s.degraded {
		out[k] = v
	}
	return out
}

// ClearDegraded re-enables scheduling for key after credentials are
// refreshed. It reports whether key was degraded.
func (s *Scheduler) ClearDegraded(key harvest.SourceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.degraded[key]
	delete(s.degraded, key)
	return ok
}

// lastChecked reports when key was last checked.
func (s *Scheduler) lastChecked(key harvest.SourceKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRun[key]
	return t, ok
}

func (s *Scheduler) project(ctx context.Context, projectID string) (harvest.Project, error) {
	projects, err := s.catalog.Projects(ctx)
	if err != nil {
		return harvest.Project{}, fmt.Errorf("load catalog: %w", err)
	}
	for _, p := range projects {
		if p.ID == projectID {
			return p, nil
		}
	}
	return harvest.Project{}, fmt.Errorf("%w %q", ErrUnknownProject, projectID)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
