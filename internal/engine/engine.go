// Package engine is the read and control surface of the harvester: snapshot
// queries with staleness, the change feed, and manual harvest triggers.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

// DefaultTTL is the freshness window used when a query does not set one.
const DefaultTTL = 30 * time.Minute

// Scheduler creates and tracks WorkItems.
type Scheduler interface {
	Trigger(ctx context.Context, projectID, sourceID string) ([]harvest.WorkItem, error)
	Refresh(ctx context.Context, keys []harvest.SourceKey) ([]harvest.WorkItem, error)
	WorkItems() []harvest.WorkItem
}

// Config controls read-side behaviour.
type Config struct {
	// TTL is the default freshness window. Zero disables staleness unless
	// a query sets FreshWithin.
	TTL time.Duration
	// RefreshStale enqueues harvests for sources whose snapshots are stale.
	RefreshStale bool
}

// Engine answers reads from the snapshot store and forwards control
// requests to the scheduler. Reads never wait on harvests.
type Engine struct {
	store     harvest.SnapshotStore
	scheduler Scheduler
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New creates an Engine.
func New(store harvest.SnapshotStore, scheduler Scheduler, clock harvest.Clock, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, scheduler: scheduler, clock: clock, cfg: cfg, logger: logger}
}

// Query returns matching snapshots annotated with age and staleness. Stale
// sources are queued for refresh when enabled; the results are not held back.
func (e *Engine) Query(ctx context.Context, filter harvest.Filter) ([]harvest.SnapshotView, error) {
	if filter.FreshWithin < 0 {
		return nil, fmt.Errorf("query snapshots: negative freshness window %s", filter.FreshWithin)
	}
	snaps, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	window := filter.FreshWithin
	if window == 0 {
		window = e.cfg.TTL
	}
	now := e.clock.Now()

	views := make([]harvest.SnapshotView, 0, len(snaps))
	var stale []harvest.SourceKey
	seen := make(map[harvest.SourceKey]bool)
	for _, snap := range snaps {
		age := now.Sub(snap.LastChecked)
		if age < 0 {
			age = 0
		}
		view := harvest.SnapshotView{Snapshot: snap, Age: age, Stale: window > 0 && age > window}
		if view.Stale {
			key := snap.Key().Source()
			if !seen[key] {
				seen[key] = true
				stale = append(stale, key)
			}
		}
		views = append(views, view)
	}
	e.refresh(ctx, stale)
	return views, nil
}

func (e *Engine) refresh(ctx context.Context, keys []harvest.SourceKey) {
	if !e.cfg.RefreshStale || e.scheduler == nil || len(keys) == 0 {
		return
	}
	items, err := e.scheduler.Refresh(ctx, keys)
	if err != nil {
		e.logger.Warn("refresh stale sources failed", zap.Int("sources", len(keys)), zap.Error(err))
		return
	}
	if len(items) > 0 {
		metrics.ObserveStaleRefresh(len(items))
		e.logger.Info("queued stale sources", zap.Int("work_items", len(items)))
	}
}

// ChangeFeed returns change events strictly after cursor, oldest first. A
// cursor with only Since set reads everything after that instant. A limit of
// zero or less uses the store default.
func (e *Engine) ChangeFeed(ctx context.Context, cursor harvest.FeedCursor, limit int) ([]harvest.ChangeEvent, error) {
	events, err := e.store.ChangeFeed(ctx, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("read change feed: %w", err)
	}
	return events, nil
}

// History returns the retained change events of one document.
func (e *Engine) History(ctx context.Context, key harvest.DocumentKey) ([]harvest.ChangeEvent, error) {
	events, err := e.store.History(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", key, err)
	}
	return events, nil
}

// TriggerHarvest queues harvests of a project, or one of its sources when
// sourceID is set, regardless of TTL.
func (e *Engine) TriggerHarvest(ctx context.Context, projectID, sourceID string) ([]harvest.WorkItem, error) {
	if e.scheduler == nil {
		return nil, fmt.Errorf("trigger harvest of %s: no scheduler configured", projectID)
	}
	items, err := e.scheduler.Trigger(ctx, projectID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("trigger harvest of %s: %w", projectID, err)
	}
	e.logger.Info("manual harvest requested",
		zap.String("project", projectID),
		zap.String("source", sourceID),
		zap.Int("work_items", len(items)),
	)
	return items, nil
}

// WorkItems returns the WorkItems known to this process.
func (e *Engine) WorkItems() []harvest.WorkItem {
	if e.scheduler == nil {
		return nil
	}
	return e.scheduler.WorkItems()
}
