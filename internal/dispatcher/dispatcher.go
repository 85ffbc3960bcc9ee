// Package dispatcher runs queued WorkItems on a fixed worker pool bounded by
// the shared throttle.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/queue"
	"github.com/JakeFAU/docharvest/internal/throttle"
)

// Harvester runs one harvest of a source.
type Harvester interface {
	Harvest(ctx context.Context, ref harvest.SourceReference) harvest.WorkResult
}

// Tracker receives WorkItem state transitions.
type Tracker interface {
	Started(id string, at time.Time)
	Finished(id string, result harvest.WorkResult, at time.Time)
}

// Dispatcher runs a fixed pool of workers sized to the throttle capacity.
// Each worker takes the per-source lock of its item, then a global slot.
type Dispatcher struct {
	queue     queue.Queue
	throttle  *throttle.Throttle
	harvester Harvester
	tracker   Tracker
	clock     harvest.Clock
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(
	q queue.Queue,
	th *throttle.Throttle,
	harvester Harvester,
	tracker Tracker,
	clock harvest.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     q,
		throttle:  th,
		harvester: harvester,
		tracker:   tracker,
		clock:     clock,
		logger:    logger,
	}
}

// Run starts Throttle.Capacity workers and blocks until ctx ends or the
// queue closes and every worker has returned. Items still queued at that
// point stay queued.
func (d *Dispatcher) Run(ctx context.Context) {
	workers := d.throttle.Capacity()
	d.logger.Info("dispatcher started", zap.Int("workers", workers))

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Int("worker", id), zap.Error(err))
			continue
		}
		d.logger.Debug("dequeued work item",
			zap.Int("worker", id),
			zap.String("work_id", item.ID),
			zap.String("source", item.Source.Key().String()),
		)
		d.execute(ctx, item)
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item harvest.WorkItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, item harvest.WorkItem) {
	if err := ctx.Err(); err != nil {
		d.finish(item, harvest.WorkResult{Err: err, ErrorText: err.Error()})
		return
	}
	key := item.Source.Key().String()
	unlock, ok := d.throttle.Keys().TryLock(key)
	if !ok {
		d.logger.Debug("waiting for running harvest", zap.String("work_id", item.ID), zap.String("source", key))
		var err error
		if unlock, err = d.throttle.Keys().Lock(ctx, key); err != nil {
			d.finish(item, harvest.WorkResult{Err: err, ErrorText: err.Error()})
			return
		}
	}
	defer unlock()

	if err := d.throttle.Acquire(ctx); err != nil {
		d.finish(item, harvest.WorkResult{Err: err, ErrorText: err.Error()})
		return
	}
	defer d.throttle.Release()

	if d.tracker != nil {
		d.tracker.Started(item.ID, d.clock.Now())
	}
	d.finish(item, d.harvester.Harvest(ctx, item.Source))
}

func (d *Dispatcher) finish(item harvest.WorkItem, result harvest.WorkResult) {
	if result.Err != nil {
		d.logger.Warn("work item failed",
			zap.String("work_id", item.ID),
			zap.String("source", item.Source.Key().String()),
			zap.Error(result.Err),
		)
	}
	if d.tracker != nil {
		d.tracker.Finished(item.ID, result, d.clock.Now())
	}
}
