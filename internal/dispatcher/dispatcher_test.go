package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/queue/memory"
	"github.com/JakeFAU/docharvest/internal/store/storetest"
	"github.com/JakeFAU/docharvest/internal/throttle"
)

type recordingTracker struct {
	mu       sync.Mutex
	started  []string
	finished map[string]harvest.WorkResult
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{finished: map[string]harvest.WorkResult{}}
}

func (r *recordingTracker) Started(id string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *recordingTracker) Finished(id string, result harvest.WorkResult, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = result
}

func (r *recordingTracker) done(id string) (harvest.WorkResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.finished[id]
	return res, ok
}

func (r *recordingTracker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

// gatedHarvester blocks each harvest until released and tracks concurrency.
type gatedHarvester struct {
	release  chan struct{}
	active   atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	inFlight map[string]int
	overlap  atomic.Bool
}

func newGatedHarvester() *gatedHarvester {
	return &gatedHarvester{release: make(chan struct{}), inFlight: map[string]int{}}
}

func (g *gatedHarvester) Harvest(ctx context.Context, ref harvest.SourceReference) harvest.WorkResult {
	n := g.active.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	key := ref.Key().String()
	g.mu.Lock()
	g.inFlight[key]++
	if g.inFlight[key] > 1 {
		g.overlap.Store(true)
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight[key]--
		g.mu.Unlock()
		g.active.Add(-1)
	}()
	select {
	case <-g.release:
		return harvest.WorkResult{}
	case <-ctx.Done():
		return harvest.WorkResult{Err: ctx.Err()}
	}
}

func item(id, project, source string) harvest.WorkItem {
	return harvest.WorkItem{
		ID:     id,
		Source: harvest.SourceReference{ID: source, ProjectID: project, Kind: harvest.KindWebsite},
		State:  harvest.WorkPending,
	}
}

func startDispatcher(t *testing.T, concurrency int, h Harvester, tracker Tracker) (*Dispatcher, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	d := New(memory.NewQueue(16), throttle.New(concurrency, nil), h, tracker, storetest.NewClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return d, cancel, done
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	t.Parallel()

	h := newGatedHarvester()
	tracker := newRecordingTracker()
	d, cancel, done := startDispatcher(t, 2, h, tracker)
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(context.Background(), item(fmt.Sprintf("w%d", i), "p", fmt.Sprintf("s%d", i))))
	}
	require.Eventually(t, func() bool { return h.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return h.active.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	close(h.release)
	require.Eventually(t, func() bool { return tracker.count() == 5 }, time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, h.peak.Load(), int32(2))
}

func TestDispatcherSerializesSameSource(t *testing.T) {
	t.Parallel()

	h := newGatedHarvester()
	tracker := newRecordingTracker()
	d, cancel, done := startDispatcher(t, 4, h, tracker)
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, d.Enqueue(context.Background(), item("scheduled", "p", "docs")))
	require.Eventually(t, func() bool { return h.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Enqueue(context.Background(), item("manual", "p", "docs")))
	require.Never(t, func() bool { return h.active.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	h.release <- struct{}{}
	require.Eventually(t, func() bool {
		_, ok := tracker.done("scheduled")
		return ok && h.active.Load() == 1
	}, time.Second, 5*time.Millisecond)
	h.release <- struct{}{}
	require.Eventually(t, func() bool {
		_, ok := tracker.done("manual")
		return ok
	}, time.Second, 5*time.Millisecond)
	require.False(t, h.overlap.Load())
}

func TestDispatcherCancelFailsInFlightItems(t *testing.T) {
	t.Parallel()

	h := newGatedHarvester()
	tracker := newRecordingTracker()
	d, cancel, done := startDispatcher(t, 1, h, tracker)

	require.NoError(t, d.Enqueue(context.Background(), item("first", "p", "a")))
	require.NoError(t, d.Enqueue(context.Background(), item("second", "p", "b")))
	require.Eventually(t, func() bool { return h.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	res, ok := tracker.done("first")
	require.True(t, ok)
	require.Error(t, res.Err)

	if res, ok := tracker.done("second"); ok {
		require.Error(t, res.Err)
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	require.Equal(t, []string{"first"}, tracker.started)
}

func TestDispatcherPoolLeavesBacklogQueued(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(16)
	h := newGatedHarvester()
	tracker := newRecordingTracker()
	d := New(q, throttle.New(2, nil), h, tracker, storetest.NewClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 6; i++ {
		require.NoError(t, d.Enqueue(context.Background(), item(fmt.Sprintf("w%d", i), "p", fmt.Sprintf("s%d", i))))
	}
	require.Eventually(t, func() bool { return h.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return q.Len() < 4 }, 50*time.Millisecond, 5*time.Millisecond)

	close(h.release)
	require.Eventually(t, func() bool { return tracker.count() == 6 }, time.Second, 5*time.Millisecond)
	require.Zero(t, q.Len())
}

func TestDispatcherBlockedWorkerHoldsItsItem(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(16)
	h := newGatedHarvester()
	tracker := newRecordingTracker()
	d := New(q, throttle.New(2, nil), h, tracker, storetest.NewClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, d.Enqueue(context.Background(), item("running", "p", "docs")))
	require.Eventually(t, func() bool { return h.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Enqueue(context.Background(), item("same-source", "p", "docs")))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Both workers are busy, so a third source waits in the queue.
	require.NoError(t, d.Enqueue(context.Background(), item("other", "p", "wiki")))
	require.Never(t, func() bool { return q.Len() == 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.EqualValues(t, 1, h.active.Load())

	close(h.release)
	require.Eventually(t, func() bool { return tracker.count() == 3 }, time.Second, 5*time.Millisecond)
	require.False(t, h.overlap.Load())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, harvest.WorkItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (harvest.WorkItem, error) {
	return harvest.WorkItem{}, q.err
}

func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d := New(&errorQueue{err: errors.New("boom")}, throttle.New(1, nil), nil, nil, storetest.NewClock(), nil)
	err := d.Enqueue(context.Background(), item("w", "p", "s"))
	require.EqualError(t, err, "queue enqueue: boom")
}

func TestDispatcherStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	d := New(q, throttle.New(1, nil), newGatedHarvester(), nil, storetest.NewClock(), nil)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}
