// Package throttle bundles the shared limits every harvest worker observes:
// a global concurrency cap, per-host rate limits, and per-source exclusion.
package throttle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/docharvest/internal/policy/ratelimit"
)

// Throttle is passed explicitly to the dispatcher and workers.
type Throttle struct {
	sem      *semaphore.Weighted
	capacity int
	limiter  *ratelimit.Limiter
	keys     *KeyLock
}

// New builds a Throttle allowing concurrency simultaneous harvests.
func New(concurrency int, limiter *ratelimit.Limiter) *Throttle {
	if concurrency <= 0 {
		concurrency = 1
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	return &Throttle{
		sem:      semaphore.NewWeighted(int64(concurrency)),
		capacity: concurrency,
		limiter:  limiter,
		keys:     NewKeyLock(),
	}
}

// Capacity returns the global concurrency cap.
func (t *Throttle) Capacity() int { return t.capacity }

// Acquire blocks until a global slot is free.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire harvest slot: %w", err)
	}
	return nil
}

// Release returns a global slot.
func (t *Throttle) Release() { t.sem.Release(1) }

// Limiter returns the shared per-host limiter.
func (t *Throttle) Limiter() *ratelimit.Limiter { return t.limiter }

// Keys returns the per-source exclusion lock.
func (t *Throttle) Keys() *KeyLock { return t.keys }

// KeyLock is a set of named mutexes whose waiters honor context cancellation.
type KeyLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewKeyLock returns an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{held: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx ends. The returned release func is
// idempotent.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	for {
		release, wait := k.tryLock(key)
		if release != nil {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-wait:
		}
	}
}

// TryLock takes key if it is free.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	release, _ := k.tryLock(key)
	return release, release != nil
}

func (k *KeyLock) tryLock(key string) (func(), <-chan struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ch, ok := k.held[key]; ok {
		return nil, ch
	}
	ch := make(chan struct{})
	k.held[key] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
			close(ch)
		})
	}, nil
}
