package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

func noJitter(time.Duration) time.Duration { return 0 }

func noSleep(context.Context, time.Duration) error { return nil }

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Jitter: noJitter}
	require.Equal(t, 50*time.Millisecond, p.Backoff(1))
	require.Equal(t, 100*time.Millisecond, p.Backoff(2))
	require.Equal(t, 150*time.Millisecond, p.Backoff(3))
	require.Equal(t, 150*time.Millisecond, p.Backoff(4))

	full := Policy{BaseDelay: 100 * time.Millisecond, Jitter: func(limit time.Duration) time.Duration { return limit }}
	require.Equal(t, 200*time.Millisecond, full.Backoff(2))

	require.Equal(t, 100*time.Millisecond+200*time.Millisecond+300*time.Millisecond+300*time.Millisecond, p.Budget())
}

func TestBackoffDefaultJitterWithinBounds(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 100 * time.Millisecond}
	for range 20 {
		d := p.Backoff(1)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.Less(t, d, 100*time.Millisecond)
	}
}

func TestMachineTransitions(t *testing.T) {
	t.Parallel()

	m := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Jitter: noJitter}.Start()
	require.Equal(t, Pending, m.State())

	n, err := m.Begin()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, Attempting, m.State())

	_, err = m.Begin()
	require.Error(t, err)

	wait, again := m.Fail(&harvest.FetchError{Kind: harvest.FetchTimeout})
	require.True(t, again)
	require.Equal(t, Pending, m.State())
	require.Positive(t, wait)

	n, err = m.Begin()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, again = m.Fail(&harvest.FetchError{Kind: harvest.FetchTimeout})
	require.False(t, again)
	require.Equal(t, Failed, m.State())
	require.True(t, harvest.IsFetchKind(m.Err(), harvest.FetchTimeout))

	_, err = m.Begin()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMachineNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	m := DefaultPolicy().Start()
	_, err := m.Begin()
	require.NoError(t, err)
	_, again := m.Fail(&harvest.FetchError{Kind: harvest.FetchAuthFailure})
	require.False(t, again)
	require.Equal(t, Failed, m.State())
	require.Equal(t, "failed", m.State().String())
}

func TestDoSucceedsWithinBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []int
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls <= 2 {
			return &harvest.FetchError{Kind: harvest.FetchTimeout}
		}
		return nil
	}, WithSleep(noSleep), OnRetry(func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}))
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoExhaustsBudget(t *testing.T) {
	t.Parallel()

	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3}, func(context.Context) error {
		return &harvest.FetchError{Kind: harvest.FetchTimeout}
	}, WithSleep(noSleep))
	require.Equal(t, 3, attempts)
	require.True(t, harvest.IsFetchKind(err, harvest.FetchTimeout))
}

func TestDoDoesNotRetryWriteConflict(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3}, func(context.Context) error {
		calls++
		return &harvest.StoreError{Kind: harvest.WriteConflict}
	}, WithSleep(noSleep))
	require.Equal(t, 1, attempts)
	require.Equal(t, 1, calls)
	require.True(t, harvest.IsStoreKind(err, harvest.WriteConflict))
}

func TestDoAttemptTimeoutBecomesFetchTimeout(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}
	attempts, err := Do(context.Background(), p, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithSleep(noSleep))
	require.Equal(t, 2, attempts)
	require.True(t, harvest.IsFetchKind(err, harvest.FetchTimeout))
}

func TestDoStopsWhenContextEndsDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	transient := &harvest.FetchError{Kind: harvest.FetchUnreachable, Transient: true}
	attempts, err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour}, func(context.Context) error {
		cancel()
		return transient
	})
	require.Equal(t, 1, attempts)
	require.True(t, errors.Is(err, transient))
}
