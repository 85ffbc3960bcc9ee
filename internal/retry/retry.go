// Package retry implements the bounded retry state machine used for every
// network and store operation of a harvest.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// ErrExhausted is returned by Begin once no attempts remain.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures attempts and exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// AttemptTimeout bounds each attempt when positive.
	AttemptTimeout time.Duration
	// Jitter returns a random duration in [0, limit). Defaults to crypto/rand.
	Jitter func(limit time.Duration) time.Duration
	// Retryable overrides harvest.IsRetryable.
	Retryable func(err error) bool
}

// DefaultPolicy returns three attempts with 1s base and 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait before attempt n+1 after attempt n failed:
// base·2^(n-1) capped at MaxDelay, half fixed and half jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + p.jitter(time.Duration(delay)-half)
}

// Budget is the worst-case time spent sleeping between attempts.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	for n := 1; n < p.maxAttempts(); n++ {
		delay := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
		total += time.Duration(delay)
	}
	return total
}

func (p Policy) jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(limit)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return harvest.IsRetryable(err)
}

// State is a position in the retry state machine.
type State int

// Retry states.
const (
	Pending State = iota
	Attempting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Machine tracks one operation through Pending, Attempting(n), and finally
// Succeeded or Failed. It is not safe for concurrent use.
type Machine struct {
	policy  Policy
	state   State
	attempt int
	err     error
}

// Start returns a Pending machine governed by p.
func (p Policy) Start() *Machine {
	return &Machine{policy: p}
}

// Begin moves into Attempting(n+1) and returns n+1.
func (m *Machine) Begin() (int, error) {
	switch m.state {
	case Succeeded, Failed:
		return m.attempt, fmt.Errorf("begin attempt in state %s: %w", m.state, ErrExhausted)
	case Attempting:
		return m.attempt, fmt.Errorf("attempt %d still running", m.attempt)
	}
	if m.attempt >= m.policy.maxAttempts() {
		m.state = Failed
		return m.attempt, ErrExhausted
	}
	m.attempt++
	m.state = Attempting
	return m.attempt, nil
}

// Succeed records a successful attempt.
func (m *Machine) Succeed() {
	m.state = Succeeded
	m.err = nil
}

// Fail records a failed attempt. When the error is retryable and attempts
// remain, the machine returns to Pending and reports the backoff to wait.
// Otherwise it moves to Failed.
func (m *Machine) Fail(err error) (time.Duration, bool) {
	m.err = err
	if m.attempt < m.policy.maxAttempts() && m.policy.retryable(err) {
		m.state = Pending
		return m.policy.Backoff(m.attempt), true
	}
	m.state = Failed
	return 0, false
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempts returns how many attempts have started.
func (m *Machine) Attempts() int { return m.attempt }

// Err returns the last recorded error.
func (m *Machine) Err() error { return m.err }

// Option customizes Do.
type Option func(*doOptions)

type doOptions struct {
	onRetry func(attempt int, err error, wait time.Duration)
	sleep   func(ctx context.Context, d time.Duration) error
}

// OnRetry registers a hook invoked before each backoff sleep.
func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *doOptions) { o.onRetry = fn }
}

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *doOptions) { o.sleep = fn }
}

// Do runs op under the policy and returns the number of attempts made. If
// ctx ends during a backoff the last attempt's error is returned.
func Do(ctx context.Context, p Policy, op func(context.Context) error, opts ...Option) (int, error) {
	o := doOptions{sleep: sleepCtx}
	for _, opt := range opts {
		opt(&o)
	}
	m := p.Start()
	for {
		if _, err := m.Begin(); err != nil {
			return m.Attempts(), m.Err()
		}
		err := runAttempt(ctx, p.AttemptTimeout, op)
		if err == nil {
			m.Succeed()
			return m.Attempts(), nil
		}
		wait, again := m.Fail(err)
		if !again {
			return m.Attempts(), err
		}
		if o.onRetry != nil {
			o.onRetry(m.Attempts(), err, wait)
		}
		if serr := o.sleep(ctx, wait); serr != nil {
			return m.Attempts(), err
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return harvest.ClassifyError("", err)
	}
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := op(attemptCtx)
	if err == nil {
		return nil
	}
	var fe *harvest.FetchError
	if !errors.As(err, &fe) && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &harvest.FetchError{Kind: harvest.FetchTimeout, Err: err}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
