// Package retry drives an operation through a bounded retry state machine:
//
//	Attempting -> Succeeded            operation returned nil
//	Attempting -> Retrying(k)          retryable error, k < max
//	Retrying(k) -> Attempting          after the backoff delay
//	Attempting -> Retrying(max) -> Failed   retry budget exhausted
//	Attempting -> Failed               non-retryable error
//
// The delay between attempts comes from a backoff.BackOff; the sleep is
// injectable so the contract can be tested without wall-clock waits.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the machine's current phase.
type State string

const (
	Attempting State = "ATTEMPTING"
	Retrying   State = "RETRYING"
	Succeeded  State = "SUCCEEDED"
	Failed     State = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s State) bool {
	return s == Succeeded || s == Failed
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case Attempting:
		return to == Succeeded || to == Retrying || to == Failed
	case Retrying:
		return to == Attempting || to == Failed
	default:
		return false
	}
}

// Policy bounds the machine.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the constant wait between attempts.
	Delay time.Duration
}

// DefaultPolicy is 10 attempts one second apart.
var DefaultPolicy = Policy{MaxAttempts: 10, Delay: time.Second}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry: delay must be >= 0 (got %s)", p.Delay)
	}
	return nil
}

// ExhaustedError is returned when every attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Machine executes one operation under a Policy. A Machine is single-use.
type Machine struct {
	policy    Policy
	retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
	onRetry   func(retry int, err error)

	state   State
	retries int
	history []State
}

// Option customizes a Machine.
type Option func(*Machine)

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Machine) { m.sleep = sleep }
}

// WithOnRetry registers a callback invoked on every Attempting -> Retrying
// transition with the 1-based retry number.
func WithOnRetry(fn func(retry int, err error)) Option {
	return func(m *Machine) { m.onRetry = fn }
}

// New builds a Machine. retryable decides which errors are transient; a nil
// retryable treats every error as permanent.
func New(policy Policy, retryable func(error) bool, opts ...Option) (*Machine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		policy:    policy,
		retryable: retryable,
		sleep:     sleepContext,
		state:     Attempting,
		history:   []State{Attempting},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retryable == nil {
		m.retryable = func(error) bool { return false }
	}
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Retries returns how many Attempting -> Retrying transitions happened.
func (m *Machine) Retries() int { return m.retries }

// History returns every state visited, in order.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

func (m *Machine) transition(to State) error {
	if !isAllowedTransition(m.state, to) {
		return fmt.Errorf("retry: disallowed transition %s -> %s", m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// Run executes op until it succeeds, fails permanently, or the attempt budget
// is spent. Exhaustion yields *ExhaustedError wrapping the last error.
func (m *Machine) Run(ctx context.Context, op func(attempt int) error) error {
	if m.state != Attempting || len(m.history) != 1 {
		return errors.New("retry: machine already used")
	}
	delays := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.policy.Delay), uint64(m.policy.MaxAttempts-1)),
		ctx,
	)
	delays.Reset()

	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return m.transition(Succeeded)
		}
		if !m.retryable(err) {
			if terr := m.transition(Failed); terr != nil {
				return terr
			}
			return err
		}

		if terr := m.transition(Retrying); terr != nil {
			return terr
		}
		next := delays.NextBackOff()
		if next == backoff.Stop || attempt >= m.policy.MaxAttempts {
			if terr := m.transition(Failed); terr != nil {
				return terr
			}
			if cerr := ctx.Err(); cerr != nil {
				return fmt.Errorf("retry cancelled: %w", cerr)
			}
			return &ExhaustedError{Attempts: attempt, Last: err}
		}
		m.retries++
		if m.onRetry != nil {
			m.onRetry(m.retries, err)
		}
		if serr := m.sleep(ctx, next); serr != nil {
			if terr := m.transition(Failed); terr != nil {
				return terr
			}
			return fmt.Errorf("retry cancelled: %w", serr)
		}
		if terr := m.transition(Attempting); terr != nil {
			return terr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
