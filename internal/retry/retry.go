// Package retry implements the bounded exponential backoff used around
// every remote transfer.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy describes how many times to attempt an operation and how long to
// wait in between.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
}

// DefaultPolicy is 5 attempts, 60s doubling up to 300s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   60 * time.Second,
		MaxDelay:    300 * time.Second,
		Factor:      2,
		Jitter:      true,
	}
}

// Validate rejects policies that could never run or never stop.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.Factor < 1 {
		return fmt.Errorf("factor must be at least 1, got %v", p.Factor)
	}
	return nil
}

// Delay is the wait before attempt n, without jitter. The first attempt
// never waits; attempt n >= 2 waits min(base * factor^(n-2), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-2))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// jittered picks uniformly in [d, min(2d, max)].
func (p Policy) jittered(d time.Duration) time.Duration {
	upper := 2 * d
	if upper > p.MaxDelay || upper < d {
		upper = p.MaxDelay
	}
	if upper <= d {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(upper-d)+1))
}

// State tracks one operation's progress through a policy. It is not safe
// for concurrent use.
type State struct {
	policy    Policy
	attempt   int
	lastDelay time.Duration
}

// NewState starts a fresh retry sequence.
func (p Policy) NewState() *State {
	return &State{policy: p}
}

// Next reserves the next attempt and returns how long to wait before it.
// ok is false once MaxAttempts have been used.
func (s *State) Next() (delay time.Duration, ok bool) {
	if s.attempt >= s.policy.MaxAttempts {
		return 0, false
	}
	s.attempt++
	delay = s.policy.Delay(s.attempt)
	if s.policy.Jitter && delay > 0 {
		delay = s.policy.jittered(delay)
	}
	s.lastDelay = delay
	return delay, true
}

// Attempt is the number of attempts reserved so far.
func (s *State) Attempt() int { return s.attempt }

// LastDelay is the wait chosen by the latest Next.
func (s *State) LastDelay() time.Duration { return s.lastDelay }

// Failure describes a failed attempt for logging.
type Failure struct {
	Attempt int
	Err     error
	// Wait is the delay before the next attempt; zero when Final.
	Wait  time.Duration
	Final bool
}

// ExhaustedError is returned by Do once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, fails permanently, ctx is done, or the
// policy runs out of attempts. notify, if set, sees every failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, notify func(Failure)) error {
	st := p.NewState()
	st.Next()

	for {
		err := op(ctx, st.Attempt())
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			if notify != nil {
				notify(Failure{Attempt: st.Attempt(), Err: perm.err, Final: true})
			}
			return perm.err
		}

		failed := st.Attempt()
		delay, ok := st.Next()
		if notify != nil {
			notify(Failure{Attempt: failed, Err: err, Wait: delay, Final: !ok})
		}
		if !ok {
			return &ExhaustedError{Attempts: failed, Err: err}
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
