package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Factor:      2,
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 300 * time.Second},
		{9, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_DelayHugeAttemptIsCapped(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, p.MaxDelay, p.Delay(10_000))
}

func TestState_JitterStaysInBounds(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 200; i++ {
		st := p.NewState()
		for n := 1; ; n++ {
			d, ok := st.Next()
			if !ok {
				break
			}
			base := p.Delay(n)
			upper := 2 * base
			if upper > p.MaxDelay {
				upper = p.MaxDelay
			}
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, upper)
		}
	}
}

func TestState_NextStopsAtMaxAttempts(t *testing.T) {
	st := fastPolicy(3).NewState()

	d, ok := st.Next()
	assert.True(t, ok)
	assert.Zero(t, d)

	_, ok = st.Next()
	assert.True(t, ok)
	_, ok = st.Next()
	assert.True(t, ok)

	_, ok = st.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, st.Attempt())
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAfterMaxAttempts(t *testing.T) {
	cause := errors.New("503 service unavailable")
	var failures []Failure
	calls := 0

	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return cause
	}, func(f Failure) { failures = append(failures, f) })

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 5, calls)

	require.Len(t, failures, 5)
	for i, f := range failures {
		assert.Equal(t, i+1, f.Attempt)
		assert.Equal(t, i == 4, f.Final)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	denied := errors.New("access denied")
	calls := 0

	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(denied)
	}, nil)

	assert.Equal(t, denied, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsPermanent(err))
}

func TestDo_CancelDuringWait(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("timeout")
		}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_CancelledOperationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := fastPolicy(5).Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("interrupted")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxAttempts: 0, Factor: 2}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BaseDelay: 2 * time.Second, MaxDelay: time.Second, Factor: 2}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Factor: 0.5}.Validate())
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
