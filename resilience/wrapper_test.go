package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrapperRetriesUntilMaxAttemptsThenGivesUp(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          10 * time.Millisecond,
		ExponentialBackoff: true,
		RetryCondition:     func(error) bool { return true },
	}
	w := NewWrapper(policy, NewLocalCounter())
	ctx := context.Background()
	fc := FailureContext{Err: errors.New("boom"), MessageID: "m1"}

	r1, err := w.Evaluate(ctx, fc)
	require.NoError(t, err)
	require.Equal(t, OutcomeRetry, r1.Outcome)
	require.Equal(t, 10*time.Millisecond, r1.Delay)

	r2, err := w.Evaluate(ctx, fc)
	require.NoError(t, err)
	require.Equal(t, OutcomeRetry, r2.Outcome)
	require.Equal(t, 20*time.Millisecond, r2.Delay)

	r3, err := w.Evaluate(ctx, fc)
	require.NoError(t, err)
	require.Equal(t, OutcomeGiveUp, r3.Outcome)
}

func TestWrapperGivesUpImmediatelyWhenConditionRejects(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Millisecond,
		RetryCondition: func(error) bool { return false },
	}
	w := NewWrapper(policy, NewLocalCounter())
	r, err := w.Evaluate(context.Background(), FailureContext{Err: errors.New("fatal"), MessageID: "m2"})
	require.NoError(t, err)
	require.Equal(t, OutcomeGiveUp, r.Outcome)
}

func TestWrapperClearsCounterOnGiveUp(t *testing.T) {
	counter := NewLocalCounter()
	policy := RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, RetryCondition: func(error) bool { return true }}
	w := NewWrapper(policy, counter)
	ctx := context.Background()

	_, err := w.Evaluate(ctx, FailureContext{Err: errors.New("x"), MessageID: "m3"})
	require.NoError(t, err)

	n, err := counter.Increment(ctx, "m3")
	require.NoError(t, err)
	require.Equal(t, 1, n) // cleared, so this increment starts fresh at 1
}

func TestRunCompensationsContinuesPastFailure(t *testing.T) {
	var ran []string
	actions := []CompensationAction{
		func(context.Context, FailureContext) error { ran = append(ran, "a"); return errors.New("a failed") },
		func(context.Context, FailureContext) error { ran = append(ran, "b"); return nil },
	}
	var errs []error
	RunCompensations(context.Background(), FailureContext{}, actions, func(err error) { errs = append(errs, err) })

	require.Equal(t, []string{"a", "b"}, ran)
	require.Len(t, errs, 1)
}

func TestHybridCounterRoutesToLocalWithoutPattern(t *testing.T) {
	local := NewLocalCounter()
	policy := RetryPolicy{CounterType: Hybrid}
	hybrid := NewHybridCounter(local, nil, policy)

	n, err := hybrid.Increment(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
