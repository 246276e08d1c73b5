package resilience

import (
	"context"
	"time"
)

// FailureContext is passed to compensation actions and carries everything
// the specification names: the failing error, the task's stream identity,
// and where this attempt sits in the retry budget.
type FailureContext struct {
	Err              error
	Stream           string
	MessageID        string
	Payload          string
	ActionName       string
	AttemptNumber    int
	MaxAttempts      int
	FailureTimestamp time.Time
}

// CompensationAction runs once a task gives up. A failing compensation is
// logged by the caller but never stops the chain — RunCompensations below
// hands every error to its onError callback so the caller can decide how to
// log them.
type CompensationAction func(ctx context.Context, fc FailureContext) error

// Outcome distinguishes a retry decision from a give-up decision.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeGiveUp
)

// Result is what a Wrapper decides to do with a failed attempt.
type Result struct {
	Outcome       Outcome
	Delay         time.Duration
	Compensations []CompensationAction
}

// Retry asks the caller to re-attempt the task after delay.
func Retry(delay time.Duration) Result {
	return Result{Outcome: OutcomeRetry, Delay: delay}
}

// GiveUp asks the caller to run the given compensation chain and stop
// retrying.
func GiveUp(compensations ...CompensationAction) Result {
	return Result{Outcome: OutcomeGiveUp, Compensations: compensations}
}

// LogAndRemove is the specification's built-in "log+remove" compensation:
// it records the failure via log (caller-supplied) and reports removal is
// needed by calling remove. Both are injected so this package stays free
// of a direct streambus dependency.
func LogAndRemove(log func(FailureContext), remove func(ctx context.Context, fc FailureContext) error) CompensationAction {
	return func(ctx context.Context, fc FailureContext) error {
		log(fc)
		return remove(ctx, fc)
	}
}

// Wrapper evaluates a failed accepter invocation against a RetryPolicy and
// a shared attempt Counter, deciding whether to retry (with a computed
// delay) or give up (running the configured compensations).
type Wrapper struct {
	Policy  RetryPolicy
	Counter Counter
}

// NewWrapper builds a Wrapper over policy and counter.
func NewWrapper(policy RetryPolicy, counter Counter) *Wrapper {
	return &Wrapper{Policy: policy, Counter: counter}
}

// Evaluate increments the attempt counter for fc.MessageID, then decides
// retry vs give-up: give-up if the policy's retry condition rejects err, or
// the incremented attempt count has reached MaxAttempts; retry otherwise,
// with the policy's computed backoff delay. On give-up, the counter entry
// is cleared per the specification's invariant.
func (w *Wrapper) Evaluate(ctx context.Context, fc FailureContext, compensations ...CompensationAction) (Result, error) {
	attempt, err := w.Counter.Increment(ctx, fc.MessageID)
	if err != nil {
		return Result{}, err
	}
	fc.AttemptNumber = attempt
	fc.MaxAttempts = w.Policy.MaxAttempts

	if !w.Policy.condition()(fc.Err) || attempt >= w.Policy.MaxAttempts {
		if err := w.Counter.Clear(ctx, fc.MessageID); err != nil {
			return Result{}, err
		}
		return GiveUp(compensations...), nil
	}

	return Retry(w.Policy.Delay(attempt)), nil
}

// Succeeded clears the attempt counter for messageID after a successful
// invocation, so the next unrelated failure starts counting from zero.
func (w *Wrapper) Succeeded(ctx context.Context, messageID string) error {
	return w.Counter.Clear(ctx, messageID)
}

// RunCompensations executes every action in order, collecting (not
// stopping on) individual failures, and returns them all via onError.
func RunCompensations(ctx context.Context, fc FailureContext, actions []CompensationAction, onError func(error)) {
	for _, action := range actions {
		if err := action(ctx, fc); err != nil && onError != nil {
			onError(err)
		}
	}
}
