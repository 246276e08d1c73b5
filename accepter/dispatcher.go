package accepter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eve.evalgo.org/common"
	"eve.evalgo.org/metrics"
	"eve.evalgo.org/resilience"
	"eve.evalgo.org/streambus"
)

// pendingRetry is a failed task whose next attempt isn't due yet. The
// scheduler's retry-dispatch task calls DrainDueRetries to wake them once
// their deadline elapses, rather than blocking a goroutine per retry.
type pendingRetry struct {
	task    streambus.Task
	readyAt time.Time
}

// Dispatcher owns the actionName -> Handler table built at service
// startup and turns polled tasks into resilience-wrapped Accept calls.
// Grounded on the teacher's Worker.processNext loop (dequeue, process
// under a bounded context, mark-complete/fail), generalized from one fixed
// JobProcessor to an actionName-keyed table of user handlers.
type Dispatcher struct {
	serviceName string
	bus         *streambus.Bus
	group       string
	nodeID      string
	wrapper     *resilience.Wrapper
	dedup       *DedupSet
	log         *common.ContextLogger
	metrics     metrics.Recorder

	mu       sync.Mutex
	handlers map[string]Handler
	pending  []pendingRetry
}

// NewDispatcher builds a dispatcher for serviceName, polling group via bus,
// wrapping every invocation in wrapper's retry policy. dedup may be nil if
// no registered handler sets IsRecordLimit.
func NewDispatcher(serviceName, group, nodeID string, bus *streambus.Bus, wrapper *resilience.Wrapper, dedup *DedupSet) *Dispatcher {
	return &Dispatcher{
		serviceName: serviceName,
		bus:         bus,
		group:       group,
		nodeID:      nodeID,
		wrapper:     wrapper,
		dedup:       dedup,
		handlers:    make(map[string]Handler),
		log:         common.ServiceLogger(serviceName, "accepter"),
		metrics:     metrics.NewInMemoryRecorder(),
	}
}

// SetMetricsRecorder overrides the dispatcher's telemetry sink, defaulting
// to an in-memory recorder until replaced (typically with a
// *metrics.PostgresRecorder at startup).
func (d *Dispatcher) SetMetricsRecorder(r metrics.Recorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = r
}

// Register adds h under its ActionName. Registering a second handler for
// the same actionName is a configuration error.
func (d *Dispatcher) Register(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[h.ActionName()]; exists {
		return fmt.Errorf("accepter: duplicate handler for action %q", h.ActionName())
	}
	d.handlers[h.ActionName()] = h
	return nil
}

func (d *Dispatcher) lookup(actionName string) (Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[actionName]
	return h, ok
}

// Dispatch routes one polled task to its handler. A task with no
// registered handler, or addressed to a different TargetServiceName, is
// left unacked so another node may pick it up before its ownership
// timeout expires.
func (d *Dispatcher) Dispatch(ctx context.Context, task streambus.Task) error {
	h, ok := d.lookup(task.ActionName)
	if !ok {
		return nil
	}
	if target := h.TargetServiceName(); target != "" && target != d.serviceName {
		return nil
	}

	if h.IsRecordLimit() && d.dedup != nil {
		seen, err := d.dedup.Seen(task.MessageID)
		if err != nil {
			d.log.WithError(err).Warn("dedup lookup failed, processing anyway")
		} else if seen {
			return d.bus.Ack(ctx, d.group, task.MessageID)
		}
	}

	return d.invoke(ctx, h, task)
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, task streambus.Task) error {
	started := time.Now()
	err := h.Accept(ctx, d.bus.StreamKey(), task.MessageID, d.serviceName, task.Payload)
	elapsed := time.Since(started)

	if err == nil {
		d.recordDispatch(ctx, task.ActionName, "success", elapsed)
		if err := d.bus.Ack(ctx, d.group, task.MessageID); err != nil {
			return err
		}
		if h.IsRecordLimit() && d.dedup != nil {
			if err := d.dedup.Mark(task.MessageID); err != nil {
				d.log.WithError(err).Warn("dedup mark failed")
			}
		}
		return d.wrapper.Succeeded(ctx, task.MessageID)
	}

	fc := resilience.FailureContext{
		Err:              err,
		Stream:           d.bus.StreamKey(),
		MessageID:        task.MessageID,
		Payload:          task.Payload,
		ActionName:       task.ActionName,
		FailureTimestamp: time.Now(),
	}
	result, evalErr := d.wrapper.Evaluate(ctx, fc, d.defaultCompensations()...)
	if evalErr != nil {
		return evalErr
	}

	switch result.Outcome {
	case resilience.OutcomeRetry:
		d.recordDispatch(ctx, task.ActionName, "retry", elapsed)
		d.mu.Lock()
		d.pending = append(d.pending, pendingRetry{task: task, readyAt: time.Now().Add(result.Delay)})
		d.mu.Unlock()
		return nil
	default:
		d.recordDispatch(ctx, task.ActionName, "gave_up", elapsed)
		resilience.RunCompensations(ctx, fc, result.Compensations, func(compErr error) {
			d.log.WithError(compErr).Warn("compensation action failed")
		})
		return nil
	}
}

func (d *Dispatcher) recordDispatch(ctx context.Context, actionName, outcome string, elapsed time.Duration) {
	d.mu.Lock()
	rec := d.metrics
	d.mu.Unlock()
	if rec == nil {
		return
	}
	rec.RecordDispatch(ctx, metrics.Dispatch{
		ServiceName: d.serviceName,
		ActionName:  actionName,
		Duration:    elapsed,
		Outcome:     outcome,
	})
}

// defaultCompensations is the specification's built-in "log+remove":
// record the failure, then ack (clearing the pending entry) and remove the
// task from the stream outright.
func (d *Dispatcher) defaultCompensations() []resilience.CompensationAction {
	return []resilience.CompensationAction{
		resilience.LogAndRemove(
			func(fc resilience.FailureContext) {
				d.log.WithError(fc.Err).WithField("messageId", fc.MessageID).Warn("accepter gave up on task")
			},
			func(ctx context.Context, fc resilience.FailureContext) error {
				if err := d.bus.Ack(ctx, d.group, fc.MessageID); err != nil {
					return err
				}
				return d.bus.Remove(ctx, fc.MessageID)
			},
		),
	}
}

// DrainDueRetries re-invokes every pending retry whose delay has elapsed.
// Called periodically by the scheduler's retry-dispatch task.
func (d *Dispatcher) DrainDueRetries(ctx context.Context) {
	now := time.Now()

	d.mu.Lock()
	var due []pendingRetry
	var rest []pendingRetry
	for _, p := range d.pending {
		if !now.Before(p.readyAt) {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	d.pending = rest
	d.mu.Unlock()

	for _, p := range due {
		h, ok := d.lookup(p.task.ActionName)
		if !ok {
			continue
		}
		if err := d.invoke(ctx, h, p.task); err != nil {
			d.log.WithError(err).Warn("retry invocation failed")
		}
	}
}

// PendingCount reports how many retries are currently waiting for their
// deadline, for tests and metrics.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
