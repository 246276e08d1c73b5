// Package accepter implements the stream-dispatch framework (component H):
// an actionName-keyed handler table, per-node record-limit de-duplication,
// and the resilience-wrapped invocation loop that turns a polled
// streambus.Task into exactly one accept() call (or a bounded number of
// retries followed by compensation).
package accepter

import "context"

// Handler is a user-provided accepter, matched to a task by ActionName.
type Handler interface {
	// ActionName is the dispatch key; must match a task's ActionName.
	ActionName() string

	// TargetServiceName, if non-empty, restricts this handler to tasks
	// addressed to that service name.
	TargetServiceName() string

	// IsRecordLimit, if true, makes the dispatcher de-duplicate delivery
	// of a given messageId on this node: once processed, a redelivery of
	// the same id is ack'd without a second Accept call.
	IsRecordLimit() bool

	// UseVirtualThread hints that this handler prefers a cooperative,
	// non-blocking runtime over a dedicated blocking worker.
	UseVirtualThread() bool

	// Accept processes the task's payload. Successful processing is
	// signaled by a nil return; the dispatcher acks on success and never
	// acks on error.
	Accept(ctx context.Context, stream, messageID, serviceName, payload string) error
}
