package entityservice

import "fmt"

// ConfigurationError is fatal and construction-time: invalid service
// parameters or a duplicate service name. It is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("entityservice: configuration error: %s", e.Reason)
}

// ResourceError wraps a transient L2/DB/stream failure. It is surfaced to
// the caller for on-demand operations and retried internally for scheduled
// tasks.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("entityservice: resource error during %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// VersionConflict names the case where save's fast paths don't apply and a
// merge is required. Service.Save resolves that case by merging (see
// resolve) and never constructs or returns this error.
type VersionConflict struct {
	UUID string
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("entityservice: version conflict for %s", e.UUID)
}

// HandlerError is thrown by an accepter handler and routed to the
// resilience layer.
type HandlerError struct {
	ActionName string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("entityservice: handler %q failed: %v", e.ActionName, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// CompensationError is thrown by a compensation action. It is logged and
// the compensation chain continues to the next action.
type CompensationError struct {
	Err error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("entityservice: compensation failed: %v", e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// ShutdownError is surfaced if an operation is attempted after Shutdown.
type ShutdownError struct {
	ServiceName string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("entityservice: service %q is shut down", e.ServiceName)
}
