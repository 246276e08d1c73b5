// Package metrics records operational telemetry for persistence cycles and
// accepter dispatch: how long each ran, the batch-size limit a persistence
// cycle ran with, and whether it succeeded. A PostgresRecorder persists rows via GORM; an
// InMemoryRecorder serves as the fallback when no Postgres DSN is
// configured, so the rest of the system never has to special-case a nil
// recorder.
package metrics

import (
	"context"
	"sync"
	"time"
)

// Recorder is the telemetry sink the scheduler and accepter write to.
type Recorder interface {
	RecordPersistenceCycle(ctx context.Context, cycle PersistenceCycle)
	RecordDispatch(ctx context.Context, dispatch Dispatch)
}

// PersistenceCycle describes one run of the L1->L2 sync or L2->DB persist
// task.
type PersistenceCycle struct {
	ServiceName string
	TaskName    string // "l1-to-l2-sync" or "l2-to-db-persist"
	BatchSize   int
	Duration    time.Duration
	Succeeded   bool
}

// Dispatch describes one accepter handler invocation.
type Dispatch struct {
	ServiceName string
	ActionName  string
	Attempt     int
	Duration    time.Duration
	Outcome     string // "success", "retry", "gave_up"
}

// InMemoryRecorder accumulates metrics in process memory, guarded by a
// mutex, for use when no Postgres DSN is configured or in tests.
type InMemoryRecorder struct {
	mu         sync.Mutex
	Cycles     []PersistenceCycle
	Dispatches []Dispatch
}

// NewInMemoryRecorder returns a ready-to-use in-memory fallback recorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

func (r *InMemoryRecorder) RecordPersistenceCycle(_ context.Context, c PersistenceCycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cycles = append(r.Cycles, c)
}

func (r *InMemoryRecorder) RecordDispatch(_ context.Context, d Dispatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dispatches = append(r.Dispatches, d)
}

// CycleCount returns how many persistence-cycle rows have been recorded.
func (r *InMemoryRecorder) CycleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Cycles)
}

// DispatchCount returns how many dispatch rows have been recorded.
func (r *InMemoryRecorder) DispatchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Dispatches)
}
