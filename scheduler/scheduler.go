// Package scheduler runs the service's periodic maintenance tasks
// (component J): stream polling, L1->L2 sync, L2->DB persistence under the
// distributed write lock, and retry dispatch. Every task is cancellable
// and joinable, and Shutdown drains them within a bounded timeout.
package scheduler

import (
	"context"
	"sync"
	"time"

	"eve.evalgo.org/common"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for in-flight task
// runs to finish before returning anyway.
const DefaultShutdownTimeout = 30 * time.Second

// TaskFunc is one scheduled unit of work. Scheduled tasks never propagate
// errors to the caller — they log and rely on the next cycle, per the
// specification's propagation policy.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler owns a fixed set of named periodic tasks, each running on its
// own ticker/goroutine, grounded on the teacher's worker.Pool lifecycle
// (one goroutine per unit of work, a single close-once stop signal, a
// WaitGroup joined on Shutdown).
type Scheduler struct {
	log    *common.ContextLogger
	tasks  []task
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// New builds an empty scheduler for serviceName, used only for log
// attribution.
func New(serviceName string) *Scheduler {
	return &Scheduler{
		log:  common.ServiceLogger(serviceName, "scheduler"),
		stop: make(chan struct{}),
	}
}

// AddTask registers a named periodic task. Must be called before Start.
func (s *Scheduler) AddTask(name string, interval time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start() {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(t)
	}
}

func (s *Scheduler) run(t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			func() {
				ctx, cancel := context.WithTimeout(context.Background(), t.interval)
				defer cancel()
				defer common.LogPanic(s.log.WithField("task", t.name))
				if err := t.fn(ctx); err != nil {
					s.log.WithError(err).WithField("task", t.name).Warn("scheduled task failed, will retry next cycle")
				}
			}()
		}
	}
}

// Shutdown signals every task to stop and waits up to timeout (or
// DefaultShutdownTimeout if timeout is 0) for them to finish their current
// run. Idempotent.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	s.once.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("shutdown: timed out waiting for scheduled tasks to drain")
	}
}
