package scheduler

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"eve.evalgo.org/accepter"
	"eve.evalgo.org/entityservice"
	"eve.evalgo.org/metrics"
	"eve.evalgo.org/streambus"
)

// StandardConfig controls the interval and batching knobs for the five
// maintenance tasks every running service needs: stream polling and
// dispatch, L1->L2 sync, L2->DB persistence, retry dispatch, and stream
// expiry sweep.
type StandardConfig struct {
	Group    string
	NodeID   string
	Consumer string

	StreamPollInterval    time.Duration
	L1ToL2SyncInterval    time.Duration
	L2ToDBPersistInterval time.Duration
	RetryDispatchInterval time.Duration
	StreamSweepInterval   time.Duration

	PollBatchSize   int64
	PollBlockFor    time.Duration
	PersistMaxBatch int
	SweepMaxScan    int64
	ShutdownTimeout time.Duration
}

func (c StandardConfig) withDefaults() StandardConfig {
	if c.StreamPollInterval == 0 {
		c.StreamPollInterval = 2 * time.Second
	}
	if c.L1ToL2SyncInterval == 0 {
		c.L1ToL2SyncInterval = 30 * time.Second
	}
	if c.L2ToDBPersistInterval == 0 {
		c.L2ToDBPersistInterval = 2 * time.Hour
	}
	if c.RetryDispatchInterval == 0 {
		c.RetryDispatchInterval = 5 * time.Second
	}
	if c.StreamSweepInterval == 0 {
		c.StreamSweepInterval = time.Minute
	}
	if c.PollBatchSize == 0 {
		c.PollBatchSize = 10
	}
	if c.SweepMaxScan == 0 {
		c.SweepMaxScan = 1000
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// NewStandard wires the five scheduled tasks described by the
// specification's maintenance cycle onto a fresh Scheduler: stream
// poll-and-dispatch, L1->L2 sync, L2->DB persistence under the
// distributed write lock, retry dispatch for previously failed handler
// invocations, and the stream's own expiry sweep. Start() must still be
// called by the caller.
func NewStandard(svc *entityservice.Service, bus *streambus.Bus, dispatcher *accepter.Dispatcher, recorder metrics.Recorder, cfg StandardConfig) *Scheduler {
	cfg = cfg.withDefaults()
	if recorder == nil {
		recorder = metrics.NewInMemoryRecorder()
	}
	s := New(svc.Name())
	s.log.WithField("maxBatch", humanize.Comma(int64(cfg.PersistMaxBatch))).Info("scheduler: l2-to-db-persist batch size")

	s.AddTask("stream-poll", cfg.StreamPollInterval, func(ctx context.Context) error {
		tasks, err := bus.Poll(ctx, cfg.Group, cfg.Consumer, cfg.PollBatchSize, cfg.PollBlockFor)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := dispatcher.Dispatch(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})

	s.AddTask("l1-to-l2-sync", cfg.L1ToL2SyncInterval, func(ctx context.Context) error {
		started := time.Now()
		err := svc.SyncL1ToL2(ctx)
		recorder.RecordPersistenceCycle(ctx, metrics.PersistenceCycle{
			ServiceName: svc.Name(),
			TaskName:    "l1-to-l2-sync",
			Duration:    time.Since(started),
			Succeeded:   err == nil,
		})
		return err
	})

	s.AddTask("l2-to-db-persist", cfg.L2ToDBPersistInterval, func(ctx context.Context) error {
		started := time.Now()
		err := svc.PersistL2ToDB(ctx, cfg.PersistMaxBatch)
		recorder.RecordPersistenceCycle(ctx, metrics.PersistenceCycle{
			ServiceName: svc.Name(),
			TaskName:    "l2-to-db-persist",
			BatchSize:   cfg.PersistMaxBatch,
			Duration:    time.Since(started),
			Succeeded:   err == nil,
		})
		return err
	})

	s.AddTask("retry-dispatch", cfg.RetryDispatchInterval, func(ctx context.Context) error {
		dispatcher.DrainDueRetries(ctx)
		return nil
	})

	s.AddTask("stream-expiry-sweep", cfg.StreamSweepInterval, func(ctx context.Context) error {
		removed, err := bus.Sweep(ctx, cfg.SweepMaxScan)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.log.WithField("removed", removed).Info("stream-expiry-sweep: removed expired tasks")
		}
		return nil
	})

	return s
}
