package entityservice

import (
	"context"
	"fmt"

	"eve.evalgo.org/entity"
	"eve.evalgo.org/tiercache"
)

// SyncL1ToL2 iterates every L1-resident record and, where its version
// differs from (or is absent from) L2, writes it through under the
// entity's exclusive lock. Idempotent: running it twice back to back
// yields the same L2 state, since a record whose version already matches
// is left untouched. Called periodically by the scheduler's l1-to-l2-sync
// task and once more, synchronously, during Shutdown's flush.
func (s *Service) SyncL1ToL2(ctx context.Context) error {
	for _, r := range s.l1.Snapshot() {
		if err := s.syncOneToL2(ctx, r); err != nil {
			s.log.WithError(err).WithField("uuid", r.UUID).Warn("l1->l2 sync failed for entry")
		}
	}
	return nil
}

func (s *Service) syncOneToL2(ctx context.Context, r *entity.Record) error {
	existing, ok, err := s.cfg.L2.Get(ctx, r.UUID)
	if err == nil && ok && existing.Version == r.Version {
		return nil
	}

	handle, err := s.cfg.L2.Acquire(ctx, s.cfg.L2.DataKey(r.UUID), tiercache.Exclusive, s.cfg.LockWaitTimeout, s.cfg.LockHoldTimeout)
	if err != nil {
		return &ResourceError{Op: "syncL1ToL2", Err: err}
	}
	defer handle.Release(ctx)

	if err := s.cfg.L2.Set(ctx, r, s.defaultTTLFor(r)); err != nil {
		return &ResourceError{Op: "syncL1ToL2", Err: err}
	}
	return nil
}

// PersistL2ToDB scans the L2 map under the service's distributed write
// lock and upserts up to maxBatch entities into the document store in one
// batch, matching the specification's bounded-batch persistence cycle: a
// single run may process only a prefix of a large map. Entries whose L2
// key has since expired are dropped from the map rather than chased.
func (s *Service) PersistL2ToDB(ctx context.Context, maxBatch int) error {
	handle, err := s.cfg.L2.Acquire(ctx, s.persistenceLockKey(), tiercache.Exclusive, s.cfg.LockWaitTimeout, s.cfg.LockHoldTimeout)
	if err != nil {
		return &ResourceError{Op: "persistL2ToDB", Err: err}
	}
	defer handle.Release(ctx)

	members, err := s.cfg.L2.MapMembers(ctx)
	if err != nil {
		return &ResourceError{Op: "persistL2ToDB", Err: err}
	}
	if maxBatch > 0 && len(members) > maxBatch {
		members = members[:maxBatch]
	}

	var batch []*entity.Record
	for _, uuid := range members {
		r, ok, err := s.cfg.L2.Get(ctx, uuid)
		if err != nil {
			s.log.WithError(err).WithField("uuid", uuid).Warn("persistL2ToDB: read failed")
			continue
		}
		if !ok {
			if err := s.cfg.L2.ForgetMapMember(ctx, uuid); err != nil {
				s.log.WithError(err).Warn("persistL2ToDB: forget expired member failed")
			}
			continue
		}
		batch = append(batch, r)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := s.cfg.DB.UpsertBatch(ctx, batch); err != nil {
		return &ResourceError{Op: "persistL2ToDB", Err: err}
	}
	return nil
}

func (s *Service) persistenceLockKey() string {
	return fmt.Sprintf("legacy:player:%s:map", s.cfg.ServiceName)
}
