// Package entityservice is the orchestrator (component E): the public
// create/get/save/find/relationship/TTL surface over the entity model,
// wired to the L1/L2 tiers, the durable document store, and the merge
// resolution rules that make concurrent writes converge.
package entityservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eve.evalgo.org/common"
	"eve.evalgo.org/entity"
	"eve.evalgo.org/invalidation"
	"eve.evalgo.org/relationship"
	"eve.evalgo.org/store"
	"eve.evalgo.org/tiercache"
	"eve.evalgo.org/ttl"
)

// Config constructs a Service. ServiceName must be unique process-wide;
// L2, DB, and TTL are the service's collaborators for the shared cache,
// durable store, and TTL primitives respectively.
type Config struct {
	ServiceName string
	Version     string

	L1  tiercache.L1Config
	L2  *tiercache.L2
	DB  store.DocumentStore
	TTL *ttl.Primitives

	EntityDefaultTTL time.Duration
	PlayerDefaultTTL time.Duration

	LockWaitTimeout time.Duration
	LockHoldTimeout time.Duration

	// Invalidation, when set, broadcasts "uuid changed" notices to other
	// nodes after every successful L2 propagation. Optional: a nil value
	// simply skips cross-node invalidation, relying on each tier's TTL to
	// bound staleness instead.
	Invalidation *invalidation.Broadcaster
}

func (c Config) validate() error {
	var problems []string
	if c.ServiceName == "" {
		problems = append(problems, "ServiceName is required")
	}
	if c.L2 == nil {
		problems = append(problems, "L2 is required")
	}
	if c.DB == nil {
		problems = append(problems, "DB is required")
	}
	if c.TTL == nil {
		problems = append(problems, "TTL is required")
	}
	if len(problems) > 0 {
		reason := problems[0]
		for _, p := range problems[1:] {
			reason += "; " + p
		}
		return &ConfigurationError{Reason: reason}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.EntityDefaultTTL == 0 {
		c.EntityDefaultTTL = ttl.DefaultEntityTTL
	}
	if c.PlayerDefaultTTL == 0 {
		c.PlayerDefaultTTL = ttl.DefaultPlayerTTL
	}
	if c.LockWaitTimeout == 0 {
		c.LockWaitTimeout = tiercache.DefaultLockWaitTimeout
	}
	if c.LockHoldTimeout == 0 {
		c.LockHoldTimeout = tiercache.DefaultLockHoldTimeout
	}
	return c
}

// Service is the named orchestrator instance. It registers itself under
// cfg.ServiceName in the process-global registry at construction time.
type Service struct {
	cfg Config
	l1  *tiercache.L1
	log *common.ContextLogger

	mu       sync.RWMutex
	isClosed bool
}

// New constructs and registers a Service. Returns a *ConfigurationError if
// required collaborators are missing or cfg.ServiceName is already taken.
func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	svc := &Service{
		cfg: cfg,
		l1:  tiercache.NewL1(cfg.L1),
		log: common.ServiceLogger(cfg.ServiceName, cfg.Version),
	}
	if err := register(cfg.ServiceName, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// Name returns the service's registered name.
func (s *Service) Name() string { return s.cfg.ServiceName }

func (s *Service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isClosed {
		return &ShutdownError{ServiceName: s.cfg.ServiceName}
	}
	return nil
}

// Create returns the existing record for uuid (read-through across every
// tier), or a fresh in-memory record of entityType if none exists anywhere.
// It never calls Save.
func (s *Service) Create(ctx context.Context, uuid, entityType string) (*entity.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	existing, err := s.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return entity.NewWithUUID(uuid, entityType), nil
}

// Get performs the read-through lookup: L1, then L2 (populating L1 on
// hit), then DB (populating both L1 and L2 on hit). Returns nil, nil if no
// tier has the record.
func (s *Service) Get(ctx context.Context, uuid string) (*entity.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if r := s.l1.Get(uuid); r != nil {
		return r, nil
	}

	r, ok, err := s.cfg.L2.Get(ctx, uuid)
	if err != nil {
		// A transient L2 failure on read-through falls back to DB rather
		// than surfacing to the caller.
		s.log.WithError(err).Warn("l2 read-through failed, falling back to db")
	} else if ok {
		s.l1.Put(r)
		return r, nil
	}

	r, ok, err = s.cfg.DB.FindByKey(ctx, uuid)
	if err != nil {
		return nil, &ResourceError{Op: "get", Err: err}
	}
	if !ok {
		return nil, nil
	}

	s.l1.Put(r)
	if err := s.cfg.L2.Set(ctx, r, s.defaultTTLFor(r)); err != nil {
		s.log.WithError(err).Warn("l2 populate after db hit failed")
	}
	return r, nil
}

func (s *Service) defaultTTLFor(r *entity.Record) time.Duration {
	if r.EntityType == entity.PlayerType {
		return s.cfg.PlayerDefaultTTL
	}
	return s.cfg.EntityDefaultTTL
}

// Save resolves incoming against whatever is currently resident (L1, else
// L2, else DB) per the merge rules, commits the result to L1 synchronously, and
// propagates to L2 in the background. DB persistence is not performed
// here — it happens on the next L2->DB cycle the scheduler runs, bounded
// by that cycle's batch size.
func (s *Service) Save(ctx context.Context, incoming *entity.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	resolved, err := s.resolveAgainstCurrent(ctx, incoming)
	if err != nil {
		return err
	}
	s.l1.Put(resolved)
	s.propagateToL2(resolved)
	return nil
}

// SaveBatch applies Save's per-record merge and L1 commit to every record,
// then propagates each one to L2 exactly as Save does: one background write
// per record, each under that record's own exclusive lock and followed by
// its own invalidation notice. No lock or round-trip is shared across the
// batch.
func (s *Service) SaveBatch(ctx context.Context, records []*entity.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	resolved := make([]*entity.Record, 0, len(records))
	for _, incoming := range records {
		r, err := s.resolveAgainstCurrent(ctx, incoming)
		if err != nil {
			return err
		}
		resolved = append(resolved, r)
	}
	for _, r := range resolved {
		s.l1.Put(r)
	}
	for _, r := range resolved {
		s.propagateToL2(r)
	}
	return nil
}

func (s *Service) resolveAgainstCurrent(ctx context.Context, incoming *entity.Record) (*entity.Record, error) {
	current := s.l1.Get(incoming.UUID)
	if current == nil {
		fromL2, ok, err := s.cfg.L2.Get(ctx, incoming.UUID)
		if err != nil {
			s.log.WithError(err).Warn("l2 lookup during save failed, falling back to db")
		} else if ok {
			current = fromL2
		}
	}
	if current == nil {
		fromDB, ok, err := s.cfg.DB.FindByKey(ctx, incoming.UUID)
		if err != nil {
			return nil, &ResourceError{Op: "save", Err: err}
		}
		if ok {
			current = fromDB
		}
	}
	return resolve(current, incoming, time.Now()), nil
}

// propagateToL2 writes r to the shared tier under the entity's exclusive
// lock, detached from the caller's context since this runs after Save has
// already returned. Failures are logged, not surfaced — L2 propagation is
// best-effort; the next L1->L2 sync cycle will retry.
func (s *Service) propagateToL2(r *entity.Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockWaitTimeout+s.cfg.LockHoldTimeout)
		defer cancel()

		handle, err := s.cfg.L2.Acquire(ctx, s.cfg.L2.DataKey(r.UUID), tiercache.Exclusive, s.cfg.LockWaitTimeout, s.cfg.LockHoldTimeout)
		if err != nil {
			s.log.WithError(err).WithField("uuid", r.UUID).Warn("l2 propagation lock failed")
			return
		}
		defer handle.Release(ctx)

		if err := s.cfg.L2.Set(ctx, r, s.defaultTTLFor(r)); err != nil {
			s.log.WithError(err).WithField("uuid", r.UUID).Warn("l2 propagation write failed")
			return
		}

		if s.cfg.Invalidation != nil {
			if err := s.cfg.Invalidation.Publish(r.UUID); err != nil {
				s.log.WithError(err).WithField("uuid", r.UUID).Warn("invalidation broadcast failed")
			}
		}
	}()
}

// InvalidateLocal drops uuid from this node's L1 cache. Intended as the
// handler passed to invalidation.Broadcaster.Subscribe, so a write on
// another node evicts this node's stale copy.
func (s *Service) InvalidateLocal(uuid string) {
	s.l1.Invalidate(uuid)
}

// FindByType queries the DB tier for every record of entityType. Records
// that exist only in L1 and have never propagated are not guaranteed to be
// included.
func (s *Service) FindByType(ctx context.Context, entityType string) ([]*entity.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out, err := s.cfg.DB.FindAll(ctx, entityType)
	if err != nil {
		return nil, &ResourceError{Op: "findByType", Err: err}
	}
	return out, nil
}

// FindByAttribute queries the DB tier's attribute index.
func (s *Service) FindByAttribute(ctx context.Context, key, value string, sparse bool) ([]*entity.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out, err := s.cfg.DB.FindByField(ctx, key, value, sparse)
	if err != nil {
		return nil, &ResourceError{Op: "findByAttribute", Err: err}
	}
	return out, nil
}

// FindByRelationship queries the DB tier for records whose relType set
// contains targetUUID.
func (s *Service) FindByRelationship(ctx context.Context, relType, targetUUID string) ([]*entity.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out, err := s.cfg.DB.FindByRelationship(ctx, relType, targetUUID)
	if err != nil {
		return nil, &ResourceError{Op: "findByRelationship", Err: err}
	}
	return out, nil
}

// FindByMultipleRelationships evaluates criteria under mode against every
// DB-resident record of entityType, using relationship.FilterMatching's
// short-circuit evaluator.
func (s *Service) FindByMultipleRelationships(ctx context.Context, entityType string, mode relationship.Mode, criteria []relationship.Criterion) ([]*entity.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	candidates, err := s.cfg.DB.FindAll(ctx, entityType)
	if err != nil {
		return nil, &ResourceError{Op: "findByMultipleRelationships", Err: err}
	}
	return relationship.FilterMatching(candidates, mode, criteria), nil
}

// AddRelationship mutates rec's relationship set in memory only; the
// caller must Save (or SaveBatch) for the change to propagate.
func (s *Service) AddRelationship(rec *entity.Record, relType, target string) {
	rec.AddRelationship(relType, target)
}

// RemoveRelationship mutates rec's relationship set in memory only; the
// caller must Save for the change to propagate.
func (s *Service) RemoveRelationship(rec *entity.Record, relType, target string) {
	rec.RemoveRelationship(relType, target)
}

// CreateBidirectionalRelationship fetches both records, applies typeAB to
// a->b and typeBA to b->a on working copies, and saves both in one batch.
// If typeAB == typeBA this expresses a symmetric relation; otherwise an
// inverse pair. Neither record is mutated until both merges succeed, so a
// failed save leaves no partial relationship behind.
func (s *Service) CreateBidirectionalRelationship(ctx context.Context, aUUID, bUUID, typeAB, typeBA string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	a, err := s.requireRecord(ctx, aUUID)
	if err != nil {
		return err
	}
	b, err := s.requireRecord(ctx, bUUID)
	if err != nil {
		return err
	}

	aWork := a.Clone()
	bWork := b.Clone()
	aWork.AddRelationship(typeAB, bUUID)
	bWork.AddRelationship(typeBA, aUUID)

	return s.SaveBatch(ctx, []*entity.Record{aWork, bWork})
}

// CreateNDirectional applies a declarative batch of uuid -> (relType ->
// targets) assignments in memory, then saves every touched record in one
// batch.
func (s *Service) CreateNDirectional(ctx context.Context, assignments map[string]map[string][]string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var touched []*entity.Record
	for uuid, byType := range assignments {
		rec, err := s.requireRecord(ctx, uuid)
		if err != nil {
			return err
		}
		work := rec.Clone()
		for relType, targets := range byType {
			for _, target := range targets {
				work.AddRelationship(relType, target)
			}
		}
		touched = append(touched, work)
	}
	return s.SaveBatch(ctx, touched)
}

// ExecuteRelationshipTransaction runs fn against a fresh TransactionRecorder
// that buffers add/remove calls without touching any record. If fn returns
// an error, the buffer is discarded and nothing is saved. Otherwise the
// buffered ops are replayed against live records (fetched through Get) and
// every mutated record is saved in one batch.
func (s *Service) ExecuteRelationshipTransaction(ctx context.Context, fn func(*relationship.TransactionRecorder) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx := relationship.NewTransactionRecorder()
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}

	mutated, err := tx.Replay(func(uuid string) (*entity.Record, error) {
		return s.requireRecord(ctx, uuid)
	})
	if err != nil {
		return err
	}
	return s.SaveBatch(ctx, mutated)
}

func (s *Service) requireRecord(ctx context.Context, uuid string) (*entity.Record, error) {
	r, err := s.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &ResourceError{Op: "get", Err: fmt.Errorf("no record for uuid %s", uuid)}
	}
	return r, nil
}

// SetTTL applies duration to uuid's L2 key. Returns false, nil — not an
// error — if the key is absent from L2.
func (s *Service) SetTTL(ctx context.Context, uuid string, d time.Duration) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ok, err := s.cfg.TTL.SetTTLIfExists(ctx, s.cfg.L2.DataKey(uuid), d)
	if err != nil {
		return false, &ResourceError{Op: "setTTL", Err: err}
	}
	return ok, nil
}

// SetDefaultTTL applies the entity- or player-appropriate default TTL to
// uuid's L2 key, chosen by the record's entityType.
func (s *Service) SetDefaultTTL(ctx context.Context, uuid string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	r, err := s.Get(ctx, uuid)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}
	return s.SetTTL(ctx, uuid, s.defaultTTLFor(r))
}

// SetDefaultTTLForAll walks every uuid currently tracked in L2's map key
// and applies setTTLIfMissingTTL with the record's default, leaving any
// key that already carries a TTL untouched.
func (s *Service) SetDefaultTTLForAll(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	members, err := s.cfg.L2.MapMembers(ctx)
	if err != nil {
		return &ResourceError{Op: "setDefaultTTLForAll", Err: err}
	}

	for _, uuid := range members {
		r, ok, err := s.cfg.L2.Get(ctx, uuid)
		if err != nil || !ok {
			continue
		}
		if _, err := s.cfg.TTL.SetTTLIfMissingTTL(ctx, s.cfg.L2.DataKey(uuid), s.defaultTTLFor(r)); err != nil {
			s.log.WithError(err).WithField("uuid", uuid).Warn("setDefaultTTLForAll: per-key ttl failed")
		}
	}
	return nil
}

// Shutdown flushes both persistence pipelines once (auto-save on
// quiescence), unregisters the service, and marks it closed; every
// subsequent public operation returns a *ShutdownError. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	if err := s.SyncL1ToL2(ctx); err != nil {
		s.log.WithError(err).Warn("shutdown: l1->l2 flush failed")
	}
	if err := s.PersistL2ToDB(ctx, 0); err != nil {
		s.log.WithError(err).Warn("shutdown: l2->db flush failed")
	}
	if s.cfg.Invalidation != nil {
		if err := s.cfg.Invalidation.Close(); err != nil {
			s.log.WithError(err).Warn("shutdown: invalidation broadcaster close failed")
		}
	}
	unregister(s.cfg.ServiceName)
	return nil
}
