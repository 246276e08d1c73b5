package entityservice

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/entity"
	"eve.evalgo.org/relationship"
	"eve.evalgo.org/store"
	"eve.evalgo.org/tiercache"
	"eve.evalgo.org/ttl"
)

var testServiceCounter int64

func uniqueServiceName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-svc-%d-%d", time.Now().UnixNano(), atomic.AddInt64(&testServiceCounter, 1))
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	l2, err := tiercache.NewL2("redis://"+mr.Addr(), uniqueServiceName(t))
	require.NoError(t, err)
	t.Cleanup(func() { l2.Close() })

	svc, err := New(Config{
		ServiceName: uniqueServiceName(t),
		L1:          tiercache.L1Config{MaxEntries: 100},
		L2:          l2,
		DB:          store.NewMemoryStore(),
		TTL:         ttl.New(l2.Client),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}

func TestServiceConstructionRejectsDuplicateName(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	l2, err := tiercache.NewL2("redis://"+mr.Addr(), "dup")
	require.NoError(t, err)
	defer l2.Close()

	name := uniqueServiceName(t)
	cfg := Config{ServiceName: name, L2: l2, DB: store.NewMemoryStore(), TTL: ttl.New(l2.Client)}

	first, err := New(cfg)
	require.NoError(t, err)
	defer first.Shutdown(context.Background())

	_, err = New(cfg)
	require.Error(t, err)
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestServiceConstructionRequiresCollaborators(t *testing.T) {
	_, err := New(Config{ServiceName: uniqueServiceName(t)})
	require.Error(t, err)
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestServiceCreateReturnsFreshRecordWhenAbsent(t *testing.T) {
	svc := newTestService(t)
	rec, err := svc.Create(context.Background(), "new-uuid", "guild")
	require.NoError(t, err)
	require.Equal(t, "new-uuid", rec.UUID)
	require.Equal(t, "guild", rec.EntityType)
}

func TestServiceSaveThenGetReadsThroughL1(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	r := entity.New("guild")
	r.SetAttribute("name", "Alpha")
	require.NoError(t, svc.Save(ctx, r))

	got, err := svc.Get(ctx, r.UUID)
	require.NoError(t, err)
	require.NotNil(t, got)
	name, _ := got.Attribute("name")
	require.Equal(t, "Alpha", name)
}

func TestServiceGetPromotesFromDBIntoL1(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	r := entity.New("guild")
	r.SetAttribute("name", "FromDB")
	require.NoError(t, svc.cfg.DB.UpsertBatch(ctx, []*entity.Record{r}))

	require.Nil(t, svc.l1.Get(r.UUID))

	got, err := svc.Get(ctx, r.UUID)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NotNil(t, svc.l1.Get(r.UUID))
}

func TestServiceGetMissingReturnsNilNil(t *testing.T) {
	svc := newTestService(t)
	got, err := svc.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestServiceSaveMergesAgainstDBWhenL1AndL2BothMiss(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	existing := entity.New("guild")
	existing.SetAttribute("name", "Original")
	existing.Version = 5
	require.NoError(t, svc.cfg.DB.UpsertBatch(ctx, []*entity.Record{existing}))

	require.Nil(t, svc.l1.Get(existing.UUID))
	_, ok, err := svc.cfg.L2.Get(ctx, existing.UUID)
	require.NoError(t, err)
	require.False(t, ok)

	stale := existing.Clone()
	stale.Version = 0
	stale.SetAttribute("badge", "newcomer")
	require.NoError(t, svc.Save(ctx, stale))

	got, err := svc.Get(ctx, existing.UUID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Greater(t, got.Version, uint64(5))
	name, _ := got.Attribute("name")
	require.Equal(t, "Original", name)
	badge, _ := got.Attribute("badge")
	require.Equal(t, "newcomer", badge)
}

func TestServiceOperationsFailAfterShutdown(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background())) // idempotent

	_, err := svc.Get(context.Background(), "x")
	var shutdownErr *ShutdownError
	require.ErrorAs(t, err, &shutdownErr)
}

func TestServiceCreateBidirectionalRelationship(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := entity.New("guild")
	b := entity.New("guild")
	require.NoError(t, svc.SaveBatch(ctx, []*entity.Record{a, b}))

	require.NoError(t, svc.CreateBidirectionalRelationship(ctx, a.UUID, b.UUID, "parent", "child"))

	gotA, err := svc.Get(ctx, a.UUID)
	require.NoError(t, err)
	require.True(t, gotA.HasRelationship("parent", b.UUID))

	gotB, err := svc.Get(ctx, b.UUID)
	require.NoError(t, err)
	require.True(t, gotB.HasRelationship("child", a.UUID))
}

func TestServiceCreateNDirectional(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := entity.New("guild")
	b := entity.New("guild")
	c := entity.New("guild")
	require.NoError(t, svc.SaveBatch(ctx, []*entity.Record{a, b, c}))

	err := svc.CreateNDirectional(ctx, map[string]map[string][]string{
		a.UUID: {"has_member": {b.UUID, c.UUID}},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, a.UUID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{b.UUID, c.UUID}, got.RelatedEntities("has_member"))
}

func TestServiceExecuteRelationshipTransactionCommitsOnSuccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := entity.New("guild")
	b := entity.New("guild")
	require.NoError(t, svc.SaveBatch(ctx, []*entity.Record{a, b}))

	err := svc.ExecuteRelationshipTransaction(ctx, func(tx *relationship.TransactionRecorder) error {
		tx.AddRelationship(a.UUID, "has_member", b.UUID)
		return nil
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, a.UUID)
	require.NoError(t, err)
	require.True(t, got.HasRelationship("has_member", b.UUID))
}

func TestServiceExecuteRelationshipTransactionDiscardsOnFnError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := entity.New("guild")
	require.NoError(t, svc.Save(ctx, a))

	err := svc.ExecuteRelationshipTransaction(ctx, func(tx *relationship.TransactionRecorder) error {
		tx.AddRelationship(a.UUID, "has_member", "someone")
		return fmt.Errorf("caller aborted")
	})
	require.Error(t, err)

	got, err := svc.Get(ctx, a.UUID)
	require.NoError(t, err)
	require.False(t, got.HasRelationship("has_member", "someone"))
}

func TestServiceSetTTLReturnsFalseForMissingKey(t *testing.T) {
	svc := newTestService(t)
	ok, err := svc.SetTTL(context.Background(), "nope", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServiceFindByMultipleRelationshipsAND(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := entity.New("guild")
	a.AddRelationship("has_member", "p1")
	a.AddRelationship("has_member", "p2")
	b := entity.New("guild")
	b.AddRelationship("has_member", "p1")

	require.NoError(t, svc.cfg.DB.UpsertBatch(ctx, []*entity.Record{a, b}))

	out, err := svc.FindByMultipleRelationships(ctx, "guild", relationship.AND, []relationship.Criterion{
		{Type: "has_member", Target: "p1"},
		{Type: "has_member", Target: "p2"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, a.UUID, out[0].UUID)
}
