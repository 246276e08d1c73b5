package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"eve.evalgo.org/entity"
)

var (
	_ DocumentStore = (*MemoryStore)(nil)
	_ DocumentStore = (*MongoStore)(nil)
	_ DocumentStore = (*CouchStore)(nil)
)

func TestMemoryStoreUpsertAndFindByKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	r := entity.New("guild")
	r.SetAttribute("name", "Alpha")
	require.NoError(t, s.UpsertBatch(ctx, []*entity.Record{r}))

	got, ok, err := s.FindByKey(ctx, r.UUID)
	require.NoError(t, err)
	require.True(t, ok)
	name, _ := got.Attribute("name")
	require.Equal(t, "Alpha", name)
}

func TestMemoryStoreFindByFieldAndRelationship(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := entity.New("guild")
	a.SetAttribute("region", "eu")
	b := entity.New("guild")
	b.AddRelationship("has_member", a.UUID)

	require.NoError(t, s.UpsertBatch(ctx, []*entity.Record{a, b}))

	byAttr, err := s.FindByField(ctx, "region", "eu", false)
	require.NoError(t, err)
	require.Len(t, byAttr, 1)
	require.Equal(t, a.UUID, byAttr[0].UUID)

	byRel, err := s.FindByRelationship(ctx, "has_member", a.UUID)
	require.NoError(t, err)
	require.Len(t, byRel, 1)
	require.Equal(t, b.UUID, byRel[0].UUID)
}

func TestMemoryStoreFindByKeyMissing(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.FindByKey(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}
