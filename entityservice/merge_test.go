package entityservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eve.evalgo.org/entity"
)

func TestResolveAbsentCurrentWritesAsIs(t *testing.T) {
	incoming := entity.New("guild")
	incoming.SetAttribute("name", "Alpha")

	out := resolve(nil, incoming, time.Now())
	require.Equal(t, incoming.UUID, out.UUID)
	name, _ := out.Attribute("name")
	require.Equal(t, "Alpha", name)
}

func TestResolveHigherVersionOverwrites(t *testing.T) {
	current := entity.New("guild")
	current.Version = 3
	current.SetAttribute("x", "old")

	incoming := current.Clone()
	incoming.Version = 5
	incoming.SetAttribute("x", "new")

	out := resolve(current, incoming, time.Now())
	require.EqualValues(t, 5, out.Version)
	x, _ := out.Attribute("x")
	require.Equal(t, "new", x)
}

func TestResolveSameVersionNewerTimestampBumpsVersion(t *testing.T) {
	now := time.Now()
	current := entity.New("guild")
	current.Version = 2
	current.LastModifiedTime = now.UnixMilli()

	incoming := current.Clone()
	incoming.LastModifiedTime = now.Add(time.Second).UnixMilli()
	incoming.SetAttribute("y", "new")

	out := resolve(current, incoming, now.Add(2*time.Second))
	require.EqualValues(t, 3, out.Version)
}

func TestResolveMergesDisjointAttributesAndRelationships(t *testing.T) {
	now := time.Now()
	current := entity.New("guild")
	current.Version = 1
	current.LastModifiedTime = now.UnixMilli()
	current.SetAttribute("x", "A")
	current.AddRelationship("has_member", "p1")

	// Same version, same or older lastModifiedTime than current -> merge
	// path (not the "newer wins outright" path).
	incoming := entity.NewWithUUID(current.UUID, "guild")
	incoming.Version = 1
	incoming.LastModifiedTime = now.UnixMilli()
	incoming.SetAttribute("z", "Z")
	incoming.AddRelationship("has_member", "p2")

	out := resolve(current, incoming, now.Add(time.Second))
	x, _ := out.Attribute("x")
	z, _ := out.Attribute("z")
	require.Equal(t, "A", x)
	require.Equal(t, "Z", z)
	require.ElementsMatch(t, []string{"p1", "p2"}, out.RelatedEntities("has_member"))
	require.EqualValues(t, 2, out.Version)
}

func TestResolveMergeBreaksAttributeTiesByLastModifiedTime(t *testing.T) {
	now := time.Now()
	current := entity.NewWithUUID("u1", "guild")
	current.Version = 1
	current.LastModifiedTime = now.UnixMilli()
	current.SetAttribute("x", "fromCurrent")

	incoming := entity.NewWithUUID("u1", "guild")
	incoming.Version = 1
	incoming.LastModifiedTime = now.UnixMilli() // equal, so merge path
	incoming.SetAttribute("x", "fromIncoming")

	out := resolve(current, incoming, now.Add(time.Second))
	// Equal timestamps: current keeps its own value for a disputed key.
	x, _ := out.Attribute("x")
	require.Equal(t, "fromCurrent", x)
}

func TestResolveMergeIsCommutative(t *testing.T) {
	now := time.Now()
	base := entity.NewWithUUID("u1", "guild")
	base.Version = 0
	base.LastModifiedTime = now.UnixMilli()

	a := base.Clone()
	a.Version = 0
	a.LastModifiedTime = now.UnixMilli()
	a.SetAttribute("x", "A")

	b := base.Clone()
	b.Version = 0
	b.LastModifiedTime = now.UnixMilli()
	b.SetAttribute("y", "Y")

	ab := merge(a, b, now.Add(time.Second))
	ba := merge(b, a, now.Add(time.Second))

	require.Equal(t, ab.Attributes, ba.Attributes)
	require.Equal(t, ab.Version, ba.Version)
}

func TestResolveNeverDropsFields(t *testing.T) {
	now := time.Now()
	current := entity.NewWithUUID("u1", "guild")
	current.Version = 1
	current.LastModifiedTime = now.UnixMilli()
	current.SetAttribute("keep", "me")

	incoming := entity.NewWithUUID("u1", "guild")
	incoming.Version = 1
	incoming.LastModifiedTime = now.UnixMilli()

	out := resolve(current, incoming, now.Add(time.Second))
	keep, ok := out.Attribute("keep")
	require.True(t, ok)
	require.Equal(t, "me", keep)
}
