package relationship

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"eve.evalgo.org/entity"
)

func TestTransactionRecorderReplayAppliesOps(t *testing.T) {
	a := entity.New("guild")
	b := entity.New("guild")
	records := map[string]*entity.Record{a.UUID: a, b.UUID: b}

	tx := NewTransactionRecorder()
	tx.AddRelationship(a.UUID, "has_member", b.UUID)
	tx.AddRelationship(b.UUID, "member_of", a.UUID)

	mutated, err := tx.Replay(func(uuid string) (*entity.Record, error) {
		return records[uuid], nil
	})
	require.NoError(t, err)
	require.Len(t, mutated, 2)

	require.True(t, a.HasRelationship("has_member", b.UUID))
	require.True(t, b.HasRelationship("member_of", a.UUID))
}

func TestTransactionRecorderReplayRemove(t *testing.T) {
	a := entity.New("guild")
	a.AddRelationship("has_member", "p1")
	records := map[string]*entity.Record{a.UUID: a}

	tx := NewTransactionRecorder()
	tx.RemoveRelationship(a.UUID, "has_member", "p1")

	_, err := tx.Replay(func(uuid string) (*entity.Record, error) {
		return records[uuid], nil
	})
	require.NoError(t, err)
	require.False(t, a.HasRelationship("has_member", "p1"))
}

func TestTransactionRecorderReplayAbortsOnFirstFailure(t *testing.T) {
	a := entity.New("guild")
	records := map[string]*entity.Record{a.UUID: a}

	tx := NewTransactionRecorder()
	tx.AddRelationship(a.UUID, "has_member", "p1")
	tx.AddRelationship("missing-uuid", "has_member", "p2")
	tx.AddRelationship(a.UUID, "has_member", "p3")

	_, err := tx.Replay(func(uuid string) (*entity.Record, error) {
		r, ok := records[uuid]
		if !ok {
			return nil, errors.New("not found")
		}
		return r, nil
	})
	require.Error(t, err)

	// The first op (against a) was already applied before the failing
	// fetch; replay does not roll it back.
	require.True(t, a.HasRelationship("has_member", "p1"))
	// The op queued after the failing fetch never ran.
	require.False(t, a.HasRelationship("has_member", "p3"))
}

func TestTransactionRecorderAffectedUUIDs(t *testing.T) {
	tx := NewTransactionRecorder()
	tx.AddRelationship("a", "has_member", "x")
	tx.AddRelationship("b", "has_member", "x")
	tx.AddRelationship("a", "has_member", "y")

	require.Equal(t, []string{"a", "b"}, tx.AffectedUUIDs())
}

func TestTransactionRecorderDiscard(t *testing.T) {
	tx := NewTransactionRecorder()
	tx.AddRelationship("a", "has_member", "x")
	tx.Discard()
	require.Empty(t, tx.AffectedUUIDs())
}
