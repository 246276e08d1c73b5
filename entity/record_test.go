package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUUIDAndZeroVersion(t *testing.T) {
	r := New("guild")
	assert.NotEmpty(t, r.UUID)
	assert.Equal(t, "guild", r.EntityType)
	assert.Equal(t, uint64(0), r.Version)
	assert.NotNil(t, r.Attributes)
	assert.NotNil(t, r.Relationships)
}

func TestNewPlayerFixedType(t *testing.T) {
	r := NewPlayer()
	assert.Equal(t, PlayerType, r.EntityType)
}

func TestAddRelationshipIdempotent(t *testing.T) {
	r := New("guild")
	r.AddRelationship("member_of", "A")
	r.AddRelationship("member_of", "A")
	assert.Equal(t, 1, r.CountRelationships("member_of"))
	assert.True(t, r.HasRelationship("member_of", "A"))
}

func TestRemoveRelationshipAfterAddRestoresPreAddState(t *testing.T) {
	r := New("guild")
	before := r.CountRelationships("member_of")
	r.AddRelationship("member_of", "A")
	r.RemoveRelationship("member_of", "A")
	assert.Equal(t, before, r.CountRelationships("member_of"))
	assert.False(t, r.HasRelationship("member_of", "A"))
}

func TestRemoveRelationshipMissingTypeIsNoop(t *testing.T) {
	r := New("guild")
	assert.NotPanics(t, func() { r.RemoveRelationship("nope", "A") })
}

func TestCloneIsIndependent(t *testing.T) {
	r := New("guild")
	r.SetAttribute("name", "Alpha")
	r.AddRelationship("member_of", "A")

	clone := r.Clone()
	clone.SetAttribute("name", "Beta")
	clone.AddRelationship("member_of", "B")

	name, _ := r.Attribute("name")
	assert.Equal(t, "Alpha", name)
	assert.Equal(t, 1, r.CountRelationships("member_of"))
	assert.Equal(t, 2, clone.CountRelationships("member_of"))
}

func TestJSONRoundTripPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"uuid": "u1",
		"entityType": "guild",
		"attributes": {"name": "Alpha"},
		"relationships": {"member_of": ["A"]},
		"version": 3,
		"lastModifiedTime": 1000,
		"futureField": "keep-me"
	}`)

	var r Record
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, "u1", r.UUID)
	assert.Equal(t, uint64(3), r.Version)
	require.Contains(t, r.Extra, "futureField")

	out, err := json.Marshal(r)
	require.NoError(t, err)

	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, "keep-me", roundTripped["futureField"])
}

func TestRelatedEntitiesReturnsCopy(t *testing.T) {
	r := New("guild")
	r.AddRelationship("member_of", "A")
	got := r.RelatedEntities("member_of")
	got[0] = "mutated"
	assert.True(t, r.HasRelationship("member_of", "A"))
}
