// Package entity defines the entity and player record model: the uuid,
// attribute map, relationship map, version, and last-modified timestamp that
// every tier of the storage hierarchy reads and writes.
package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PlayerType is the fixed entityType for player records.
const PlayerType = "player"

// Record is the entity/player record (E-rec). Attribute values are strings;
// relationships map a relationship type to a set of related entity uuids.
// Fields are exported with JSON tags matching the document/L2 serialization
// schema so a Record round-trips unknown keys via Extra.
type Record struct {
	UUID             string              `json:"uuid"`
	EntityType       string              `json:"entityType"`
	Attributes       map[string]string   `json:"attributes"`
	Relationships    map[string][]string `json:"relationships"`
	Version          uint64              `json:"version"`
	LastModifiedTime int64               `json:"lastModifiedTime"`

	// Extra preserves any fields present in a stored document that this
	// version of the schema doesn't know about, so round-tripping never
	// drops data.
	Extra map[string]json.RawMessage `json:"-"`
}

// New creates a fresh, unsaved record with a generated uuid, version 0, and
// empty attribute/relationship maps.
func New(entityType string) *Record {
	return &Record{
		UUID:             uuid.NewString(),
		EntityType:       entityType,
		Attributes:       make(map[string]string),
		Relationships:    make(map[string][]string),
		Version:          0,
		LastModifiedTime: nowMillis(),
	}
}

// NewPlayer creates a fresh, unsaved player record.
func NewPlayer() *Record {
	return New(PlayerType)
}

// NewWithUUID creates a fresh record for an already-known uuid, used by
// createIfNotExists when no existing record was found in any tier.
func NewWithUUID(id, entityType string) *Record {
	r := New(entityType)
	r.UUID = id
	return r
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Clone returns a deep copy so callers can mutate without racing the
// original held by a cache tier.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		UUID:             r.UUID,
		EntityType:       r.EntityType,
		Version:          r.Version,
		LastModifiedTime: r.LastModifiedTime,
		Attributes:       make(map[string]string, len(r.Attributes)),
		Relationships:    make(map[string][]string, len(r.Relationships)),
	}
	for k, v := range r.Attributes {
		out.Attributes[k] = v
	}
	for relType, targets := range r.Relationships {
		cp := make([]string, len(targets))
		copy(cp, targets)
		out.Relationships[relType] = cp
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// SetAttribute sets a single attribute value. Does not touch version or
// lastModifiedTime; the service layer stamps those at save time.
func (r *Record) SetAttribute(key, value string) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]string)
	}
	r.Attributes[key] = value
}

// Attribute returns an attribute value and whether it was present.
func (r *Record) Attribute(key string) (string, bool) {
	v, ok := r.Attributes[key]
	return v, ok
}

// relationshipSet materializes the relationship targets for a type as a
// lookup set, used by both the entity and relationship packages.
func (r *Record) relationshipSet(relType string) map[string]struct{} {
	set := make(map[string]struct{}, len(r.Relationships[relType]))
	for _, id := range r.Relationships[relType] {
		set[id] = struct{}{}
	}
	return set
}

// AddRelationship inserts tgt into the named relationship set. Idempotent.
func (r *Record) AddRelationship(relType, tgt string) {
	if r.Relationships == nil {
		r.Relationships = make(map[string][]string)
	}
	set := r.relationshipSet(relType)
	if _, exists := set[tgt]; exists {
		return
	}
	r.Relationships[relType] = append(r.Relationships[relType], tgt)
}

// RemoveRelationship deletes tgt from the named relationship set. Idempotent.
func (r *Record) RemoveRelationship(relType, tgt string) {
	targets, ok := r.Relationships[relType]
	if !ok {
		return
	}
	out := targets[:0]
	for _, id := range targets {
		if id != tgt {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(r.Relationships, relType)
		return
	}
	r.Relationships[relType] = out
}

// HasRelationship reports whether tgt is a member of the named relationship
// set.
func (r *Record) HasRelationship(relType, tgt string) bool {
	_, ok := r.relationshipSet(relType)[tgt]
	return ok
}

// CountRelationships returns the number of distinct targets for a
// relationship type.
func (r *Record) CountRelationships(relType string) int {
	return len(r.Relationships[relType])
}

// RelatedEntities returns a copy of the target uuids for a relationship
// type, or nil if none exist.
func (r *Record) RelatedEntities(relType string) []string {
	targets := r.Relationships[relType]
	if len(targets) == 0 {
		return nil
	}
	out := make([]string, len(targets))
	copy(out, targets)
	return out
}

// UnmarshalJSON preserves unrecognized top-level fields in Extra so
// round-tripping through a tier that doesn't know about a newer field never
// loses data.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct{ *alias }{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]struct{}{
		"uuid": {}, "entityType": {}, "attributes": {},
		"relationships": {}, "version": {}, "lastModifiedTime": {},
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		r.Extra = extra
	}
	return nil
}

// MarshalJSON emits the known fields plus any preserved Extra fields.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	known, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
