package relationship

import (
	"fmt"

	"eve.evalgo.org/entity"
)

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

type op struct {
	kind   opKind
	src    string
	relType string
	target string
}

// TransactionRecorder buffers add/remove relationship calls without
// touching any record, then replays them against live records on Replay.
// Per the specification (§4.4) and the resolved Open Question in
// SPEC_FULL.md §9, replay aborts on the first per-record failure; already-
// applied mutations in that replay pass are not rolled back.
type TransactionRecorder struct {
	ops []op
}

// NewTransactionRecorder returns an empty recorder.
func NewTransactionRecorder() *TransactionRecorder {
	return &TransactionRecorder{}
}

// AddRelationship buffers an add; nothing is mutated until Replay.
func (t *TransactionRecorder) AddRelationship(src, relType, target string) {
	t.ops = append(t.ops, op{kind: opAdd, src: src, relType: relType, target: target})
}

// RemoveRelationship buffers a remove; nothing is mutated until Replay.
func (t *TransactionRecorder) RemoveRelationship(src, relType, target string) {
	t.ops = append(t.ops, op{kind: opRemove, src: src, relType: relType, target: target})
}

// AffectedUUIDs returns the distinct source uuids touched by the buffered
// ops, in first-seen order, so a caller can batch-fetch them before Replay.
func (t *TransactionRecorder) AffectedUUIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, o := range t.ops {
		if _, ok := seen[o.src]; ok {
			continue
		}
		seen[o.src] = struct{}{}
		out = append(out, o.src)
	}
	return out
}

// Replay applies every buffered op, in order, to the records returned by
// fetch. fetch is called once per distinct source uuid and its result
// cached for the remainder of the replay. On the first error from fetch,
// replay aborts and returns the error; ops already applied to other records
// in this call are not undone. On success, Replay returns every record that
// was mutated, ready for a single saveBatch call.
func (t *TransactionRecorder) Replay(fetch func(uuid string) (*entity.Record, error)) ([]*entity.Record, error) {
	cache := make(map[string]*entity.Record)

	for _, o := range t.ops {
		r, ok := cache[o.src]
		if !ok {
			fetched, err := fetch(o.src)
			if err != nil {
				return nil, fmt.Errorf("relationship: transaction replay fetch %s: %w", o.src, err)
			}
			r = fetched
			cache[o.src] = r
		}

		switch o.kind {
		case opAdd:
			r.AddRelationship(o.relType, o.target)
		case opRemove:
			r.RemoveRelationship(o.relType, o.target)
		}
	}

	out := make([]*entity.Record, 0, len(cache))
	for _, r := range cache {
		out = append(out, r)
	}
	return out, nil
}

// Discard clears the buffer without replaying, used when the caller's
// function returns an error.
func (t *TransactionRecorder) Discard() {
	t.ops = nil
}
