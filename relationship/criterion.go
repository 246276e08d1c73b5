// Package relationship implements the multi-criterion query evaluator and
// the transaction recorder used by entityservice to apply batches of
// relationship edits.
package relationship

import "eve.evalgo.org/entity"

// Criterion is a single (relationshipType, targetUUID, negated?) term used
// in multi-criterion queries.
type Criterion struct {
	Type    string
	Target  string
	Negated bool
}

// Mode selects conjunctive vs disjunctive evaluation.
type Mode int

const (
	AND Mode = iota
	OR
)

// Matches evaluates criteria against r under the given mode, short-
// circuiting on the first criterion that decides the outcome:
//   - AND: short-circuits false on the first failing non-negated criterion,
//     or on the first satisfied negated criterion.
//   - OR: short-circuits true on the first satisfied non-negated criterion.
func Matches(r *entity.Record, mode Mode, criteria []Criterion) bool {
	switch mode {
	case OR:
		for _, c := range criteria {
			holds := r.HasRelationship(c.Type, c.Target)
			if !c.Negated && holds {
				return true
			}
		}
		return false

	default: // AND
		for _, c := range criteria {
			holds := r.HasRelationship(c.Type, c.Target)
			if c.Negated && holds {
				return false
			}
			if !c.Negated && !holds {
				return false
			}
		}
		return true
	}
}

// FilterMatching returns the subset of records matching the criteria under
// mode, preserving input order.
func FilterMatching(records []*entity.Record, mode Mode, criteria []Criterion) []*entity.Record {
	var out []*entity.Record
	for _, r := range records {
		if Matches(r, mode, criteria) {
			out = append(out, r)
		}
	}
	return out
}
