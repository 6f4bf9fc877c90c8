package query

import (
	"github.com/kartikbazzad/durabase/internal/record"
	"github.com/kartikbazzad/durabase/mvcc"
)

// CandidateSource yields storage offsets satisfying an index predicate.
// Satisfied by the index manager.
type CandidateSource interface {
	Lookup(collection, field, op string, value interface{}) []int64
}

// RecordSource reads verified records by offset. Satisfied by storage.
type RecordSource interface {
	Read(offset int64) (*record.Record, error)
}

// Visibility resolves a key under a read view. Satisfied by the MVCC store.
type Visibility interface {
	Visible(key string, view mvcc.ReadView) (mvcc.Version, bool)
}

// Executor runs plans. Execution is deterministic: the same storage and the
// same plan produce the same output sequence on every invocation.
type Executor struct {
	candidates CandidateSource
	records    RecordSource
	visibility Visibility
}

// NewExecutor wires an executor over its three sources.
func NewExecutor(candidates CandidateSource, records RecordSource, visibility Visibility) *Executor {
	return &Executor{candidates: candidates, records: records, visibility: visibility}
}

// Execute runs the plan under the read view. Pipeline, strict order:
// candidate retrieval, checksum-verified reads, tombstone skip, schema
// reference match, MVCC visibility, residual filters, stable sort, limit.
func (e *Executor) Execute(plan *Plan, view mvcc.ReadView) ([]map[string]interface{}, error) {
	pred := plan.IndexPredicate
	offsets := e.candidates.Lookup(plan.Collection, plan.ChosenIndex, pred.Op, pred.Value)

	var results []map[string]interface{}
	for _, offset := range offsets {
		rec, err := e.records.Read(offset)
		if err != nil {
			// Checksum failure is fatal; it passes through unchanged and is
			// never reported as an empty result.
			return nil, err
		}

		if rec.Type == record.TypeDelete {
			continue
		}
		if rec.Collection != plan.Collection {
			continue
		}
		// A schema mismatch is a silent skip, not an error; collections hold
		// documents of several schema versions side by side.
		if rec.SchemaID != plan.SchemaID || rec.SchemaVersion != plan.SchemaVersion {
			continue
		}

		// The version chain decides whether this physical record is the one
		// the read view observes for its key.
		v, ok := e.visibility.Visible(rec.Key, view)
		if !ok || v.Offset != offset {
			continue
		}

		doc, err := record.DecodeDocument(rec.Document)
		if err != nil {
			return nil, err
		}

		if !matchesAll(doc, plan.ResidualFilters) {
			continue
		}
		results = append(results, doc)
	}

	sortDocuments(results, plan.Sort)

	if len(results) > plan.Limit {
		results = results[:plan.Limit]
	}
	return results, nil
}

// matchesAll applies residual filters with strict type equality: nulls never
// match and there is no coercion across JSON kinds.
func matchesAll(doc map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		if !matches(doc, f) {
			return false
		}
	}
	return true
}

func matches(doc map[string]interface{}, f Filter) bool {
	v, ok := doc[f.Field]
	if !ok || v == nil || f.Value == nil {
		return false
	}
	switch f.Op {
	case "eq":
		return StrictEqual(v, f.Value)
	case "gt", "gte", "lt", "lte":
		if TypeRank(v) != TypeRank(f.Value) {
			return false
		}
		c := CompareValues(v, f.Value)
		switch f.Op {
		case "gt":
			return c > 0
		case "gte":
			return c >= 0
		case "lt":
			return c < 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}
