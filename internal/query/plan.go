package query

import (
	"sort"

	"github.com/kartikbazzad/durabase/internal/util"
	"github.com/kartikbazzad/durabase/schema"
)

// Filter is one conjunct predicate: field op value.
type Filter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// SortKey orders results by one field.
type SortKey struct {
	Field string `json:"field"`
	Dir   string `json:"dir"`
}

// Query is a structured, bounded query.
type Query struct {
	Collection    string
	SchemaID      string
	SchemaVersion string
	Filter        []Filter
	Sort          []SortKey
	Limit         int
}

// Plan is the deterministic execution plan. It is a pure function of the
// query, the schema registry, and the index set; identical inputs produce a
// byte-identical plan.
type Plan struct {
	Collection     string   `json:"collection"`
	SchemaID       string   `json:"schema_id"`
	SchemaVersion  string   `json:"schema_version"`
	ChosenIndex    string   `json:"chosen_index"`
	IndexPredicate Filter   `json:"index_predicate"`
	ResidualFilters []Filter `json:"residual_filters"`
	Sort           []SortKey `json:"sort"`
	Limit          int      `json:"limit"`
}

// Filter operators accepted on the wire.
var validOps = map[string]bool{"eq": true, "gt": true, "gte": true, "lt": true, "lte": true}

// Planner builds plans. Rule-based, no cost model: a fixed, documented
// priority (primary key first, then declared index order) breaks ties.
type Planner struct {
	reg *schema.Registry
}

// NewPlanner creates a planner over the schema registry.
func NewPlanner(reg *schema.Registry) *Planner {
	return &Planner{reg: reg}
}

// Plan builds the execution plan for q.
//
// Rules, in order:
//  1. A missing or zero limit is rejected: UnboundedQuery.
//  2. The chosen index is the highest-priority indexed field appearing in
//     the filter; priority is _id first, then schema declaration order.
//  3. No indexed filter field at all is rejected: UnboundedQuery. There are
//     no full scans.
func (p *Planner) Plan(q *Query) (*Plan, error) {
	if q.Limit <= 0 {
		return nil, util.Reject(util.CodeUnboundedQuery, "query requires a positive limit")
	}
	if q.Collection == "" {
		return nil, util.Reject(util.CodeInvalidRequest, "query requires a collection")
	}
	for _, f := range q.Filter {
		if !validOps[f.Op] {
			return nil, util.Rejectf(util.CodeInvalidRequest, "unknown filter operator %q", f.Op)
		}
	}
	for _, s := range q.Sort {
		if s.Dir != "" && s.Dir != "asc" && s.Dir != "desc" {
			return nil, util.Rejectf(util.CodeInvalidRequest, "unknown sort direction %q", s.Dir)
		}
	}

	sch, err := p.reg.Get(q.SchemaID, q.SchemaVersion)
	if err != nil {
		return nil, err
	}

	// Index priority: primary key, then declared index order.
	priority := append([]string{"_id"}, sch.IndexedFields()...)

	chosen := -1
	var chosenField string
	for _, field := range priority {
		for i, f := range q.Filter {
			if f.Field == field {
				chosen = i
				chosenField = field
				break
			}
		}
		if chosen >= 0 {
			break
		}
	}
	if chosen < 0 {
		return nil, util.Reject(util.CodeUnboundedQuery,
			"no filter field is indexed; unbounded scans are not executed")
	}

	residual := make([]Filter, 0, len(q.Filter)-1)
	for i, f := range q.Filter {
		if i != chosen {
			residual = append(residual, f)
		}
	}

	sortKeys := make([]SortKey, len(q.Sort))
	for i, s := range q.Sort {
		dir := s.Dir
		if dir == "" {
			dir = "asc"
		}
		sortKeys[i] = SortKey{Field: s.Field, Dir: dir}
	}

	return &Plan{
		Collection:      q.Collection,
		SchemaID:        q.SchemaID,
		SchemaVersion:   q.SchemaVersion,
		ChosenIndex:     chosenField,
		IndexPredicate:  q.Filter[chosen],
		ResidualFilters: residual,
		Sort:            sortKeys,
		Limit:           q.Limit,
	}, nil
}

// sortDocuments stable-sorts docs by the plan's sort keys using the fixed
// value ranking. Missing fields rank as null, below every present value.
func sortDocuments(docs []map[string]interface{}, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			c := CompareValues(docs[i][k.Field], docs[j][k.Field])
			if c == 0 {
				continue
			}
			if k.Dir == "desc" {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
