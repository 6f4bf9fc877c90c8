package query

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kartikbazzad/durabase/internal/util"
	"github.com/kartikbazzad/durabase/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.LoadDir(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	err = reg.Register(&schema.Schema{
		ID:      "user",
		Version: "v1",
		Fields: []schema.Field{
			{Name: "_id", Type: schema.TypeString, Required: true},
			{Name: "age", Type: schema.TypeInt64, Required: true, Indexed: true},
			{Name: "city", Type: schema.TypeString, Indexed: true},
			{Name: "name", Type: schema.TypeString},
		},
	})
	if err != nil {
		t.Fatalf("Failed to register schema: %v", err)
	}
	return reg
}

func baseQuery() *Query {
	return &Query{
		Collection:    "users",
		SchemaID:      "user",
		SchemaVersion: "v1",
		Filter:        []Filter{{Field: "age", Op: "gte", Value: json.Number("18")}},
		Sort:          []SortKey{{Field: "age", Dir: "asc"}},
		Limit:         10,
	}
}

func TestPlanRequiresLimit(t *testing.T) {
	p := NewPlanner(testRegistry(t))

	q := baseQuery()
	q.Limit = 0
	_, err := p.Plan(q)
	if e, ok := util.AsError(err); !ok || e.Code != util.CodeUnboundedQuery {
		t.Errorf("expected UnboundedQuery for zero limit, got %v", err)
	}
}

func TestPlanRequiresIndexedFilter(t *testing.T) {
	p := NewPlanner(testRegistry(t))

	q := baseQuery()
	q.Filter = []Filter{{Field: "name", Op: "eq", Value: "Ada"}}
	_, err := p.Plan(q)
	if e, ok := util.AsError(err); !ok || e.Code != util.CodeUnboundedQuery {
		t.Errorf("expected UnboundedQuery for unindexed filter, got %v", err)
	}
}

func TestPlanPrimaryKeyWinsTies(t *testing.T) {
	p := NewPlanner(testRegistry(t))

	q := baseQuery()
	q.Filter = []Filter{
		{Field: "age", Op: "gte", Value: json.Number("18")},
		{Field: "_id", Op: "eq", Value: "u1"},
		{Field: "city", Op: "eq", Value: "Pune"},
	}
	plan, err := p.Plan(q)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.ChosenIndex != "_id" {
		t.Errorf("expected primary key index, got %q", plan.ChosenIndex)
	}
	if len(plan.ResidualFilters) != 2 {
		t.Fatalf("expected 2 residual filters, got %d", len(plan.ResidualFilters))
	}
	// Residuals keep their original order.
	if plan.ResidualFilters[0].Field != "age" || plan.ResidualFilters[1].Field != "city" {
		t.Errorf("residual order wrong: %+v", plan.ResidualFilters)
	}
}

func TestPlanDeclaredIndexOrderBreaksTies(t *testing.T) {
	p := NewPlanner(testRegistry(t))

	// city appears first in the filter, but age is declared first.
	q := baseQuery()
	q.Filter = []Filter{
		{Field: "city", Op: "eq", Value: "Pune"},
		{Field: "age", Op: "gte", Value: json.Number("18")},
	}
	plan, err := p.Plan(q)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.ChosenIndex != "age" {
		t.Errorf("expected declared-order winner age, got %q", plan.ChosenIndex)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	p := NewPlanner(testRegistry(t))

	p1, err := p.Plan(baseQuery())
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	p2, err := p.Plan(baseQuery())
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	b1, _ := json.Marshal(p1)
	b2, _ := json.Marshal(p2)
	if string(b1) != string(b2) {
		t.Errorf("plans differ:\n%s\n%s", b1, b2)
	}
}

func TestPlanRejectsUnknownOperator(t *testing.T) {
	p := NewPlanner(testRegistry(t))

	q := baseQuery()
	q.Filter = []Filter{{Field: "age", Op: "ne", Value: json.Number("18")}}
	_, err := p.Plan(q)
	if e, ok := util.AsError(err); !ok || e.Code != util.CodeInvalidRequest {
		t.Errorf("expected InvalidRequest for unknown operator, got %v", err)
	}
}

func TestPlanUnknownSchemaPassesThrough(t *testing.T) {
	p := NewPlanner(testRegistry(t))

	q := baseQuery()
	q.SchemaID = "order"
	_, err := p.Plan(q)
	if e, ok := util.AsError(err); !ok || e.Code != util.CodeUnknownSchema {
		t.Errorf("expected UnknownSchema, got %v", err)
	}
}

func TestCompareValuesRanking(t *testing.T) {
	// Null < Bool < Number < String < Array < Object
	ordered := []interface{}{
		nil,
		false,
		true,
		json.Number("1"),
		json.Number("2.5"),
		"a",
		"b",
		[]interface{}{json.Number("1")},
		map[string]interface{}{"a": json.Number("1")},
	}
	for i := 0; i < len(ordered)-1; i++ {
		if CompareValues(ordered[i], ordered[i+1]) >= 0 {
			t.Errorf("position %d: %v should order before %v", i, ordered[i], ordered[i+1])
		}
	}
}

func TestStrictEqualNoCoercion(t *testing.T) {
	if StrictEqual("1", json.Number("1")) {
		t.Error("string and number must not match")
	}
	if StrictEqual(nil, nil) {
		t.Error("nulls never match")
	}
	if !StrictEqual(json.Number("30"), json.Number("30")) {
		t.Error("equal numbers must match")
	}
	if StrictEqual(true, json.Number("1")) {
		t.Error("bool and number must not match")
	}
}

func TestSortDocumentsStable(t *testing.T) {
	docs := []map[string]interface{}{
		{"_id": "a", "age": json.Number("30")},
		{"_id": "b", "age": json.Number("20")},
		{"_id": "c", "age": json.Number("30")},
	}
	sortDocuments(docs, []SortKey{{Field: "age", Dir: "asc"}})

	want := []string{"b", "a", "c"} // a before c: stable for equal keys
	for i, id := range want {
		if docs[i]["_id"] != id {
			t.Errorf("position %d: expected %s, got %v", i, id, docs[i]["_id"])
		}
	}

	sortDocuments(docs, []SortKey{{Field: "age", Dir: "desc"}})
	if docs[0]["age"] != json.Number("30") || docs[2]["age"] != json.Number("20") {
		t.Errorf("desc sort wrong: %v", docs)
	}

	if diff := cmp.Diff("b", docs[2]["_id"]); diff != "" {
		t.Errorf("desc sort moved the wrong document (-want +got):\n%s", diff)
	}
}
