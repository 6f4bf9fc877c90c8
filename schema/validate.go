package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/durabase/internal/util"
)

// Validate checks raw document JSON against the schema. Validation is
// strict: no implicit coercion, no nulls anywhere, no undeclared fields, no
// missing required fields, nested objects validated recursively, arrays
// homogeneous in their declared element type. Violations are Reject errors
// carrying SchemaValidationFailed.
func (s *Schema) Validate(docJSON []byte) error {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return util.Rejectf(util.CodeSchemaValidationFailed,
			"document is not valid JSON: %v", err)
	}
	if !result.Valid() {
		return util.Reject(util.CodeSchemaValidationFailed, describeViolations(result))
	}

	// JSON Schema typing covers declared fields; the null rejection is
	// global and includes nulls inside untyped positions, so walk the value
	// tree once more.
	var doc interface{}
	dec := json.NewDecoder(strings.NewReader(string(docJSON)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return util.Rejectf(util.CodeSchemaValidationFailed,
			"document is not valid JSON: %v", err)
	}
	if path, found := findNull(doc, "$"); found {
		return util.Rejectf(util.CodeSchemaValidationFailed,
			"null value at %s: nulls are rejected", path)
	}

	return nil
}

// describeViolations renders validation errors deterministically.
func describeViolations(result *gojsonschema.Result) string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// findNull walks a decoded JSON value and returns the path of the first null.
func findNull(v interface{}, path string) (string, bool) {
	switch val := v.(type) {
	case nil:
		return path, true
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if p, found := findNull(val[k], path+"."+k); found {
				return p, true
			}
		}
	case []interface{}:
		for i, item := range val {
			if p, found := findNull(item, fmt.Sprintf("%s[%d]", path, i)); found {
				return p, true
			}
		}
	}
	return "", false
}
