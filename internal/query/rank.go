// Package query implements the deterministic planner and executor.
//
// Queries are conjunctions of typed predicates over indexed and residual
// fields. The planner is rule-based and pure: the same query against the
// same schema registry and index set produces a byte-identical plan. The
// executor retrieves bounded candidates through the chosen index, verifies
// and filters them, and stable-sorts with a fixed cross-type value ranking.
package query

import (
	"encoding/json"
	"sort"
	"strings"
)

// Cross-type value ranking: Null < Bool < Number < String < Array < Object.
const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankArray
	rankObject
)

// TypeRank returns the sort rank of a decoded JSON value.
func TypeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case json.Number, float64, int64, int:
		return rankNumber
	case string:
		return rankString
	case []interface{}:
		return rankArray
	case map[string]interface{}:
		return rankObject
	default:
		return rankObject
	}
}

// CompareValues imposes a total, deterministic order over decoded JSON
// values. Values of different types order by rank; numbers order naturally,
// strings lexicographically, bools false before true, arrays elementwise,
// objects by sorted key then value.
func CompareValues(a, b interface{}) int {
	ra, rb := TypeRank(a), TypeRank(b)
	if ra != rb {
		return intCompare(ra, rb)
	}

	switch ra {
	case rankNull:
		return 0
	case rankBool:
		av, bv := a.(bool), b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case rankNumber:
		return numberCompare(a, b)
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankArray:
		av, bv := a.([]interface{}), b.([]interface{})
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := CompareValues(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return intCompare(len(av), len(bv))
	case rankObject:
		return objectCompare(a.(map[string]interface{}), b.(map[string]interface{}))
	default:
		return 0
	}
}

// StrictEqual reports value equality with no coercion across JSON kinds.
// Nulls never match anything, including other nulls.
func StrictEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	if TypeRank(a) != TypeRank(b) {
		return false
	}
	return CompareValues(a, b) == 0
}

func objectCompare(a, b map[string]interface{}) int {
	ak := sortedKeys(a)
	bk := sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return intCompare(len(ak), len(bk))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// numberCompare compares two numeric values. Integer pairs compare exactly;
// mixed pairs compare as float64.
func numberCompare(a, b interface{}) int {
	ai, aok := toInt64(a)
	bi, bok := toInt64(b)
	if aok && bok {
		if ai < bi {
			return -1
		}
		if ai > bi {
			return 1
		}
		return 0
	}

	af := toFloat64(a)
	bf := toFloat64(b)
	if af < bf {
		return -1
	}
	if af > bf {
		return 1
	}
	return 0
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func intCompare(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
