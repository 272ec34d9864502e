// Package match evaluates filter expressions against documents and
// classifies mutations into deltas. It is independent of storage: all
// evaluation happens on in-memory documents.
package match

import (
	"fmt"
	"log"
	"reflect"
	"strings"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// Matches reports whether the document satisfies the filter. An empty or
// nil filter matches everything. Unknown operators fail the match and are
// logged; they never panic into the caller.
func Matches(doc model.Document, where model.Where) bool {
	if len(where) == 0 {
		return true
	}

	// Top-level keys combine as AND.
	for key, cond := range where {
		var ok bool
		switch key {
		case "and":
			ok = matchAll(doc, cond)
		case "or":
			ok = matchAny(doc, cond)
		default:
			ok = matchField(doc, key, cond)
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchAll(doc model.Document, cond interface{}) bool {
	branches, ok := branchList(cond)
	if !ok {
		return false
	}
	for _, branch := range branches {
		if !Matches(doc, branch) {
			return false
		}
	}
	return true
}

func matchAny(doc model.Document, cond interface{}) bool {
	branches, ok := branchList(cond)
	if !ok {
		return false
	}
	for _, branch := range branches {
		if Matches(doc, branch) {
			return true
		}
	}
	return false
}

func branchList(cond interface{}) ([]model.Where, bool) {
	raw, ok := cond.([]interface{})
	if !ok {
		return nil, false
	}
	branches := make([]model.Where, 0, len(raw))
	for _, item := range raw {
		switch b := item.(type) {
		case model.Where:
			branches = append(branches, b)
		case map[string]interface{}:
			branches = append(branches, model.Where(b))
		default:
			return nil, false
		}
	}
	return branches, true
}

func matchField(doc model.Document, path string, cond interface{}) bool {
	value, found := Lookup(doc, path)

	ops, isOps := operatorMap(cond)
	if !isOps {
		// Bare leaf value is shorthand for equals.
		return found && equalValues(value, cond)
	}

	for op, want := range ops {
		if !applyOperator(op, value, found, want) {
			return false
		}
	}
	return true
}

func operatorMap(cond interface{}) (map[string]interface{}, bool) {
	switch c := cond.(type) {
	case map[string]interface{}:
		return c, true
	case model.Where:
		return map[string]interface{}(c), true
	}
	return nil, false
}

func applyOperator(op string, value interface{}, found bool, want interface{}) bool {
	if op == "exists" {
		wantExists, ok := want.(bool)
		if !ok {
			log.Printf("[Match] exists operand must be a bool, got %T", want)
			return false
		}
		return (found && value != nil) == wantExists
	}

	// A missing or null value fails every other operator.
	if !found || value == nil {
		return false
	}

	switch op {
	case "equals":
		return equalValues(value, want)
	case "not_equals":
		return !equalValues(value, want)
	case "in":
		return inList(value, want)
	case "not_in":
		return !inList(value, want)
	case "greater_than":
		c, ok := compareValues(value, want)
		return ok && c > 0
	case "greater_than_equal":
		c, ok := compareValues(value, want)
		return ok && c >= 0
	case "less_than":
		c, ok := compareValues(value, want)
		return ok && c < 0
	case "less_than_equal":
		c, ok := compareValues(value, want)
		return ok && c <= 0
	case "like":
		return strings.Contains(
			strings.ToLower(stringify(value)),
			strings.ToLower(stringify(want)),
		)
	case "contains":
		return strings.Contains(stringify(value), stringify(want))
	default:
		log.Printf("[Match] Unknown operator %q, failing match", op)
		return false
	}
}

// Lookup traverses a dot-notation path into nested objects. A missing
// intermediate yields (nil, false).
func Lookup(doc model.Document, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(doc)
	for _, segment := range strings.Split(path, ".") {
		obj, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch obj := v.(type) {
	case map[string]interface{}:
		return obj, true
	case model.Document:
		return map[string]interface{}(obj), true
	}
	return nil, false
}

// equalValues implements relationship-aware equality: a populated
// relationship (object with an "id") compared against a plain identifier
// matches on id equality in either direction.
func equalValues(a, b interface{}) bool {
	if aID, aOK := model.RefID(a); aOK {
		if bID, bOK := model.RefID(b); bOK {
			return aID == bID
		}
	}

	if af, aOK := toFloat(a); aOK {
		if bf, bOK := toFloat(b); bOK {
			return af == bf
		}
	}

	if ab, aOK := a.(bool); aOK {
		bb, bOK := b.(bool)
		return bOK && ab == bb
	}

	return reflect.DeepEqual(a, b)
}

func inList(value, want interface{}) bool {
	list, ok := want.([]interface{})
	if !ok {
		log.Printf("[Match] in/not_in operand must be an array, got %T", want)
		return false
	}
	for _, item := range list {
		if equalValues(value, item) {
			return true
		}
	}
	return false
}

// compareValues orders two values: numerically when both are numbers,
// lexically when both are strings (which also covers RFC 3339 timestamps).
func compareValues(a, b interface{}) (int, bool) {
	if af, aOK := toFloat(a); aOK {
		bf, bOK := toFloat(b)
		if !bOK {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aOK := a.(string)
	bs, bOK := b.(string)
	if aOK && bOK {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
