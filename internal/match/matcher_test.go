package match

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

func op(name string, v interface{}) map[string]interface{} {
	return map[string]interface{}{name: v}
}

func TestMatches_EmptyFilter(t *testing.T) {
	doc := model.Document{"id": "1", "status": "open"}
	assert.True(t, Matches(doc, nil))
	assert.True(t, Matches(doc, model.Where{}))
}

func TestMatches_Operators(t *testing.T) {
	doc := model.Document{
		"id":     "t1",
		"title":  "Fix Login Bug",
		"status": "open",
		"rank":   float64(5),
		"meta":   map[string]interface{}{"flag": true},
	}

	cases := []struct {
		name  string
		where model.Where
		want  bool
	}{
		{"equals hit", model.Where{"status": op("equals", "open")}, true},
		{"equals miss", model.Where{"status": op("equals", "done")}, false},
		{"bare value shorthand", model.Where{"status": "open"}, true},
		{"not_equals", model.Where{"status": op("not_equals", "done")}, true},
		{"in", model.Where{"status": op("in", []interface{}{"open", "done"})}, true},
		{"in miss", model.Where{"status": op("in", []interface{}{"done"})}, false},
		{"not_in", model.Where{"status": op("not_in", []interface{}{"done"})}, true},
		{"greater_than", model.Where{"rank": op("greater_than", float64(4))}, true},
		{"greater_than equal boundary", model.Where{"rank": op("greater_than", float64(5))}, false},
		{"greater_than_equal", model.Where{"rank": op("greater_than_equal", float64(5))}, true},
		{"less_than", model.Where{"rank": op("less_than", float64(6))}, true},
		{"less_than_equal", model.Where{"rank": op("less_than_equal", float64(5))}, true},
		{"int vs float equality", model.Where{"rank": op("equals", 5)}, true},
		{"like case-insensitive", model.Where{"title": op("like", "login")}, true},
		{"contains case-sensitive hit", model.Where{"title": op("contains", "Login")}, true},
		{"contains case-sensitive miss", model.Where{"title": op("contains", "login")}, false},
		{"exists true", model.Where{"status": op("exists", true)}, true},
		{"exists false on present", model.Where{"status": op("exists", false)}, false},
		{"exists false on missing", model.Where{"ghost": op("exists", false)}, true},
		{"missing field fails equals", model.Where{"ghost": op("equals", "x")}, false},
		{"missing field fails not_equals", model.Where{"ghost": op("not_equals", "x")}, false},
		{"dot path", model.Where{"meta.flag": op("equals", true)}, true},
		{"dot path missing intermediate", model.Where{"nope.flag": op("equals", true)}, false},
		{"unknown operator fails closed", model.Where{"status": op("near", "open")}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(doc, tc.where))
		})
	}
}

func TestMatches_LogicalComposition(t *testing.T) {
	doc := model.Document{"status": "open", "rank": float64(5)}

	a := map[string]interface{}{"status": op("equals", "open")}
	b := map[string]interface{}{"rank": op("greater_than", float64(3))}
	c := map[string]interface{}{"status": op("equals", "done")}

	assert.True(t, Matches(doc, model.Where{"and": []interface{}{a, b}}))
	assert.False(t, Matches(doc, model.Where{"and": []interface{}{a, c}}))
	assert.True(t, Matches(doc, model.Where{"or": []interface{}{c, a}}))
	assert.False(t, Matches(doc, model.Where{"or": []interface{}{c}}))

	// and:[A,B] iff Matches(A) && Matches(B)
	assert.Equal(t,
		Matches(doc, model.Where(a)) && Matches(doc, model.Where(b)),
		Matches(doc, model.Where{"and": []interface{}{a, b}}),
	)
}

func TestMatches_RelationshipEquality(t *testing.T) {
	populated := model.Document{
		"id":      "t1",
		"project": map[string]interface{}{"id": "P1", "name": "Apollo"},
	}
	plain := model.Document{"id": "t1", "project": "P1"}

	byID := model.Where{"project": op("equals", "P1")}
	byObject := model.Where{"project": op("equals", map[string]interface{}{"id": "P1"})}

	// Document-side populated vs filter-side plain, and vice versa.
	assert.True(t, Matches(populated, byID))
	assert.True(t, Matches(plain, byID))
	assert.True(t, Matches(plain, byObject))
	assert.True(t, Matches(populated, byObject))

	assert.False(t, Matches(populated, model.Where{"project": op("equals", "P2")}))
}

func TestLookup(t *testing.T) {
	doc := model.Document{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": 42}},
	}

	v, ok := Lookup(doc, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = Lookup(doc, "a.x.c")
	assert.False(t, ok)

	_, ok = Lookup(doc, "a.b.c.d")
	assert.False(t, ok)
}
