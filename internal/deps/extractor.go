// Package deps tracks which collections can influence which queries:
// schema-driven dependency extraction plus the bidirectional index the
// publisher consults on every mutation.
package deps

import (
	"log"
	"sort"
	"strings"

	"github.com/carlosbensant/payload-sync/internal/schema"
	"github.com/carlosbensant/payload-sync/pkg/model"
)

// maxPopulateDepth bounds recursion through nested populate specs.
const maxPopulateDepth = 8

// Extract computes the set of collections whose documents could influence
// the query's result. The query's own collection is always included. A
// collection unknown to the schema degrades to tracking only itself.
func Extract(q model.Query, reg schema.Registry) map[string]struct{} {
	set := map[string]struct{}{q.Collection: {}}

	if !reg.HasCollection(q.Collection) {
		log.Printf("[Deps] Collection %q not in schema, tracking only itself", q.Collection)
		return set
	}

	walkPopulate(reg, q.Collection, q.Populate, set, 0)
	walkWhere(reg, q.Collection, q.Where, set)
	return set
}

// Collections returns Extract's result as a sorted slice.
func Collections(q model.Query, reg schema.Registry) []string {
	set := Extract(q, reg)
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func walkPopulate(reg schema.Registry, collection string, populate model.Populate, set map[string]struct{}, depth int) {
	if depth >= maxPopulateDepth {
		return
	}
	for field, nested := range populate {
		targets := reg.RelationTargets(collection, field)
		if len(targets) == 0 {
			// Unknown or non-relationship field: skipped, not an error.
			continue
		}
		for _, target := range targets {
			set[target] = struct{}{}
			if len(nested) > 0 {
				walkPopulate(reg, target, nested, set, depth+1)
			}
		}
	}
}

func walkWhere(reg schema.Registry, collection string, where model.Where, set map[string]struct{}) {
	for key, value := range where {
		if key == "and" || key == "or" {
			branches, ok := value.([]interface{})
			if !ok {
				continue
			}
			for _, branch := range branches {
				if nested, ok := toWhere(branch); ok {
					walkWhere(reg, collection, nested, set)
				}
			}
			continue
		}

		// A dotted filter key reaches across a relationship: the leading
		// segment names the relationship field.
		if i := strings.Index(key, "."); i > 0 {
			for _, target := range reg.RelationTargets(collection, key[:i]) {
				set[target] = struct{}{}
			}
		}
	}
}

func toWhere(v interface{}) (model.Where, bool) {
	switch val := v.(type) {
	case model.Where:
		return val, true
	case map[string]interface{}:
		return model.Where(val), true
	}
	return nil, false
}
