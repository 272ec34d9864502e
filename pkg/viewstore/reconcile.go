package viewstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

// reconcile folds one delta into the view's data, returning the new
// data and whether anything changed. Arrays are copied, never mutated,
// so snapshots handed to listeners stay stable.
func reconcile(q model.Query, data interface{}, u protocol.Update) (interface{}, bool) {
	switch q.Type {
	case model.QueryFind:
		docs, _ := data.([]model.Document)
		return reconcileList(q, docs, u)
	case model.QueryFindByID:
		doc, _ := data.(model.Document)
		return reconcileSingle(doc, u)
	default:
		// Counts are refreshed via invalidation, never patched.
		return data, false
	}
}

func reconcileSingle(doc model.Document, u protocol.Update) (interface{}, bool) {
	switch u.ChangeType {
	case protocol.ChangeDelete:
		if doc == nil {
			return nil, false
		}
		return nil, true
	case protocol.ChangeInsert, protocol.ChangeUpsert:
		return u.Data.Clone(), true
	case protocol.ChangeUpdate:
		if doc == nil {
			return u.Data.Clone(), true
		}
		return mergeDoc(doc, u.Data), true
	}
	return doc, false
}

func reconcileList(q model.Query, docs []model.Document, u protocol.Update) (interface{}, bool) {
	id := u.Data.ID()
	if id == "" {
		return docs, false
	}
	idx := indexOf(docs, id)

	switch u.ChangeType {
	case protocol.ChangeDelete:
		if idx < 0 {
			return docs, false
		}
		out := make([]model.Document, 0, len(docs)-1)
		out = append(out, docs[:idx]...)
		out = append(out, docs[idx+1:]...)
		return out, true

	case protocol.ChangeInsert, protocol.ChangeUpsert:
		if idx >= 0 {
			return mergeAt(q, docs, idx, u.Data), true
		}
		return insertSorted(q, docs, u.Data.Clone()), true

	case protocol.ChangeUpdate:
		if idx < 0 {
			// The document was never in scope here; nothing to patch.
			return docs, false
		}
		return mergeAt(q, docs, idx, u.Data), true
	}
	return docs, false
}

// mergeAt merges patch into docs[idx] copy-on-write. The list is
// re-sorted only when the merge changed the sort field.
func mergeAt(q model.Query, docs []model.Document, idx int, patch model.Document) []model.Document {
	out := make([]model.Document, len(docs))
	copy(out, docs)

	field := q.SortField()
	before := lookup(out[idx], field)
	out[idx] = mergeDoc(out[idx], patch)
	after := lookup(out[idx], field)

	if field != "" && !reflect.DeepEqual(before, after) {
		sortDocs(q, out)
	}
	return out
}

func mergeDoc(base, patch model.Document) model.Document {
	merged := base.Clone()
	for k, val := range patch {
		merged[k] = val
	}
	return merged
}

// insertSorted places doc at its sorted position, or appends when the
// query has no sort order.
func insertSorted(q model.Query, docs []model.Document, doc model.Document) []model.Document {
	field := q.SortField()
	if field == "" {
		out := make([]model.Document, 0, len(docs)+1)
		out = append(out, docs...)
		return append(out, doc)
	}
	key := lookup(doc, field)
	desc := q.SortDescending()
	pos := sort.Search(len(docs), func(i int) bool {
		c := compareValues(lookup(docs[i], field), key)
		if desc {
			return c < 0
		}
		return c > 0
	})
	out := make([]model.Document, 0, len(docs)+1)
	out = append(out, docs[:pos]...)
	out = append(out, doc)
	out = append(out, docs[pos:]...)
	return out
}

func sortDocs(q model.Query, docs []model.Document) {
	field := q.SortField()
	desc := q.SortDescending()
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(lookup(docs[i], field), lookup(docs[j], field))
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func indexOf(docs []model.Document, id string) int {
	for i, d := range docs {
		if d.ID() == id {
			return i
		}
	}
	return -1
}

// lookup resolves a dot-separated field path.
func lookup(doc model.Document, path string) interface{} {
	if path == "" {
		return nil
	}
	var cur interface{} = map[string]interface{}(doc)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if d, isDoc := cur.(model.Document); isDoc {
				m = map[string]interface{}(d)
			} else {
				return nil
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// compareValues orders two values numerically when both are numbers,
// lexically otherwise. Nils sort first.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
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
