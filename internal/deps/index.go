package deps

import (
	"context"
	"sync"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// Entry records one query's dependency set. Entries are derived state,
// always recomputable from (query, schema).
type Entry struct {
	QueryKey     string
	Collection   string
	Dependencies []string
	Query        model.Query
}

// Index is the bidirectional dependency map: query -> dependency set and
// collection -> dependent queries.
type Index interface {
	// Add registers or fully replaces the entry for e.QueryKey. Stale
	// dependencies from a previous registration must not linger.
	Add(ctx context.Context, e Entry) error

	// Remove deletes the entry and every reverse reference to it.
	Remove(ctx context.Context, queryKey string) error

	// DependingOn returns the keys of every query whose dependency set
	// contains the collection.
	DependingOn(collection string) []string

	// Get returns the entry for a query key.
	Get(queryKey string) (Entry, bool)
}

// MemoryIndex is an in-process Index. Forward and reverse maps are kept
// consistent under one mutex; empty reverse sets are pruned.
type MemoryIndex struct {
	mu      sync.RWMutex
	forward map[string]Entry
	reverse map[string]map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		forward: make(map[string]Entry),
		reverse: make(map[string]map[string]struct{}),
	}
}

func (x *MemoryIndex) Add(_ context.Context, e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(e.QueryKey)

	x.forward[e.QueryKey] = e
	for _, coll := range e.Dependencies {
		set, ok := x.reverse[coll]
		if !ok {
			set = make(map[string]struct{})
			x.reverse[coll] = set
		}
		set[e.QueryKey] = struct{}{}
	}
	return nil
}

func (x *MemoryIndex) Remove(_ context.Context, queryKey string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(queryKey)
	return nil
}

func (x *MemoryIndex) removeLocked(queryKey string) {
	e, ok := x.forward[queryKey]
	if !ok {
		return
	}
	delete(x.forward, queryKey)
	for _, coll := range e.Dependencies {
		if set, ok := x.reverse[coll]; ok {
			delete(set, queryKey)
			if len(set) == 0 {
				delete(x.reverse, coll)
			}
		}
	}
}

func (x *MemoryIndex) DependingOn(collection string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	set, ok := x.reverse[collection]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func (x *MemoryIndex) Get(queryKey string) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.forward[queryKey]
	return e, ok
}
