package viewstore

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

// Snapshot is an immutable point-in-time result of a view. Data is
// []model.Document for find queries, model.Document (or nil) for
// findByID, and int64 for count. A snapshot is never mutated after
// publication; reconciliation always installs a fresh one.
type Snapshot struct {
	Data      interface{}
	Err       error
	Complete  bool
	Timestamp int64
}

// Listener receives every new snapshot of a view, starting with the
// current one at subscription time.
type Listener func(Snapshot)

// View is a live, reconciling materialization of one query. All state
// transitions go through its mutex; snapshots handed out are immutable.
type View struct {
	store *Store
	key   string
	query model.Query
	ttl   time.Duration

	mu           sync.Mutex
	snapshot     Snapshot
	listeners    map[int]Listener
	nextListener int
	refs         int
	materialized bool
	fetchSeq     int
	teardown     *time.Timer
	unsubscribe  func()
}

func newView(s *Store, key string, q model.Query, ttl time.Duration) *View {
	return &View{
		store:     s,
		key:       key,
		query:     q,
		ttl:       ttl,
		snapshot:  Snapshot{Data: emptyResult(q)},
		listeners: make(map[int]Listener),
	}
}

func emptyResult(q model.Query) interface{} {
	switch q.Type {
	case model.QueryFind:
		return []model.Document{}
	case model.QueryCount:
		return int64(0)
	default:
		return nil
	}
}

// QueryKey returns the view's canonical fingerprint.
func (v *View) QueryKey() string { return v.key }

// Current returns the latest snapshot.
func (v *View) Current() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot
}

// Subscribe registers a listener and pins the view materialized for as
// long as the returned cancel closure has not been called. The listener
// is invoked immediately with the current snapshot, then on every
// change. After the last subscriber cancels, the view stays warm for
// its TTL and is then dematerialized unless a new subscriber arrives.
func (v *View) Subscribe(fn Listener) (cancel func()) {
	v.mu.Lock()
	id := v.nextListener
	v.nextListener++
	v.listeners[id] = fn
	v.refs++
	if v.teardown != nil {
		v.teardown.Stop()
		v.teardown = nil
	}
	snap := v.snapshot
	v.mu.Unlock()

	fn(snap)
	v.materialize()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.listeners, id)
			v.refs--
			if v.refs == 0 {
				v.scheduleTeardownLocked()
			}
			v.mu.Unlock()
		})
	}
}

// materialize starts the baseline fetch and the delta subscription if
// the view is cold. Safe to call repeatedly.
func (v *View) materialize() {
	v.mu.Lock()
	if v.materialized {
		v.mu.Unlock()
		return
	}
	v.materialized = true
	v.fetchSeq++
	seq := v.fetchSeq
	if v.refs == 0 {
		v.scheduleTeardownLocked()
	}

	if v.store.cache != nil {
		if data, ok := v.store.cache.Get(v.key); ok {
			v.snapshot = Snapshot{Data: data, Timestamp: v.snapshot.Timestamp}
		}
	}
	v.mu.Unlock()

	unsub, err := v.store.transport.Subscribe(v.key, v.query, v.applyDelta)
	if err != nil {
		log.Printf("[ViewStore] subscribe %s: %v", v.key, err)
	} else {
		v.mu.Lock()
		v.unsubscribe = unsub
		v.mu.Unlock()
	}

	go v.fetch(seq)
}

// fetch runs the baseline query and folds the result in unless a delta
// with a newer server timestamp has already been applied, in which case
// the later state wins and the fetch result is discarded.
func (v *View) fetch(seq int) {
	data, ts, err := v.store.transport.Execute(context.Background(), v.query)

	v.mu.Lock()
	if seq != v.fetchSeq || !v.materialized {
		v.mu.Unlock()
		return
	}
	if err != nil {
		v.snapshot = Snapshot{Data: v.snapshot.Data, Err: err, Complete: true, Timestamp: v.snapshot.Timestamp}
		v.publishAndUnlock()
		return
	}
	if ts >= v.snapshot.Timestamp {
		v.snapshot = Snapshot{Data: normalizeResult(v.query, data), Complete: true, Timestamp: ts}
	} else {
		// A delta outran the baseline response; keep the newer state.
		v.snapshot = Snapshot{Data: v.snapshot.Data, Complete: true, Timestamp: v.snapshot.Timestamp}
	}
	v.publishAndUnlock()
}

// applyDelta reconciles one server delta into the current snapshot.
func (v *View) applyDelta(u protocol.Update, ts int64) {
	v.mu.Lock()
	if !v.materialized {
		v.mu.Unlock()
		return
	}
	if u.ChangeType == protocol.ChangeInvalidate || u.ChangeType == protocol.ChangeCountInvalidated {
		v.snapshot = Snapshot{Data: emptyResult(v.query), Timestamp: v.snapshot.Timestamp}
		v.refetchLocked()
		v.publishAndUnlock()
		return
	}
	data, changed := reconcile(v.query, v.snapshot.Data, u)
	if !changed {
		// Even a no-op delta moves the clock forward so a slower
		// baseline response cannot reinstall older state.
		if ts > v.snapshot.Timestamp {
			v.snapshot.Timestamp = ts
		}
		v.mu.Unlock()
		return
	}
	if ts > v.snapshot.Timestamp {
		v.snapshot = Snapshot{Data: data, Complete: v.snapshot.Complete, Timestamp: ts}
	} else {
		v.snapshot = Snapshot{Data: data, Complete: v.snapshot.Complete, Timestamp: v.snapshot.Timestamp}
	}
	v.publishAndUnlock()
}

// touch refreshes a pending teardown's TTL window, if one is armed.
func (v *View) touch() {
	v.mu.Lock()
	if v.teardown != nil {
		v.scheduleTeardownLocked()
	}
	v.mu.Unlock()
}

// refetchLocked schedules a fresh baseline fetch, invalidating any
// in-flight one. Caller holds v.mu.
func (v *View) refetchLocked() {
	v.fetchSeq++
	go v.fetch(v.fetchSeq)
}

// publishAndUnlock fans the current snapshot out to listeners. Caller
// holds v.mu; listeners run outside it.
func (v *View) publishAndUnlock() {
	snap := v.snapshot
	fns := make([]Listener, 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (v *View) scheduleTeardownLocked() {
	if v.teardown != nil {
		v.teardown.Stop()
	}
	v.teardown = time.AfterFunc(v.ttl, v.dematerialize)
}

// dematerialize tears the view down if it is still unreferenced when
// the TTL fires.
func (v *View) dematerialize() {
	v.mu.Lock()
	if v.refs > 0 {
		v.mu.Unlock()
		return
	}
	unsub := v.unsubscribe
	v.unsubscribe = nil
	v.materialized = false
	v.teardown = nil
	v.fetchSeq++
	v.snapshot = Snapshot{Data: emptyResult(v.query)}
	v.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	v.store.drop(v.key, v)
}

func normalizeResult(q model.Query, data interface{}) interface{} {
	switch q.Type {
	case model.QueryFind:
		switch d := data.(type) {
		case []model.Document:
			return d
		case []interface{}:
			out := make([]model.Document, 0, len(d))
			for _, e := range d {
				if m, ok := e.(map[string]interface{}); ok {
					out = append(out, model.Document(m))
				}
			}
			return out
		case nil:
			return []model.Document{}
		}
	case model.QueryFindByID:
		switch d := data.(type) {
		case model.Document:
			return d
		case map[string]interface{}:
			return model.Document(d)
		}
	case model.QueryCount:
		switch d := data.(type) {
		case int64:
			return d
		case int:
			return int64(d)
		case float64:
			return int64(d)
		}
	}
	return data
}
