// Package viewstore maintains client-side materialized views of
// subscribed queries. Views are deduplicated by query fingerprint,
// reference-counted across subscribers, reconciled in place from
// incremental deltas, and dematerialized after a configurable idle TTL.
package viewstore

import (
	"context"
	"sync"
	"time"

	"github.com/carlosbensant/payload-sync/pkg/fingerprint"
	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

// Transport is the server connection a Store drives. Execute runs the
// query once and returns the result alongside the server timestamp of
// the response. Subscribe registers interest in deltas for a query key;
// the handler receives each delta with its server timestamp. The
// returned closure cancels the subscription.
type Transport interface {
	Execute(ctx context.Context, q model.Query) (data interface{}, timestamp int64, err error)
	Subscribe(queryKey string, q model.Query, handler func(u protocol.Update, timestamp int64)) (unsubscribe func(), err error)
}

// Cache optionally seeds a freshly materialized view with data already
// held elsewhere on the client, so subscribers see something before the
// baseline fetch returns.
type Cache interface {
	Get(queryKey string) (interface{}, bool)
}

const defaultTTL = 30 * time.Second

// Store owns every live view for one connection.
type Store struct {
	transport Transport
	cache     Cache

	mu    sync.Mutex
	views map[string]*View
}

// Option configures a Store.
type Option func(*Store)

// WithCache seeds new views from a shared client cache.
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// New returns an empty Store over the given transport.
func New(transport Transport, opts ...Option) *Store {
	s := &Store{
		transport: transport,
		views:     make(map[string]*View),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetView returns the view for q, creating it if none exists. Two
// queries that differ only in field order or empty fields share one
// view. A non-positive ttl falls back to the default. When enabled is
// false the view is returned cold: it will not fetch or subscribe
// until a later GetView call (or Subscribe) enables it.
func (s *Store) GetView(q model.Query, enabled bool, ttl time.Duration) *View {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	key := fingerprint.Key(q)

	s.mu.Lock()
	v, ok := s.views[key]
	if !ok {
		v = newView(s, key, q, ttl)
		s.views[key] = v
	}
	s.mu.Unlock()

	v.touch()
	if enabled {
		v.materialize()
	}
	return v
}

// Len reports the number of live views, materialized or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

func (s *Store) drop(key string, v *View) {
	s.mu.Lock()
	if cur, ok := s.views[key]; ok && cur == v {
		delete(s.views, key)
	}
	s.mu.Unlock()
}
