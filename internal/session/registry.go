// Package session holds per-client subscription state: which sessions
// exist, which queries each one watches, and the persistence that lets
// subscriptions survive a process restart.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/carlosbensant/payload-sync/internal/deps"
	"github.com/carlosbensant/payload-sync/internal/schema"
	"github.com/carlosbensant/payload-sync/pkg/fingerprint"
	"github.com/carlosbensant/payload-sync/pkg/model"
)

// QuerySubscription is one registered query within a session.
type QuerySubscription struct {
	QueryKey   string          `json:"queryKey"`
	Collection string          `json:"collection"`
	QueryType  model.QueryType `json:"queryType"`
	Query      model.Query     `json:"params"`
	LastSync   int64           `json:"lastSyncTime"`
}

// Session is one connected client's subscription state.
type Session struct {
	ID           string                       `json:"sessionId"`
	Queries      map[string]QuerySubscription `json:"queries"`
	LastActivity time.Time                    `json:"lastActivity"`
}

// Store persists sessions across restarts.
type Store interface {
	Upsert(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID string) error
	LoadAll(ctx context.Context) ([]*Session, error)
}

// Registry coordinates session state, its persistence, and the
// dependency index. All state is keyed by string identifiers; nothing
// embeds live references.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store  Store
	index  deps.Index
	schema schema.Registry
}

func NewRegistry(store Store, index deps.Index, reg schema.Registry) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		index:    index,
		schema:   reg,
	}
}

// LoadAll restores persisted sessions into memory and re-registers their
// dependency entries. Call once at startup, after the index recovered.
func (r *Registry) LoadAll(ctx context.Context) error {
	persisted, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range persisted {
		r.sessions[s.ID] = s
		for _, sub := range s.Queries {
			if err := r.index.Add(ctx, deps.Entry{
				QueryKey:     sub.QueryKey,
				Collection:   sub.Collection,
				Dependencies: deps.Collections(sub.Query, r.schema),
				Query:        sub.Query,
			}); err != nil {
				log.Printf("[Session] Re-registering dependencies for %s failed: %v", sub.QueryKey, err)
			}
		}
	}
	if len(persisted) > 0 {
		log.Printf("[Session] Recovered %d sessions", len(persisted))
	}
	return nil
}

// GetOrCreateSession returns the session, creating it on first use, and
// refreshes its activity timestamp.
func (r *Registry) GetOrCreateSession(ctx context.Context, sessionID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &Session{
			ID:      sessionID,
			Queries: make(map[string]QuerySubscription),
		}
		r.sessions[sessionID] = s
	}
	s.LastActivity = time.Now()
	snapshot := snapshotSession(s)
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", sessionID, err)
	}
	return snapshot, nil
}

// AddQuery registers (or upserts, by query key) a subscription on the
// session, and installs the query's dependency entry.
func (r *Registry) AddQuery(ctx context.Context, sessionID string, q model.Query) (QuerySubscription, error) {
	if q.Collection == "" || q.Type == "" {
		return QuerySubscription{}, model.ErrInvalidQuery
	}

	sub := QuerySubscription{
		QueryKey:   fingerprint.Key(q),
		Collection: q.Collection,
		QueryType:  q.Type,
		Query:      q,
		LastSync:   time.Now().UnixMilli(),
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &Session{
			ID:      sessionID,
			Queries: make(map[string]QuerySubscription),
		}
		r.sessions[sessionID] = s
	}
	s.Queries[sub.QueryKey] = sub
	s.LastActivity = time.Now()
	snapshot := snapshotSession(s)
	r.mu.Unlock()

	if err := r.index.Add(ctx, deps.Entry{
		QueryKey:     sub.QueryKey,
		Collection:   sub.Collection,
		Dependencies: deps.Collections(q, r.schema),
		Query:        q,
	}); err != nil {
		return QuerySubscription{}, fmt.Errorf("register dependencies for %s: %w", sub.QueryKey, err)
	}

	if err := r.store.Upsert(ctx, snapshot); err != nil {
		return QuerySubscription{}, fmt.Errorf("persist session %s: %w", sessionID, err)
	}
	return sub, nil
}

// RemoveQuery unsubscribes a single query from the session. The
// dependency entry is removed only when no other session still holds the
// same query key.
func (r *Registry) RemoveQuery(ctx context.Context, sessionID, queryKey string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return model.ErrSessionNotFound
	}
	delete(s.Queries, queryKey)
	s.LastActivity = time.Now()
	snapshot := snapshotSession(s)
	orphaned := !r.queryKeyHeldLocked(queryKey)
	r.mu.Unlock()

	if orphaned {
		if err := r.index.Remove(ctx, queryKey); err != nil {
			log.Printf("[Session] Removing dependencies for %s failed: %v", queryKey, err)
		}
	}
	return r.store.Upsert(ctx, snapshot)
}

// RemoveSession destroys the session and cascades: every query key the
// session owned loses its dependency entry unless another session still
// subscribes to it.
func (r *Registry) RemoveSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, sessionID)

	var orphaned []string
	for key := range s.Queries {
		if !r.queryKeyHeldLocked(key) {
			orphaned = append(orphaned, key)
		}
	}
	r.mu.Unlock()

	for _, key := range orphaned {
		if err := r.index.Remove(ctx, key); err != nil {
			log.Printf("[Session] Removing dependencies for %s failed: %v", key, err)
		}
	}
	return r.store.Delete(ctx, sessionID)
}

// queryKeyHeldLocked reports whether any remaining session subscribes to
// the key. Caller must hold r.mu.
func (r *Registry) queryKeyHeldLocked(queryKey string) bool {
	for _, s := range r.sessions {
		if _, ok := s.Queries[queryKey]; ok {
			return true
		}
	}
	return false
}

// SubscriptionsForCollection returns, per session id, the subscriptions
// whose own collection is the given one.
func (r *Registry) SubscriptionsForCollection(collection string) map[string][]QuerySubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]QuerySubscription)
	for id, s := range r.sessions {
		for _, sub := range s.Queries {
			if sub.Collection == collection {
				out[id] = append(out[id], sub)
			}
		}
	}
	return out
}

// SessionsForQuery returns the ids of sessions subscribed to the key.
func (r *Registry) SessionsForQuery(queryKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sessions {
		if _, ok := s.Queries[queryKey]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return snapshotSession(s), true
}

// SweepIdle removes every session idle for longer than maxAge and
// returns how many were removed.
func (r *Registry) SweepIdle(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		if err := r.RemoveSession(ctx, id); err != nil {
			log.Printf("[Session] Sweeping idle session %s failed: %v", id, err)
		}
	}
	if len(idle) > 0 {
		log.Printf("[Session] Swept %d idle sessions", len(idle))
	}
	return len(idle)
}

func snapshotSession(s *Session) *Session {
	copy := &Session{
		ID:           s.ID,
		Queries:      make(map[string]QuerySubscription, len(s.Queries)),
		LastActivity: s.LastActivity,
	}
	for k, v := range s.Queries {
		copy.Queries[k] = v
	}
	return copy
}
