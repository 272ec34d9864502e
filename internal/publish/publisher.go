// Package publish fans mutations out to affected sessions: direct
// collection matching, count invalidation, and cross-collection
// dependency invalidation, batched per session and delivered best-effort.
package publish

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/carlosbensant/payload-sync/internal/authz"
	"github.com/carlosbensant/payload-sync/internal/deps"
	"github.com/carlosbensant/payload-sync/internal/events"
	"github.com/carlosbensant/payload-sync/internal/match"
	"github.com/carlosbensant/payload-sync/internal/query"
	"github.com/carlosbensant/payload-sync/internal/schema"
	"github.com/carlosbensant/payload-sync/internal/session"
	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

var (
	deltasDirect  = metrics.NewCounter(`payload_sync_deltas_total{path="direct"}`)
	deltasCount   = metrics.NewCounter(`payload_sync_deltas_total{path="count"}`)
	deltasCross   = metrics.NewCounter(`payload_sync_deltas_total{path="cross_collection"}`)
	deliveryMiss  = metrics.NewCounter(`payload_sync_delivery_missing_channel_total`)
	deliverySent  = metrics.NewCounter(`payload_sync_delivery_sent_total`)
	deltasDropped = metrics.NewCounter(`payload_sync_deltas_denied_total`)
)

// Sender delivers a serialized message to a session's live channel. It
// reports false when the session has no channel, which is a no-op for the
// publisher, never an error.
type Sender interface {
	Send(sessionID string, payload []byte) bool
}

// IdentityFunc resolves the identity claims bound to a session, for the
// access-control check before delivery. May be nil.
type IdentityFunc func(sessionID string) map[string]interface{}

type Publisher struct {
	registry *session.Registry
	index    deps.Index
	schema   schema.Registry
	engine   query.Service
	access   *authz.Evaluator
	sender   Sender
	identity IdentityFunc
}

func NewPublisher(
	registry *session.Registry,
	index deps.Index,
	reg schema.Registry,
	engine query.Service,
	access *authz.Evaluator,
	sender Sender,
	identity IdentityFunc,
) *Publisher {
	return &Publisher{
		registry: registry,
		index:    index,
		schema:   reg,
		engine:   engine,
		access:   access,
		sender:   sender,
		identity: identity,
	}
}

// HandleMutation is the bus handler. The three paths run concurrently
// with all-settle semantics; it returns once every path has delivered, so
// bus-sequential dispatch preserves per-session delta order.
func (p *Publisher) HandleMutation(ctx context.Context, m *events.Mutation) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		p.directPath(ctx, m)
	}()
	go func() {
		defer wg.Done()
		p.countPath(m)
	}()
	go func() {
		defer wg.Done()
		p.crossCollectionPath(m)
	}()

	wg.Wait()
}

// directPath classifies the mutation against every find/findByID
// subscription on the mutated collection.
func (p *Publisher) directPath(ctx context.Context, m *events.Mutation) {
	batches := make(map[string][]protocol.Update)

	for sessionID, subs := range p.registry.SubscriptionsForCollection(m.Collection) {
		for _, sub := range subs {
			if sub.QueryType != model.QueryFind && sub.QueryType != model.QueryFindByID {
				continue
			}

			changeType, payload := match.Classify(m.Before, m.After, effectiveWhere(sub), match.Operation(m.Operation))
			if changeType == protocol.ChangeNone {
				continue
			}

			if !p.allowed(sessionID, m.Collection, payload) {
				deltasDropped.Inc()
				continue
			}

			if changeType != protocol.ChangeDelete {
				payload = p.refreshPopulation(ctx, sub, payload)
			}

			batches[sessionID] = append(batches[sessionID], protocol.Update{
				QueryKey:   sub.QueryKey,
				ChangeType: changeType,
				Data:       payload,
			})
			deltasDirect.Inc()
		}
	}

	p.deliver(protocol.TypeIncrementalUpdates, batches)
}

// countPath invalidates count subscriptions on the mutated collection;
// counts are never recomputed incrementally, the client re-issues them.
func (p *Publisher) countPath(m *events.Mutation) {
	batches := make(map[string][]protocol.Update)

	for sessionID, subs := range p.registry.SubscriptionsForCollection(m.Collection) {
		for _, sub := range subs {
			if sub.QueryType != model.QueryCount {
				continue
			}
			batches[sessionID] = append(batches[sessionID], protocol.Update{
				QueryKey:   sub.QueryKey,
				ChangeType: protocol.ChangeCountInvalidated,
			})
			deltasCount.Inc()
		}
	}

	p.deliver(protocol.TypeCountUpdates, batches)
}

// crossCollectionPath invalidates queries on other collections that
// depend on the mutated one. The precise effect on a different
// collection's result set cannot be determined from the changed document
// alone, so these are full invalidations, never incremental diffs.
func (p *Publisher) crossCollectionPath(m *events.Mutation) {
	batches := make(map[string][]protocol.Update)

	for _, queryKey := range p.index.DependingOn(m.Collection) {
		entry, ok := p.index.Get(queryKey)
		if !ok || entry.Collection == m.Collection {
			// Same-collection queries are the direct path's business.
			continue
		}

		// Schema-backed plausibility re-check, so a stale persisted
		// entry cannot produce false invalidations. One bad query must
		// not block the rest.
		if _, plausible := deps.Extract(entry.Query, p.schema)[m.Collection]; !plausible {
			continue
		}

		for _, sessionID := range p.registry.SessionsForQuery(queryKey) {
			batches[sessionID] = append(batches[sessionID], protocol.Update{
				QueryKey:   queryKey,
				ChangeType: protocol.ChangeInvalidate,
			})
			deltasCross.Inc()
		}
	}

	p.deliver(protocol.TypeCrossCollectionUpdates, batches)
}

// effectiveWhere is the filter the classifier runs: findByID
// subscriptions match on document identity.
func effectiveWhere(sub session.QuerySubscription) model.Where {
	if sub.QueryType == model.QueryFindByID {
		return model.Where{"id": map[string]interface{}{"equals": sub.Query.ID}}
	}
	return sub.Query.Where
}

func (p *Publisher) allowed(sessionID, collection string, doc model.Document) bool {
	if p.access == nil {
		return true
	}
	var identity map[string]interface{}
	if p.identity != nil {
		identity = p.identity(sessionID)
	}
	return p.access.Allow(collection, "read", doc, identity)
}

// refreshPopulation re-fetches the delta document with the query's
// populate spec, but only when it is not already populated. A failed
// fetch falls back to the unpopulated document rather than dropping the
// delta.
func (p *Publisher) refreshPopulation(ctx context.Context, sub session.QuerySubscription, doc model.Document) model.Document {
	if len(sub.Query.Populate) == 0 || isPopulated(doc, sub.Query.Populate) {
		return doc
	}

	id := doc.ID()
	if id == "" {
		return doc
	}

	populated, err := p.engine.FindByID(ctx, sub.Collection, id, sub.Query.Populate)
	if err != nil {
		log.Printf("[Publish] Population refresh for %s/%s failed, sending unpopulated: %v", sub.Collection, id, err)
		return doc
	}
	return populated
}

// isPopulated reports whether every populated field already holds an
// object rather than a plain reference id.
func isPopulated(doc model.Document, populate model.Populate) bool {
	for field := range populate {
		value, ok := doc[field]
		if !ok {
			continue
		}
		if _, isObj := value.(map[string]interface{}); !isObj {
			return false
		}
	}
	return true
}

// deliver sends one batched message per session for one delta category.
// Missing channels are no-ops.
func (p *Publisher) deliver(category string, batches map[string][]protocol.Update) {
	if len(batches) == 0 {
		return
	}
	now := time.Now().UnixMilli()

	for sessionID, updates := range batches {
		msg := protocol.UpdateMessage{
			Type:      category,
			Updates:   updates,
			Timestamp: now,
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Printf("[Publish] Marshaling %s for session %s failed: %v", category, sessionID, err)
			continue
		}
		if !p.sender.Send(sessionID, payload) {
			deliveryMiss.Inc()
			continue
		}
		deliverySent.Inc()
	}
}
