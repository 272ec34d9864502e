// Package events decouples the write path from fan-out: mutations are
// published to a bus and consumed by the publisher, so a write returns to
// its caller without waiting on delivery.
package events

import (
	"context"
	"log"
	"sync"

	"github.com/carlosbensant/payload-sync/pkg/model"
)

// Mutation is one committed write, with before/after images for change
// classification.
type Mutation struct {
	Collection string         `json:"collection"`
	Operation  string         `json:"operation"` // create, update, delete
	Before     model.Document `json:"before,omitempty"`
	After      model.Document `json:"after,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Handler processes one mutation.
type Handler func(ctx context.Context, m *Mutation)

// Bus carries mutations from the write path to fan-out.
type Bus interface {
	// Publish enqueues a mutation. It must not block on fan-out work.
	Publish(ctx context.Context, m *Mutation) error

	// Subscribe registers a handler for all mutations.
	Subscribe(handler Handler)
}

// inProcessQueueSize bounds the in-process bus. Publish never blocks the
// write path longer than an enqueue.
const inProcessQueueSize = 1024

// InProcessBus dispatches mutations on a single goroutine, preserving
// publish order for all handlers.
type InProcessBus struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan *Mutation
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{queue: make(chan *Mutation, inProcessQueueSize)}
}

// Run dispatches until ctx is cancelled.
func (b *InProcessBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(ctx, m)
			}
		}
	}
}

func (b *InProcessBus) Publish(_ context.Context, m *Mutation) error {
	select {
	case b.queue <- m:
	default:
		// Fan-out is best-effort; never stall the mutation path.
		log.Printf("[Events] Queue full, dropping %s on %s", m.Operation, m.Collection)
	}
	return nil
}

func (b *InProcessBus) Subscribe(handler Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}
