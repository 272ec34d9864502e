package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	mutationStream        = "MUTATIONS"
	mutationSubjectPrefix = "mutations."
)

// NatsBus carries mutations over NATS JetStream so fan-out can run on any
// node holding the session's channel.
type NatsBus struct {
	js jetstream.JetStream

	mu       sync.RWMutex
	handlers []Handler
}

func NewNatsBus(nc *nats.Conn) (*NatsBus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	return &NatsBus{js: js}, nil
}

func (b *NatsBus) Publish(ctx context.Context, m *Mutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	// Subject format: mutations.<collection>
	_, err = b.js.Publish(ctx, mutationSubjectPrefix+m.Collection, data)
	return err
}

func (b *NatsBus) Subscribe(handler Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}

// Start begins consuming mutations. It blocks until ctx is cancelled.
func (b *NatsBus) Start(ctx context.Context) error {
	// Streams should be managed by IaC in production; ensured here for
	// development convenience.
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      mutationStream,
		Subjects:  []string{mutationSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}

	// Durable with DeliverNew: restarts resume from the ack floor
	// instead of replaying the retained backlog of stale mutations.
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, mutationStream, jetstream.ConsumerConfig{
		Durable:       "MutationFanoutWorker",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: mutationSubjectPrefix + ">",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	defer iter.Stop()

	log.Println("[Events] NATS mutation consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, err := iter.Next()
			if err != nil {
				continue
			}

			var m Mutation
			if err := json.Unmarshal(msg.Data(), &m); err != nil {
				log.Printf("[Events] Dropping undecodable mutation: %v", err)
				_ = msg.Ack()
				continue
			}

			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(ctx, &m)
			}
			if err := msg.Ack(); err != nil {
				log.Printf("[Events] Ack failed: %v", err)
			}
		}
	}
}
