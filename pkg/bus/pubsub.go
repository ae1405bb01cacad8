package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/recibo-labs/recibo/pkg/errs"
)

// PubSub implements Publisher and Subscriber on Google Cloud Pub/Sub.
// Topic handles are cached; the client is safe for concurrent use and
// shared per instance.
type PubSub struct {
	client *pubsub.Client
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub connects to Pub/Sub in the given project.
func NewPubSub(ctx context.Context, projectID string, logger *slog.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("bus: create pubsub client: %w", err)
	}
	return &PubSub{
		client: client,
		logger: logger.With("component", "bus"),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (p *PubSub) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Publish sends payload to topic and returns the server message id.
func (p *PubSub) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	res := p.topic(topic).Publish(ctx, &pubsub.Message{Data: payload, Attributes: attrs})
	id, err := res.Get(ctx)
	if err != nil {
		return "", errs.New(errs.KindTransient, fmt.Errorf("bus: publish to %s: %w", topic, err))
	}
	return id, nil
}

// Receive consumes the subscription until ctx is cancelled. Handler
// outcome maps onto ack/nack per the propagation rule: transient errors
// nack, everything else acks.
func (p *PubSub) Receive(ctx context.Context, subscription string, maxConcurrency int, handler Handler) error {
	sub := p.client.Subscription(subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = maxConcurrency

	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg := &Message{
			ID:         m.ID,
			Data:       m.Data,
			Attributes: m.Attributes,
		}
		if m.DeliveryAttempt != nil {
			msg.DeliveryAttempt = *m.DeliveryAttempt
		}

		if err := handler(ctx, msg); err != nil {
			if errs.IsRetryable(err) {
				p.logger.Warn("nacking message for redelivery",
					"subscription", subscription,
					"message_id", msg.ID,
					"error", err)
				m.Nack()
				return
			}
			p.logger.Error("acking message after terminal failure",
				"subscription", subscription,
				"message_id", msg.ID,
				"kind", errs.KindOf(err).String(),
				"error", err)
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("bus: receive on %s: %w", subscription, err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
