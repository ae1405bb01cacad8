package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Publisher for tests and the CLI. It records
// every publish per topic and can replay them through a Handler to
// simulate bus delivery, including redelivery of the same message id.
type Memory struct {
	mu       sync.Mutex
	messages map[string][]*Message
}

// NewMemory returns an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{messages: make(map[string][]*Message)}
}

// Publish records the payload and returns a synthetic message id.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	attrsCp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		attrsCp[k] = v
	}
	// DeliveryAttempt starts at zero; Deliver bumps it so the first
	// replay reports attempt 1.
	m.messages[topic] = append(m.messages[topic], &Message{
		ID:         id,
		Data:       cp,
		Attributes: attrsCp,
	})
	return id, nil
}

// Published returns all messages recorded for topic, in publish order.
func (m *Memory) Published(topic string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.messages[topic]))
	copy(out, m.messages[topic])
	return out
}

// Deliver replays the i-th message on topic through handler, bumping
// the delivery attempt. Used by tests to simulate redelivery.
func (m *Memory) Deliver(ctx context.Context, topic string, i int, handler Handler) error {
	m.mu.Lock()
	if i < 0 || i >= len(m.messages[topic]) {
		m.mu.Unlock()
		return fmt.Errorf("bus: no message %d on %s", i, topic)
	}
	msg := m.messages[topic][i]
	msg.DeliveryAttempt++
	m.mu.Unlock()
	return handler(ctx, msg)
}
