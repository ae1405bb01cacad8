package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/recibo-labs/recibo/pkg/schema"
)

// DeadLetter wraps the original payload in a DLQ envelope and publishes
// it to the stage's dead-letter topic. Callers ack the delivery after a
// successful dead-letter publish; a failed publish is transient so the
// message is redelivered and routed again.
func DeadLetter(ctx context.Context, pub Publisher, topic, stage, reason string, attempts int, lastErr error, original []byte) error {
	env := schema.DLQEnvelope{
		EventTime: time.Now().UTC(),
		Stage:     stage,
		Reason:    reason,
		Attempts:  attempts,
		Original:  original,
	}
	if lastErr != nil {
		env.LastError = lastErr.Error()
	}
	payload, err := schema.Encode(env)
	if err != nil {
		return fmt.Errorf("bus: dead-letter encode: %w", err)
	}
	if _, err := pub.Publish(ctx, schema.DLQTopic(topic), payload, map[string]string{"stage": stage}); err != nil {
		return fmt.Errorf("bus: dead-letter publish: %w", err)
	}
	return nil
}
