// Package bus provides the event buses that carry ingested transactions,
// decisions and alerts: in-process channels, NATS and Kafka.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/metrics"
)

// New creates an event bus from configuration: "channel" (community),
// "nats" (pro) or "kafka".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	case "kafka":
		return NewKafkaBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// encodeEnvelope wraps payload in a JSON message envelope for brokers.
func encodeEnvelope(msg *domain.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Instrumented records publish latency and failures of the wrapped bus.
type Instrumented struct {
	domain.EventBus
	metrics *metrics.Metrics
}

// Instrument wraps b so every Publish is recorded in m.
func Instrument(b domain.EventBus, m *metrics.Metrics) *Instrumented {
	return &Instrumented{EventBus: b, metrics: m}
}

// Publish forwards to the wrapped bus.
func (b *Instrumented) Publish(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	err := b.EventBus.Publish(ctx, topic, payload)
	b.metrics.RecordBusPublish(topic, time.Since(start).Seconds(), err)
	return err
}
