package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/opensource-finance/tracex/internal/domain"
)

// DefaultKafkaGroup is the consumer group used when none is configured.
const DefaultKafkaGroup = "tracex"

// KafkaBus implements EventBus on Kafka: a synchronous producer for
// publishing and one consumer group per subscription.
type KafkaBus struct {
	producer sarama.SyncProducer
	newGroup func() (sarama.ConsumerGroup, error)

	mu     sync.Mutex
	subs   map[*kafkaSubscription]struct{}
	closed bool
}

type kafkaSubscription struct {
	topic  string
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus connects a producer to cfg.KafkaBrokers.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = DefaultKafkaGroup
	}

	sc := kafkaConfig()
	producer, err := sarama.NewSyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	slog.Info("Kafka connected", "brokers", brokers, "group_id", groupID)

	return newKafkaBus(producer, func() (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(brokers, groupID, sc)
	}), nil
}

func newKafkaBus(producer sarama.SyncProducer, newGroup func() (sarama.ConsumerGroup, error)) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		newGroup: newGroup,
		subs:     make(map[*kafkaSubscription]struct{}),
	}
}

func kafkaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.ClientID = "tracex"
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 10
	sc.Producer.Retry.Backoff = 200 * time.Millisecond
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	return sc
}

func splitBrokers(in []string) []string {
	var out []string
	for _, s := range in {
		for _, b := range strings.Split(s, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}

// Publish sends payload in a message envelope and waits for the broker
// acknowledgement. The message id is the record key.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := newMessage(topic, payload)
	data, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}
	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(msg.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the consumer group on topic and runs handler for each
// record until ctx is done or the subscription is cancelled.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	group, err := b.newGroup()
	if err != nil {
		return nil, fmt.Errorf("kafka consumer group: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		topic:  topic,
		group:  group,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.subs[sub] = struct{}{}

	go sub.consume(subCtx, &groupHandler{handler: handler})
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, h *groupHandler) {
	defer close(s.done)
	go func() {
		for err := range s.group.Errors() {
			slog.Error("kafka consumer error", "topic", s.topic, "error", err)
		}
	}()
	for {
		// Consume returns on every rebalance.
		if err := s.group.Consume(ctx, []string{s.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			slog.Warn("kafka consume failed", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(300 * time.Millisecond):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// groupHandler adapts a MessageHandler to a sarama consumer group.
type groupHandler struct {
	handler domain.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks each record once its handler has run. Undecodable
// records and handler failures are logged and skipped.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for rec := range claim.Messages() {
		msg, err := decodeEnvelope(rec.Value)
		if err != nil {
			slog.Error("dropping undecodable kafka record",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"error", err,
			)
			sess.MarkMessage(rec, "")
			continue
		}
		if err := h.handler(sess.Context(), msg); err != nil {
			slog.Error("handler error", "topic", rec.Topic, "message_id", msg.ID, "error", err)
		}
		sess.MarkMessage(rec, "")
	}
	return nil
}

// Ping reports whether the bus is open.
func (b *KafkaBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close leaves every consumer group and closes the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*kafkaSubscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.stop()
	}
	return b.producer.Close()
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	err := s.group.Close()
	<-s.done
	return err
}

// Unsubscribe leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subs[s]
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
