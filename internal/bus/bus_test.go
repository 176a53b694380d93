package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/metrics"
)

func waitFor(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()
	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicDecision, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := waitFor(t, got)
		if string(msg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
		}
		if msg.Topic != domain.TopicDecision {
			t.Errorf("expected topic %s, got %s", domain.TopicDecision, msg.Topic)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Error("expected message id and timestamp")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var alerts, decisions atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		_, _ = bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			wg.Done()
			return nil
		})
		_, _ = bus.Subscribe(ctx, "other.topic", func(ctx context.Context, msg *domain.Message) error {
			decisions.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, domain.TopicAlert, []byte("a"))
		wg.Wait()
		time.Sleep(20 * time.Millisecond)

		if alerts.Load() != 1 {
			t.Errorf("expected 1 alert, got %d", alerts.Load())
		}
		if decisions.Load() != 0 {
			t.Errorf("expected no messages on other topic, got %d", decisions.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if sub.Topic() != "unsub.topic" {
			t.Errorf("expected topic 'unsub.topic', got '%s'", sub.Topic())
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		_ = bus.Publish(ctx, "unsub.topic", []byte("x"))
		time.Sleep(20 * time.Millisecond)
		if count.Load() != 0 {
			t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("HandlerErrorDoesNotStopDelivery", func(t *testing.T) {
		got := make(chan *domain.Message, 2)
		_, _ = bus.Subscribe(ctx, "err.topic", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return errors.New("boom")
		})
		_ = bus.Publish(ctx, "err.topic", []byte("1"))
		_ = bus.Publish(ctx, "err.topic", []byte("2"))
		waitFor(t, got)
		waitFor(t, got)
	})
}

func TestChannelBus_Closed(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("expected healthy bus, got %v", err)
	}
	_ = bus.Close()
	_ = bus.Close()

	if err := bus.Publish(ctx, "t", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "t", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := bus.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestChannelBus_FullBufferDrops(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	var count atomic.Int32
	_, _ = bus.Subscribe(ctx, "slow", func(ctx context.Context, msg *domain.Message) error {
		<-release
		count.Add(1)
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := bus.Publish(ctx, "slow", []byte("x")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	close(release)
	time.Sleep(50 * time.Millisecond)

	if n := count.Load(); n == 0 || n >= 10 {
		t.Errorf("expected some but not all messages delivered, got %d", n)
	}
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unsupported type")
	}
	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for kafka without brokers")
	}
}

func TestInstrumented(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := Instrument(NewChannelBus(10), metrics.NewMetrics(reg))
	defer b.Close()

	_ = b.Publish(context.Background(), domain.TopicDecision, []byte("x"))
	_ = b.Close()
	_ = b.Publish(context.Background(), domain.TopicDecision, []byte("x"))

	n, err := testutil.GatherAndCount(reg, "tracex_bus_messages_published_total")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected success and error series, got %d", n)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := splitBrokers([]string{"a:9092, b:9092", "", " c:9092 "})
	if len(got) != 3 || got[0] != "a:9092" || got[1] != "b:9092" || got[2] != "c:9092" {
		t.Errorf("unexpected brokers %v", got)
	}
}

func TestKafkaBus_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg domain.Message
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.Topic != domain.TopicTransactionIngested || string(msg.Payload) != `{"tx_hash":"0x1"}` {
			return errors.New("unexpected envelope")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	b := newKafkaBus(producer, nil)
	ctx := context.Background()

	if err := b.Publish(ctx, domain.TopicTransactionIngested, []byte(`{"tx_hash":"0x1"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := b.Publish(ctx, domain.TopicTransactionIngested, []byte("x")); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected ErrOutOfBrokers, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := b.Publish(cancelled, domain.TopicDecision, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func record(t *testing.T, offset int64, topic string, payload []byte) *sarama.ConsumerMessage {
	t.Helper()
	data, err := encodeEnvelope(newMessage(topic, payload))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: topic, Offset: offset, Value: data}
}

func TestGroupHandler_ConsumeClaim(t *testing.T) {
	var payloads []string
	h := &groupHandler{handler: func(ctx context.Context, msg *domain.Message) error {
		payloads = append(payloads, string(msg.Payload))
		if string(msg.Payload) == "bad" {
			return errors.New("handler failed")
		}
		return nil
	}}

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 4)}
	claim.ch <- record(t, 1, "t", []byte("a"))
	claim.ch <- &sarama.ConsumerMessage{Topic: "t", Offset: 2, Value: []byte("not json")}
	claim.ch <- record(t, 3, "t", []byte("bad"))
	claim.ch <- record(t, 4, "t", []byte("b"))
	close(claim.ch)

	sess := &fakeSession{ctx: context.Background()}
	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}

	if len(payloads) != 3 {
		t.Errorf("expected 3 handled messages, got %v", payloads)
	}
	if len(sess.marked) != 4 {
		t.Errorf("expected every record marked, got %v", sess.marked)
	}
}

type fakeGroup struct {
	sarama.ConsumerGroup
	records []*sarama.ConsumerMessage
	once    sync.Once
	errs    chan error
	closed  atomic.Bool
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.once.Do(func() {
		claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, len(g.records))}
		for _, r := range g.records {
			claim.ch <- r
		}
		close(claim.ch)
		_ = handler.ConsumeClaim(&fakeSession{ctx: ctx}, claim)
	})
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.closed.CompareAndSwap(false, true) {
		close(g.errs)
	}
	return nil
}

func TestKafkaBus_Subscribe(t *testing.T) {
	group := &fakeGroup{
		records: []*sarama.ConsumerMessage{record(t, 1, domain.TopicDecision, []byte("hello"))},
		errs:    make(chan error),
	}
	producer := mocks.NewSyncProducer(t, nil)
	b := newKafkaBus(producer, func() (sarama.ConsumerGroup, error) { return group, nil })

	got := make(chan *domain.Message, 1)
	sub, err := b.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	msg := waitFor(t, got)
	if string(msg.Payload) != "hello" {
		t.Errorf("expected payload 'hello', got '%s'", msg.Payload)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if !group.closed.Load() {
		t.Error("expected consumer group closed on unsubscribe")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "t", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
