package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/Gopher0727/ChatCore/config"
	"github.com/Gopher0727/ChatCore/internal/model"
)

func testConfig() *config.KafkaConfig {
	return &config.KafkaConfig{
		Brokers: []string{"127.0.0.1:9092"},
		Topics: config.TopicsConfig{
			Messages:     "chat.messages",
			SystemEvents: "chat.system-events",
			DLQ:          "chat.system-events.dlq",
		},
		Producer: config.ProducerConfig{MaxRetries: 2, RetryBackoffMs: 1},
		Consumer: config.ConsumerConfig{MaxRetries: 2, RetryBackoffMs: 1},
	}
}

func TestProducer_Produce(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "payload" {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})
	p := NewProducerWith(sp, testConfig())

	_, _, err := p.Produce(context.Background(), "topic", []byte("k"), []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_ProduceWithRetry(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndSucceed()
	p := NewProducerWith(sp, testConfig())

	_, _, err := p.ProduceWithRetry(context.Background(), "topic", nil, []byte("v"), 2)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_ProduceCancelled(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWith(sp, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.Produce(ctx, "topic", nil, []byte("v"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, p.Close())
}

func TestMessageExporter(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var m model.Message
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.ID != 99 || m.Room != "global" {
			return errors.New("unexpected message")
		}
		return nil
	})
	cfg := testConfig()
	exporter := NewMessageExporter(NewProducerWith(sp, cfg), cfg.Topics.Messages)

	err := exporter.Export(context.Background(), &model.Message{ID: 99, Room: "global", SenderID: "u1", Content: "hi", CreatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, sp.Close())
}

func TestConsumer_RetryThenSucceed(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	var calls atomic.Int32
	handler := func(context.Context, *sarama.ConsumerMessage) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}
	c := newConsumer(testConfig(), []string{"chat.system-events"}, handler, NewProducerWith(sp, testConfig()), zap.NewNop())

	c.process(context.Background(), &sarama.ConsumerMessage{Topic: "chat.system-events", Value: []byte("x")})
	assert.Equal(t, int32(3), calls.Load())
	require.NoError(t, sp.Close(), "nothing goes to the DLQ")
}

func TestConsumer_ExhaustedRetriesGoToDLQ(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(0, 4).Draw(rt, "maxRetries")
		value := rapid.StringMatching(`[a-z0-9]{1,16}`).Draw(rt, "value")

		cfg := testConfig()
		cfg.Consumer.MaxRetries = maxRetries

		sp := mocks.NewSyncProducer(t, nil)
		sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			if string(val) != value {
				return errors.New("DLQ received a different payload")
			}
			return nil
		})

		var calls atomic.Int32
		handler := func(context.Context, *sarama.ConsumerMessage) error {
			calls.Add(1)
			return errors.New("permanent")
		}
		c := newConsumer(cfg, nil, handler, NewProducerWith(sp, cfg), zap.NewNop())
		c.process(context.Background(), &sarama.ConsumerMessage{Topic: "chat.system-events", Value: []byte(value)})

		if int(calls.Load()) != maxRetries+1 {
			rt.Fatalf("handler called %d times, want %d", calls.Load(), maxRetries+1)
		}
		if err := sp.Close(); err != nil {
			rt.Fatalf("close: %v", err)
		}
	})
}

func TestConsumer_CancelledSkipsDLQ(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("shutting down")
	}
	c := newConsumer(testConfig(), nil, handler, NewProducerWith(sp, testConfig()), zap.NewNop())

	c.process(ctx, &sarama.ConsumerMessage{Topic: "t", Value: []byte("x")})
	require.NoError(t, sp.Close())
}

func TestConsumer_PermanentErrorSkipsRetries(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()

	var calls atomic.Int32
	handler := func(context.Context, *sarama.ConsumerMessage) error {
		calls.Add(1)
		return fmt.Errorf("%w: undecodable", ErrPermanent)
	}
	cfg := testConfig()
	cfg.Consumer.MaxRetries = 5
	c := newConsumer(cfg, nil, handler, NewProducerWith(sp, cfg), zap.NewNop())

	c.process(context.Background(), &sarama.ConsumerMessage{Topic: "chat.system-events", Value: []byte("x")})
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, sp.Close(), "message went straight to the DLQ")
}

// fakeGroup runs one session that lasts until its context ends.
type fakeGroup struct {
	sarama.ConsumerGroup
	errs      chan error
	closeOnce sync.Once
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	if err := handler.Setup(nil); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.closeOnce.Do(func() { close(g.errs) })
	return nil
}

func TestConsumer_StartStop(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	cfg := testConfig()
	c := newConsumer(cfg, []string{cfg.Topics.SystemEvents}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, NewProducerWith(sp, cfg), zap.NewNop())
	c.consumerGroup = &fakeGroup{errs: make(chan error)}

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()

	select {
	case <-c.Ready():
	case <-time.After(time.Second):
		t.Fatal("consumer never became ready")
	}
	require.NoError(t, <-started)
	require.NoError(t, c.Stop())
	assert.NoError(t, c.Start(context.Background()), "start after stop is a no-op")
}
