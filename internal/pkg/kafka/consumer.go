package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/config"
)

const (
	HeaderDLQError         = "x-dlq-error"
	HeaderDLQOriginTopic   = "x-dlq-origin-topic"
	HeaderDLQOriginOffset  = "x-dlq-origin-offset"
	HeaderDLQAttemptsCount = "x-dlq-attempts"
)

// ErrPermanent marks a handler error that retrying cannot fix. Such messages
// go to the dead letter queue after the first attempt.
var ErrPermanent = errors.New("permanent failure")

// MessageHandler processes one consumed message.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer consumes topics as part of a consumer group. A message whose
// handler keeps failing is retried with exponential backoff and then moved to
// the dead letter queue.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	config        *config.KafkaConfig
	handler       MessageHandler
	dlqProducer   *Producer
	topics        []string
	logger        *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler interface.
type consumerGroupHandler struct {
	consumer *Consumer
}

// NewConsumer joins cfg.ConsumerGroup for topics.
func NewConsumer(cfg *config.KafkaConfig, topics []string, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	saramaConfig := newSaramaConfig()
	saramaConfig.Version = sarama.V2_6_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	dlqProducer, err := NewProducer(cfg)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	c := newConsumer(cfg, topics, handler, dlqProducer, logger)
	c.consumerGroup = consumerGroup
	return c, nil
}

func newConsumer(cfg *config.KafkaConfig, topics []string, handler MessageHandler, dlq *Producer, logger *zap.Logger) *Consumer {
	return &Consumer{
		config:      cfg,
		handler:     handler,
		dlqProducer: dlq,
		topics:      topics,
		logger:      logger,
		ready:       make(chan struct{}),
	}
}

// Start consumes in the background and returns once the first session is
// set up or ctx ends. Start after Stop does nothing.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		handler := &consumerGroupHandler{consumer: c}
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("consumer session failed", zap.Strings("topics", c.topics), zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Warn("consumer group error", zap.Error(err))
			}
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the consumer and waits for all goroutines to finish.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()

	if err := c.consumerGroup.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}
	if err := c.dlqProducer.Close(); err != nil {
		return fmt.Errorf("failed to close DLQ producer: %w", err)
	}
	return nil
}

// Ready is closed once the first consumer session has been set up.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.readyOnce.Do(func() { close(h.consumer.ready) })
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process handles message with retries and parks it in the DLQ when every
// attempt fails.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) {
	attempts, err := c.processMessageWithRetry(ctx, message)
	if err == nil || ctx.Err() != nil {
		return
	}
	if dlqErr := c.sendToDLQ(ctx, message, attempts, err); dlqErr != nil {
		c.logger.Error("failed to park message in DLQ",
			zap.String("topic", message.Topic), zap.Int64("offset", message.Offset), zap.Error(dlqErr))
	}
}

func (c *Consumer) processMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) (int, error) {
	maxRetries := c.config.Consumer.MaxRetries
	backoff := time.Duration(c.config.Consumer.RetryBackoffMs) * time.Millisecond

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := c.handler(ctx, message)
		if err == nil {
			return attempts, nil
		}
		if errors.Is(err, ErrPermanent) {
			return attempts, err
		}
		lastErr = err

		if attempt < maxRetries {
			if err := sleep(ctx, backoff); err != nil {
				return attempts, err
			}
			backoff *= 2
		}
	}
	return attempts, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// sendToDLQ forwards the original key and value with the failure recorded in
// headers.
func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, attempts int, processingErr error) error {
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderDLQError), Value: []byte(processingErr.Error())},
		{Key: []byte(HeaderDLQOriginTopic), Value: []byte(message.Topic)},
		{Key: []byte(HeaderDLQOriginOffset), Value: []byte(strconv.FormatInt(message.Offset, 10))},
		{Key: []byte(HeaderDLQAttemptsCount), Value: []byte(strconv.Itoa(attempts))},
	}
	if _, _, err := c.dlqProducer.Produce(ctx, c.config.Topics.DLQ, message.Key, message.Value, headers...); err != nil {
		return err
	}
	c.logger.Warn("message moved to DLQ",
		zap.String("topic", message.Topic),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset),
		zap.Int("attempts", attempts),
		zap.Error(processingErr))
	return nil
}
