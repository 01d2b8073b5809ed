package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"queuetrack/pkg/logger"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the account-events consumer
type KafkaConfig struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	SessionTimeoutMs int
	HeartbeatMs      int
	RetryBackoffMs   int
	OffsetOldest     bool
}

func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		GroupID:          "queuetrack-account-events",
		Topics:           []string{"account-events"},
		SessionTimeoutMs: 30000,
		HeartbeatMs:      3000,
		RetryBackoffMs:   100,
		OffsetOldest:     false,
	}
}

// KafkaBridge is a consumer group handler that republishes account events
// on the bus
type KafkaBridge struct {
	bus *Bus
	log *logger.Logger
}

func NewKafkaBridge(bus *Bus, log *logger.Logger) *KafkaBridge {
	if log == nil {
		log = logger.GetDefault()
	}
	return &KafkaBridge{bus: bus, log: log.WithComponent("kafka-bridge")}
}

func (h *KafkaBridge) Setup(session sarama.ConsumerGroupSession) error {
	h.log.Info("Consumer group session started", "member", session.MemberID())
	return nil
}

func (h *KafkaBridge) Cleanup(session sarama.ConsumerGroupSession) error {
	h.log.Info("Consumer group session ended", "member", session.MemberID())
	return nil
}

func (h *KafkaBridge) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			if err := h.processMessage(session.Context(), message); err != nil {
				// leave unmarked so it is redelivered after a rebalance
				h.log.ErrorWithContext(session.Context(), "Account event not delivered", err, map[string]interface{}{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				})
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *KafkaBridge) processMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	ev, err := Decode(message.Value)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) || errors.Is(err, ErrInvalidPayload) {
			h.log.Warn("Skipping account event", "topic", message.Topic, "offset", message.Offset, "error", err)
			return nil
		}
		return err
	}

	if err := h.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("failed to republish %s: %w", ev.Type, err)
	}
	h.log.DebugWithContext(ctx, "Account event republished", map[string]interface{}{
		"event":  string(ev.Type),
		"offset": message.Offset,
	})
	return nil
}

// KafkaConsumer runs a consumer group against a KafkaBridge
type KafkaConsumer struct {
	group  sarama.ConsumerGroup
	topics []string
	bridge *KafkaBridge
	log    *logger.Logger
}

func NewKafkaConsumer(config *KafkaConfig, bridge *KafkaBridge, log *logger.Logger) (*KafkaConsumer, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	if log == nil {
		log = logger.GetDefault()
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Session.Timeout = time.Duration(config.SessionTimeoutMs) * time.Millisecond
	saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(config.HeartbeatMs) * time.Millisecond
	saramaConfig.Consumer.Retry.Backoff = time.Duration(config.RetryBackoffMs) * time.Millisecond
	saramaConfig.Consumer.Return.Errors = true
	if config.OffsetOldest {
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	group, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return newKafkaConsumer(group, config.Topics, bridge, log), nil
}

func newKafkaConsumer(group sarama.ConsumerGroup, topics []string, bridge *KafkaBridge, log *logger.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		group:  group,
		topics: topics,
		bridge: bridge,
		log:    log.WithComponent("kafka-consumer"),
	}
}

// Run consumes until ctx is done. Consume returns on every rebalance, so it
// is called in a loop.
func (c *KafkaConsumer) Run(ctx context.Context) {
	go c.handleErrors()

	c.log.Info("Consuming account events", "topics", c.topics)
	for {
		if err := c.group.Consume(ctx, c.topics, c.bridge); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.log.Error("Error consuming account events", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *KafkaConsumer) handleErrors() {
	for err := range c.group.Errors() {
		c.log.Error("Consumer group error", "error", err)
	}
}

func (c *KafkaConsumer) Close() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close consumer group: %w", err)
	}
	c.log.Info("Account event consumer stopped")
	return nil
}
