package notifications

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"queuetrack/internal/waitlist"
	"queuetrack/pkg/logger"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// KafkaProducerConfig contains configuration for the notification producer
type KafkaProducerConfig struct {
	Brokers           []string
	NotificationTopic string
	RetryMax          int
	TimeoutMs         int
	RequiredAcks      sarama.RequiredAcks
	CompressionType   sarama.CompressionCodec
	IdempotentWrites  bool
	MaxMessageBytes   int
	QueueSize         int
}

// DefaultKafkaProducerConfig returns a default producer configuration
func DefaultKafkaProducerConfig() *KafkaProducerConfig {
	return &KafkaProducerConfig{
		Brokers:           []string{"localhost:9092"},
		NotificationTopic: "waitlist-notifications",
		RetryMax:          3,
		TimeoutMs:         10000,
		RequiredAcks:      sarama.WaitForAll,
		CompressionType:   sarama.CompressionSnappy,
		IdempotentWrites:  true,
		MaxMessageBytes:   1000000,
		QueueSize:         64,
	}
}

// PublisherStats counts what the publisher did with observed snapshots
type PublisherStats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// Publisher turns engine snapshots into position and status notifications.
// Observe never blocks; snapshots are handled by a single worker.
type Publisher struct {
	producer sarama.SyncProducer
	config   *KafkaProducerConfig
	log      *logger.Logger
	now      func() time.Time

	snapshots chan waitlist.Snapshot
	stop      chan struct{}
	stopOnce  sync.Once
	worker    sync.WaitGroup

	last map[string]observation

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewKafkaPublisher connects a sync producer to the configured brokers
func NewKafkaPublisher(config *KafkaProducerConfig, log *logger.Logger) (*Publisher, error) {
	if config == nil {
		config = DefaultKafkaProducerConfig()
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = config.RequiredAcks
	saramaConfig.Producer.Compression = config.CompressionType
	saramaConfig.Producer.Retry.Max = config.RetryMax
	saramaConfig.Producer.Timeout = time.Duration(config.TimeoutMs) * time.Millisecond
	saramaConfig.Producer.Idempotent = config.IdempotentWrites
	saramaConfig.Producer.MaxMessageBytes = config.MaxMessageBytes
	if config.IdempotentWrites {
		saramaConfig.Net.MaxOpenRequests = 1
	}
	// hash partitioner keeps one email's messages ordered
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewPublisher(producer, config, log), nil
}

// NewPublisher wraps an existing producer
func NewPublisher(producer sarama.SyncProducer, config *KafkaProducerConfig, log *logger.Logger) *Publisher {
	if config == nil {
		config = DefaultKafkaProducerConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Publisher{
		producer:  producer,
		config:    config,
		log:       log.WithComponent("notifications"),
		now:       time.Now,
		snapshots: make(chan waitlist.Snapshot, config.QueueSize),
		stop:      make(chan struct{}),
		last:      make(map[string]observation),
	}
}

// Start launches the worker
func (p *Publisher) Start() {
	p.worker.Add(1)
	go p.run()
}

// Observe queues a snapshot. It is meant to be registered as an engine
// subscriber and drops the snapshot when the queue is full.
func (p *Publisher) Observe(s waitlist.Snapshot) {
	select {
	case <-p.stop:
		return
	default:
	}

	select {
	case p.snapshots <- s:
	default:
		p.dropped.Add(1)
		p.log.Warn("Notification queue full, snapshot dropped", "email", s.Email)
	}
}

// Stats returns the publisher counters
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Sent:    p.sent.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
	}
}

// Close stops the worker after it drains queued snapshots, then closes the producer
func (p *Publisher) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.worker.Wait()

	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			return fmt.Errorf("failed to close Kafka producer: %w", err)
		}
	}
	p.log.Info("Notification publisher closed")
	return nil
}

func (p *Publisher) run() {
	defer p.worker.Done()
	for {
		select {
		case s := <-p.snapshots:
			p.handle(s)
		case <-p.stop:
			for {
				select {
				case s := <-p.snapshots:
					p.handle(s)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) handle(s waitlist.Snapshot) {
	n := p.detect(s)
	if n == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.config.TimeoutMs)*time.Millisecond)
	defer cancel()
	if err := p.Publish(ctx, n); err != nil {
		p.failed.Add(1)
		p.log.ErrorWithContext(ctx, "Failed to publish waitlist notification", err, map[string]interface{}{
			"email": n.Email,
			"type":  string(n.Type),
		})
		return
	}
	p.sent.Add(1)
}

// detect compares s with the last view of its email. The first sighting of
// an email only records a baseline.
func (p *Publisher) detect(s waitlist.Snapshot) *WaitlistNotification {
	if s.Entry == nil {
		return nil
	}
	entry := s.Entry

	cur := observation{position: entry.Position, status: entry.Status}
	if s.Insights != nil {
		cur.tier = s.Insights.Tier.Name
	}

	prev, seen := p.last[entry.Email]
	p.last[entry.Email] = cur
	if !seen || prev == cur {
		return nil
	}

	n := &WaitlistNotification{
		ID:               uuid.New(),
		Type:             NotificationTypePositionChanged,
		Email:            entry.Email,
		Position:         cur.position,
		Status:           cur.status,
		Tier:             cur.tier,
		ReferralCount:    entry.ReferralCount,
		PreviousPosition: prev.position,
		PreviousStatus:   prev.status,
		PreviousTier:     prev.tier,
		CreatedAt:        p.now().UTC(),
	}
	if prev.status != cur.status {
		n.Type = NotificationTypeStatusChanged
	}
	if s.Insights != nil {
		n.ProjectedPosition = s.Insights.ProjectedPosition
		invite := s.Insights.InviteDate
		n.EstimatedInvite = &invite
		n.EstimateText = s.Insights.Bucket.Text
	}
	return n
}

// Publish sends one notification to the notifications topic
func (p *Publisher) Publish(ctx context.Context, n *WaitlistNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messageBytes, err := n.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic:     p.config.NotificationTopic,
		Key:       sarama.StringEncoder(n.GetPartitionKey()),
		Value:     sarama.ByteEncoder(messageBytes),
		Headers:   p.createHeaders(n),
		Timestamp: n.CreatedAt,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to send notification to Kafka: %w", err)
	}

	p.log.InfoWithContext(ctx, "Waitlist notification published", map[string]interface{}{
		"topic":     p.config.NotificationTopic,
		"partition": partition,
		"offset":    offset,
		"type":      string(n.Type),
		"position":  n.Position,
	})
	return nil
}

func (p *Publisher) createHeaders(n *WaitlistNotification) []sarama.RecordHeader {
	return []sarama.RecordHeader{
		{Key: []byte("notification_id"), Value: []byte(n.ID.String())},
		{Key: []byte("notification_type"), Value: []byte(n.Type)},
		{Key: []byte("status"), Value: []byte(n.Status)},
		{Key: []byte("version"), Value: []byte("1.0")},
		{Key: []byte("producer"), Value: []byte("queuetrack")},
		{Key: []byte("created_at"), Value: []byte(n.CreatedAt.Format(time.RFC3339))},
	}
}
