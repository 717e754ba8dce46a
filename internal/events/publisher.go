package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic receives every redemption lifecycle event.
const DefaultTopic = "discount.redemption.events"

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher writes redemption events to a Kafka topic.
// Records are keyed by code ID so events for one code stay ordered.
type KafkaPublisher struct {
	producer Producer
	topic    string
	now      func() time.Time
	logger   zerolog.Logger
}

// NewKafkaClient builds a franz-go client for producing events.
func NewKafkaClient(brokers []string, clientID string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordRetries(5),
	)
}

// NewKafkaPublisher creates a publisher over an existing producer.
func NewKafkaPublisher(producer Producer, topic string, logger zerolog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		now:      time.Now,
		logger:   logger.With().Str("component", "events").Str("topic", topic).Logger(),
	}
}

// Publish sends the event asynchronously. Delivery failures are logged
// and never reach the redemption path.
func (p *KafkaPublisher) Publish(ctx context.Context, event model.RedemptionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to encode event")
		return
	}

	key := "sweep"
	if event.CodeID != uuid.Nil {
		key = event.CodeID.String()
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	// The record outlives the request, so it must not inherit its cancellation.
	p.producer.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", string(event.Type)).
				Msg("failed to publish event")
		}
	})
}

// ObserveSweep publishes a reclaimed event when a sweep freed held uses.
func (p *KafkaPublisher) ObserveSweep(reclaimed int, err error) {
	if err != nil || reclaimed == 0 {
		return
	}
	p.Publish(context.Background(), model.RedemptionEvent{
		ID:         uuid.New(),
		Type:       model.EventReclaimed,
		Count:      reclaimed,
		OccurredAt: p.now().UTC(),
	})
}

// Close flushes buffered records and closes the producer.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	defer p.producer.Close()
	if err := p.producer.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	return nil
}

// EnsureTopic creates the events topic, tolerating one that already exists.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int, replication int16) error {
	adm := kadm.NewClient(client)

	resp, err := adm.CreateTopics(ctx, int32(partitions), replication, nil, topic)
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	for _, detail := range resp {
		if detail.Err != nil && !strings.Contains(detail.Err.Error(), "already exists") {
			return fmt.Errorf("failed to create topic %s: %w", detail.Topic, detail.Err)
		}
	}
	return nil
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, model.RedemptionEvent) {}
