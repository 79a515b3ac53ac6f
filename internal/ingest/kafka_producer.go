package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/cab-dispatch/internal/models"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver locations and dispatch outcomes. Messages are
// keyed by driver id and ride id respectively so each stays ordered per key.
type KafkaProducer struct {
	locations MessageWriter
	dispatch  MessageWriter
	now       func() time.Time
}

func NewKafkaProducer(brokers []string, locationTopic, dispatchTopic string) *KafkaProducer {
	return NewKafkaProducerWith(newWriter(brokers, locationTopic), newWriter(brokers, dispatchTopic))
}

// NewKafkaProducerWith wraps existing writers; either may be nil to disable that stream.
func NewKafkaProducerWith(locations, dispatch MessageWriter) *KafkaProducer {
	return &KafkaProducer{locations: locations, dispatch: dispatch, now: time.Now}
}

func newWriter(brokers []string, topic string) MessageWriter {
	if topic == "" {
		return nil
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if k.locations == nil {
		return nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

// MarkAccepted and MarkExpired make the producer a ride repository: the
// outcome is handed to the consumer, which persists it.
func (k *KafkaProducer) MarkAccepted(ctx context.Context, rideID, driverID string) error {
	return k.publishDispatch(ctx, models.DispatchEvent{RideID: rideID, State: models.DispatchMatched, DriverID: driverID, At: k.now().UTC()})
}

func (k *KafkaProducer) MarkExpired(ctx context.Context, rideID string) error {
	return k.publishDispatch(ctx, models.DispatchEvent{RideID: rideID, State: models.DispatchExpired, At: k.now().UTC()})
}

func (k *KafkaProducer) publishDispatch(ctx context.Context, ev models.DispatchEvent) error {
	if k.dispatch == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.dispatch.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []MessageWriter{k.locations, k.dispatch} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
