package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer publishes driver locations and ride lifecycle events for
// downstream consumers (the worker process feeds locations into the geo
// index).
type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationsTopic, Balancer: &kafka.LeastBytes{}}),
		events:    kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventsTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

type rideEvent struct {
	Event string       `json:"event"`
	TS    time.Time    `json:"ts"`
	Ride  *models.Ride `json:"ride"`
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, event string, ride *models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(rideEvent{Event: event, TS: time.Now(), Ride: ride})
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(ride.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
