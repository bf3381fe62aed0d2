package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/config"
)

// Event types
const (
	VirtualMeterCreated = "virtual_meter_created"
	VirtualMeterDeleted = "virtual_meter_deleted"
	ModelTrained        = "model_trained"
	ModelDeleted        = "model_deleted"
	ForecastLoaded      = "forecast_loaded"
)

// Event is the audit record of one successful console action
type Event struct {
	Type         string    `json:"type"`
	Time         time.Time `json:"time"`
	VirtualMeter string    `json:"virtualMeter,omitempty"`
	Algorithm    string    `json:"algorithm,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	SubmeterIDs  []string  `json:"submeterIds,omitempty"`
	Points       int       `json:"points,omitempty"`
}

// Publisher sends console events somewhere
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON, keyed by virtual meter so the events of
// one meter stay ordered within a partition
type Kafka struct {
	writer messageWriter
	clock  clock.PassiveClock
}

// NewKafka creates a publisher for cfg.Topic on cfg.Brokers
func NewKafka(cfg config.EventsConfig) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	klog.V(2).InfoS("Publishing console events to Kafka", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &Kafka{writer: w, clock: clock.RealClock{}}
}

// Publish stamps e with the current time if it has none and writes it
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = k.clock.Now().UTC()
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %v", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.VirtualMeter),
		Value: b,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}

	klog.V(3).InfoS("Published console event", "type", e.Type, "virtualMeter", e.VirtualMeter)
	return nil
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
