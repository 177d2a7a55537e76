// Package events publishes image lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"imgbed/internal/models"
)

const (
	TypeImageCreated  = "image.created"
	TypeImageDeleted  = "image.deleted"
	TypeSyncCompleted = "sync.completed"
)

type Event struct {
	Type    string    `json:"type"`
	ImageID string    `json:"imageId,omitempty"`
	FileID  string    `json:"fileId,omitempty"`
	URL     string    `json:"url,omitempty"`
	Source  string    `json:"source,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// ImageEvent describes a change to one record.
func ImageEvent(typ string, img *models.Image) Event {
	return Event{
		Type:    typ,
		ImageID: img.ID,
		FileID:  img.FileID,
		URL:     img.URL,
		Source:  img.Source,
		At:      time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	w MessageWriter
}

func NewKafka(cfg models.KafkaConfig) *Kafka {
	return &Kafka{w: kafka.NewWriter(kafka.WriterConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
	})}
}

// NewKafkaWriter wraps an existing writer.
func NewKafkaWriter(w MessageWriter) *Kafka {
	return &Kafka{w: w}
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	const op = "events.Kafka.Publish"

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := kafka.Message{Key: []byte(ev.ImageID), Value: data}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}

// New picks the Kafka publisher when brokers are configured.
func New(cfg models.KafkaConfig) Publisher {
	if cfg.Enabled() {
		return NewKafka(cfg)
	}
	return Nop{}
}

// Decode parses an event produced by Publish.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("events.Decode: %w", err)
	}
	return ev, nil
}
