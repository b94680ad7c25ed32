package events

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Producer publishes notification lifecycle events (delivered, read) for
// analytics. A nil Producer is a no-op so deployments without kafka skip
// the whole concern.
type Producer struct {
	writer *kafkago.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
	}
	return &Producer{writer: w}
}

type Event struct {
	Kind           string `json:"kind"` // "delivered" | "read"
	SessionKey     string `json:"session_key"`
	NotificationID string `json:"notification_id,omitempty"`
	Count          int    `json:"count,omitempty"`
	At             int64  `json:"at"`
}

func (p *Producer) Publish(ctx context.Context, ev Event) error {
	if p == nil {
		return nil
	}
	ev.At = time.Now().UnixMilli()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.SessionKey),
		Value: b,
		Time:  time.Now(),
	})
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
