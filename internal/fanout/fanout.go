// Package fanout bridges persisted writes to live subscribers through a
// change-notification channel (Kafka topic, or an in-process channel for
// tests and single-node deployments).
package fanout

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/chatscribe/chatscribe/internal/store"
)

const (
	// maxPayloadBytes mirrors the notification channel's message-size
	// limit; anything larger has its content truncated before publish.
	maxPayloadBytes = 8000
	truncatedRunes  = 200
)

const (
	EventInsert = "insert"
	EventUpdate = "update"
)

// Notification is one persisted-write event on the change channel.
type Notification struct {
	ID      string           `json:"id"`
	Event   string           `json:"event"`
	GroupID string           `json:"group_id"`
	Message store.MessageRow `json:"message"`
	SentAt  time.Time        `json:"sent_at"`
}

// NewNotification stamps an id and timestamp onto a write event.
func NewNotification(event string, msg store.MessageRow) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Event:   event,
		GroupID: msg.GroupID,
		Message: msg,
		SentAt:  time.Now().UTC(),
	}
}

// Encode marshals the notification, truncating oversized content so the
// payload stays within the channel limit.
func Encode(n Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	if len(data) <= maxPayloadBytes {
		return data, nil
	}
	content := []rune(n.Message.Content)
	if len(content) > truncatedRunes {
		n.Message.Content = string(content[:truncatedRunes]) + "..."
	}
	return json.Marshal(n)
}

// Publisher pushes notifications onto the change channel.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// KafkaPublisher writes notifications to a Kafka topic, keyed by group id
// so one group's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, n Notification) error {
	data, err := Encode(n)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.GroupID),
		Value: data,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// Source is the consuming side of the change channel.
type Source interface {
	Start(ctx context.Context) error
	Messages() <-chan []byte
	Close() error
}

// KafkaSource consumes the notification topic.
type KafkaSource struct {
	reader *kafka.Reader
	out    chan []byte
}

// NewKafkaSource creates a consumer on the notification topic.
func NewKafkaSource(brokers, groupID, topic string) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  strings.Split(brokers, ","),
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		out: make(chan []byte, 100),
	}
}

func (s *KafkaSource) Start(ctx context.Context) error {
	go func() {
		defer close(s.out)
		for {
			msg, err := s.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			select {
			case s.out <- msg.Value:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *KafkaSource) Messages() <-chan []byte { return s.out }

func (s *KafkaSource) Close() error { return s.reader.Close() }

// ChannelTransport is an in-process Publisher+Source pair, used in tests
// and in single-node deployments without a broker.
type ChannelTransport struct {
	ch chan []byte
}

// NewChannelTransport creates an in-process transport.
func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{ch: make(chan []byte, 100)}
}

func (t *ChannelTransport) Publish(ctx context.Context, n Notification) error {
	data, err := Encode(n)
	if err != nil {
		return err
	}
	select {
	case t.ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ChannelTransport) Start(ctx context.Context) error { return nil }

func (t *ChannelTransport) Messages() <-chan []byte { return t.ch }

func (t *ChannelTransport) Close() error {
	close(t.ch)
	return nil
}
