package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"transcript-relay-service/internal/models"
)

// ErrUnknownEventType is returned by Decode for events this package does not publish.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is one decoded message from the history or final topic.
// Exactly one of History and Final is set.
type Event struct {
	Type      string
	SessionID string
	History   *models.HistorySnapshot
	Final     *models.TurnFinal
}

// Decode parses a published message value. The eventType header wins over
// the eventType field of the payload when both are present.
func Decode(msg kafka.Message) (Event, error) {
	var envelope struct {
		EventType string `json:"eventType"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	eventType := envelope.EventType
	for _, h := range msg.Headers {
		if h.Key == "eventType" && len(h.Value) > 0 {
			eventType = string(h.Value)
		}
	}

	ev := Event{Type: eventType, SessionID: envelope.SessionID}
	switch eventType {
	case models.EventTypeHistory:
		var snap models.HistorySnapshot
		if err := json.Unmarshal(msg.Value, &snap); err != nil {
			return Event{}, fmt.Errorf("decode history snapshot: %w", err)
		}
		ev.History = &snap
	case models.EventTypeTurnFinal:
		var final models.TurnFinal
		if err := json.Unmarshal(msg.Value, &final); err != nil {
			return Event{}, fmt.Errorf("decode turn final: %w", err)
		}
		ev.Final = &final
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	return ev, nil
}

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
}

// Consumer reads history and final events back from Kafka.
type Consumer struct {
	reader *kafka.Reader
	topics []string
}

// NewConsumer creates a group consumer over the configured topics.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer requires at least one broker")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer requires at least one topic")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer requires a group id")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    cfg.Topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	log.Info().
		Strs("brokers", cfg.Brokers).
		Strs("topics", cfg.Topics).
		Str("groupId", cfg.GroupID).
		Msg("Kafka consumer initialized")

	return &Consumer{reader: reader, topics: cfg.Topics}, nil
}

// Run delivers every decodable event to handle until ctx is done.
// Undecodable messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context, handle func(Event)) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("Kafka read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := Decode(msg)
		if err != nil {
			log.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("Skipping undecodable event")
			continue
		}
		handle(ev)
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
