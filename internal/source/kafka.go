package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/models"
)

// KafkaConfig configures the consumer-group reader.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Kafka consumes raw messages from a topic. A record value is either a JSON object
// {id, ts, text} or plain text.
type Kafka struct {
	reader *kafka.Reader
	topic  string
}

// NewKafka creates a Kafka source.
func NewKafka(cfg KafkaConfig) *Kafka {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // commit explicitly once queued
		StartOffset:    kafka.FirstOffset,
	})
	return &Kafka{reader: reader, topic: cfg.Topic}
}

// Name identifies the source.
func (k *Kafka) Name() string { return "kafka" }

// Run fetches messages and commits each one after it has been queued.
func (k *Kafka) Run(ctx context.Context, out chan<- models.RawMessage) error {
	defer k.reader.Close()
	logger.Info("Kafka source consuming topic %s", k.topic)
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to fetch kafka message: %w", err)
		}

		raw, ok := decodeRecord(msg)
		if ok {
			select {
			case out <- raw:
			case <-ctx.Done():
				return nil
			}
		} else {
			logger.Debug("Kafka record %d/%d has no text, skipped", msg.Partition, msg.Offset)
		}

		// Commit undecodable records too so the group does not stall on them.
		if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Warn("Failed to commit kafka offset %d: %v", msg.Offset, err)
		}
	}
}

type record struct {
	ID   string `json:"id"`
	TS   string `json:"ts"`
	Text string `json:"text"`
}

func decodeRecord(msg kafka.Message) (models.RawMessage, bool) {
	raw := models.RawMessage{
		ID:         fmt.Sprintf("kafka:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset),
		Source:     "kafka",
		ReceivedAt: msg.Time.UTC(),
		Text:       string(msg.Value),
	}

	var rec record
	if trimmed := strings.TrimSpace(raw.Text); strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &rec) == nil && rec.Text != "" {
		raw.Text = rec.Text
		if rec.ID != "" {
			raw.ID = rec.ID
		}
		if ts, err := time.Parse(time.RFC3339Nano, rec.TS); err == nil {
			raw.ReceivedAt = ts.UTC()
		}
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}
	if strings.TrimSpace(raw.Text) == "" {
		return models.RawMessage{}, false
	}
	return raw, true
}
