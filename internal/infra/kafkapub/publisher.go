// Package kafkapub publishes closed accounting days to Kafka.
package kafkapub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// SchemaVersion is stamped on every message as a header.
const SchemaVersion = "1"

// Config holds the writer settings.
type Config struct {
	Brokers      []string
	Topic        string
	EngineID     string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes DailySummary events (implements port.DailySummaryPublisher).
// Messages are keyed by engine id so one engine's days stay ordered.
type Publisher struct {
	cfg    Config
	writer messageWriter
	logger *zap.Logger
}

type summaryEvent struct {
	EngineID string `json:"engine_id"`
	domain.DailySummary
}

// New creates a Publisher backed by a kafka.Writer.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newWithWriter(cfg, w, logger), nil
}

func newWithWriter(cfg Config, w messageWriter, logger *zap.Logger) *Publisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Publisher{cfg: cfg, writer: w, logger: logger}
}

// PublishDailySummary writes one event and waits for the broker acks.
func (p *Publisher) PublishDailySummary(ctx context.Context, s domain.DailySummary) error {
	value, err := json.Marshal(summaryEvent{EngineID: p.cfg.EngineID, DailySummary: s})
	if err != nil {
		return fmt.Errorf("encoding daily summary: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(p.cfg.EngineID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "schema_version", Value: []byte(SchemaVersion)},
			{Key: "trigger", Value: []byte(s.Trigger)},
		},
		Time: s.ClosedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", p.cfg.Topic, err)
	}

	p.logger.Info("kafka: published daily summary",
		zap.String("topic", p.cfg.Topic),
		zap.String("date", s.Date),
		zap.String("trigger", s.Trigger),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
