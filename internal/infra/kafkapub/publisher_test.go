package kafkapub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishDailySummary(t *testing.T) {
	w := &fakeWriter{}
	p := newWithWriter(Config{Topic: "battery.daily", EngineID: "home"}, w, zap.NewNop())

	closedAt := time.Date(2024, 3, 30, 23, 0, 0, 0, time.UTC)
	err := p.PublishDailySummary(context.Background(), domain.DailySummary{
		Date:            "2024-03-30",
		DailyCharged:    15,
		DailyDischarged: 4,
		SourceCount:     2,
		Trigger:         "automatic",
		ClosedAt:        closedAt,
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "home", string(msg.Key))
	assert.Equal(t, closedAt, msg.Time)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "home", decoded["engine_id"])
	assert.Equal(t, "2024-03-30", decoded["date"])
	assert.Equal(t, 15.0, decoded["daily_charged_kwh"])
	assert.Equal(t, "automatic", decoded["trigger"])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, SchemaVersion, headers["schema_version"])
	assert.Equal(t, "automatic", headers["trigger"])
}

func TestPublishDailySummary_WriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newWithWriter(Config{Topic: "battery.daily"}, w, zap.NewNop())

	err := p.PublishDailySummary(context.Background(), domain.DailySummary{Date: "2024-03-30"})
	assert.ErrorContains(t, err, "broker down")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(Config{Topic: "battery.daily"}, zap.NewNop())
	assert.Error(t, err)

	p, err := New(Config{Topic: "battery.daily", Brokers: []string{"localhost:9092"}}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
