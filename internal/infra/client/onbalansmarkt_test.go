package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/client"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBoardClient(srv *httptest.Server) *client.OnbalansmarktClient {
	return client.NewOnbalansmarktClient(
		srv.Client(),
		srv.URL+"/",
		"board-key",
		resilience.NewCircuitBreaker("board-test", zap.NewNop()),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
	)
}

func TestOnbalansmarktClient_SendMeasurement(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/live", r.URL.Path)
		assert.Equal(t, "Bearer board-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	err = newBoardClient(srv).SendMeasurement(context.Background(), domain.Measurement{
		Timestamp:              time.Date(2024, 6, 10, 14, 30, 0, 0, loc),
		BatteryResult:          decimal.RequireFromString("3.1"),
		BatteryResultTotal:     decimal.RequireFromString("140.75"),
		BatteryResultEpex:      decimal.RequireFromString("1.2"),
		BatteryResultImbalance: decimal.RequireFromString("-0.4"),
		BatteryResultCustom:    decimal.RequireFromString("0.25"),
		Mode:                   domain.ModeImbalanceAggressive,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"timestamp":              "2024-06-10T12:30:00.000Z",
		"batteryResult":          "3.1",
		"batteryResultTotal":     "140.75",
		"batteryResultEpex":      "1.2",
		"batteryResultImbalance": "-0.4",
		"batteryResultCustom":    "0.25",
		"mode":                   "imbalance_aggressive",
	}, got)
}

func TestOnbalansmarktClient_ModeIsOptional(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, newBoardClient(srv).SendMeasurement(context.Background(), domain.Measurement{
		Timestamp:     time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
		BatteryResult: decimal.NewFromInt(2),
	}))
	assert.NotContains(t, got, "mode")
	assert.Equal(t, "0", got["batteryResultTotal"])
}

func TestOnbalansmarktClient_FetchRanking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/me", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"me","resultToday":{"overallRank":42,"providerRank":null}}`))
	}))
	defer srv.Close()

	rank, err := newBoardClient(srv).FetchRanking(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rank.OverallRank)
	assert.Equal(t, 42, *rank.OverallRank)
	assert.Nil(t, rank.ProviderRank)
}

func TestOnbalansmarktClient_NoResultToday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"me"}`))
	}))
	defer srv.Close()

	rank, err := newBoardClient(srv).FetchRanking(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rank.OverallRank)
}

func TestOnbalansmarktClient_Errors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newBoardClient(srv).SendMeasurement(context.Background(), domain.Measurement{Timestamp: time.Now()})
	var extErr *domain.ErrExternalService
	require.True(t, errors.As(err, &extErr))
	assert.Equal(t, "onbalansmarkt", extErr.Service)
	var unauthorized *domain.ErrUnauthorized
	assert.True(t, errors.As(err, &unauthorized))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "auth failures are not retried")
}
