package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

const boardService = "onbalansmarkt"

// DefaultOnbalansmarktURL is the public results board.
const DefaultOnbalansmarktURL = "https://onbalansmarkt.com"

// timestampLayout matches what the board expects: UTC with milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// livePayload is the body of POST /api/live. The board takes every
// number as a string.
type livePayload struct {
	Timestamp              string `json:"timestamp"`
	BatteryResult          string `json:"batteryResult"`
	BatteryResultTotal     string `json:"batteryResultTotal"`
	BatteryResultEpex      string `json:"batteryResultEpex"`
	BatteryResultImbalance string `json:"batteryResultImbalance"`
	BatteryResultCustom    string `json:"batteryResultCustom"`
	Mode                   string `json:"mode,omitempty"`
}

type profileResponse struct {
	ResultToday *struct {
		OverallRank  *int `json:"overallRank"`
		ProviderRank *int `json:"providerRank"`
	} `json:"resultToday"`
}

// OnbalansmarktClient uploads measurements to the results board and reads
// the account's ranking back.
type OnbalansmarktClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewOnbalansmarktClient creates a new OnbalansmarktClient.
func NewOnbalansmarktClient(httpClient *http.Client, baseURL, apiKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *OnbalansmarktClient {
	return &OnbalansmarktClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		cb:         cb,
		cfg:        cfg,
	}
}

// SendMeasurement posts today's results.
func (c *OnbalansmarktClient) SendMeasurement(ctx context.Context, m domain.Measurement) error {
	ctx, span := tracer.Start(ctx, "OnbalansmarktClient.SendMeasurement")
	defer span.End()
	span.SetAttributes(
		attribute.String("battery.result", m.BatteryResult.String()),
		attribute.String("trading.mode", string(m.Mode)),
	)

	body, err := json.Marshal(livePayload{
		Timestamp:              m.Timestamp.UTC().Format(timestampLayout),
		BatteryResult:          m.BatteryResult.String(),
		BatteryResultTotal:     m.BatteryResultTotal.String(),
		BatteryResultEpex:      m.BatteryResultEpex.String(),
		BatteryResultImbalance: m.BatteryResultImbalance.String(),
		BatteryResultCustom:    m.BatteryResultCustom.String(),
		Mode:                   string(m.Mode),
	})
	if err != nil {
		return err
	}
	return c.execute(ctx, http.MethodPost, "/api/live", body, nil)
}

// FetchRanking reads today's overall and provider rank. Ranks the board
// has not computed yet are nil.
func (c *OnbalansmarktClient) FetchRanking(ctx context.Context) (*domain.Ranking, error) {
	ctx, span := tracer.Start(ctx, "OnbalansmarktClient.FetchRanking")
	defer span.End()

	var profile profileResponse
	if err := c.execute(ctx, http.MethodGet, "/api/me", nil, &profile); err != nil {
		return nil, err
	}
	if profile.ResultToday == nil {
		return &domain.Ranking{}, nil
	}
	return &domain.Ranking{
		OverallRank:  profile.ResultToday.OverallRank,
		ProviderRank: profile.ResultToday.ProviderRank,
	}, nil
}

func (c *OnbalansmarktClient) execute(ctx context.Context, method, path string, body []byte, dst any) error {
	_, err := c.cb.Execute(func() (any, error) {
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			return c.do(ctx, method, path, body, dst)
		})
		return nil, innerErr
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: boardService}
	}
	return &domain.ErrExternalService{Service: boardService, Err: resilience.Unwrap(err)}
}

func (c *OnbalansmarktClient) do(ctx context.Context, method, path string, body []byte, dst any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resilience.Permanent(&domain.ErrUnauthorized{Message: fmt.Sprintf("results board returned status %d", resp.StatusCode)})
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("results board returned status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return resilience.Permanent(fmt.Errorf("results board returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return resilience.Permanent(fmt.Errorf("decoding results board response: %w", err))
	}
	return nil
}
