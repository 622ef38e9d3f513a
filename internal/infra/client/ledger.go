// Package client holds the outbound HTTP clients of the BFA.
// LedgerClient talks to the trading ledger's GraphQL endpoint; OnbalansmarktClient
// uploads results to the public results board.
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
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

const ledgerService = "trading_ledger"

// authErrorMessage is the GraphQL error the ledger returns for a missing or expired token.
const authErrorMessage = "user-error:auth-not-authorised"

const smartBatteriesQuery = `query SmartBatteries {
  smartBatteries {
    brand
    capacity
    externalReference
    id
    provider
  }
}`

const smartBatteryQuery = `query SmartBattery($deviceId: String!) {
  smartBattery(deviceId: $deviceId) {
    brand
    capacity
    externalReference
    id
    provider
    settings {
      batteryMode
      imbalanceTradingStrategy
      tradingAlgorithm
    }
  }
}`

const smartBatterySessionsQuery = `query SmartBatterySessions($startDate: String!, $endDate: String!, $deviceId: String!) {
  smartBatterySessions(startDate: $startDate, endDate: $endDate, deviceId: $deviceId) {
    deviceId
    fairUsePolicyVerified
    periodStartDate
    periodEndDate
    periodEpexResult
    periodFrankSlim
    periodImbalanceResult
    periodTotalResult
    periodTradeIndex
    periodTradingResult
    sessions {
      cumulativeResult
      date
      result
      status
      tradeIndex
    }
  }
}`

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// LedgerClient fetches batteries and trading sessions from the ledger API.
type LedgerClient struct {
	httpClient *http.Client
	endpoint   string
	token      string
	loc        *time.Location
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewLedgerClient creates a new LedgerClient. Dates sent to the ledger are
// calendar days in loc.
func NewLedgerClient(httpClient *http.Client, endpoint, token string, loc *time.Location, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *LedgerClient {
	return &LedgerClient{
		httpClient: httpClient,
		endpoint:   endpoint,
		token:      token,
		loc:        loc,
		cb:         cb,
		cfg:        cfg,
	}
}

// FetchSessions fetches a battery's trading results for [start, end].
func (c *LedgerClient) FetchSessions(ctx context.Context, sourceID string, start, end time.Time) (*domain.SessionResult, error) {
	ctx, span := tracer.Start(ctx, "LedgerClient.FetchSessions")
	defer span.End()
	span.SetAttributes(attribute.String("battery.id", sourceID))

	var out struct {
		SmartBatterySessions *domain.SessionResult `json:"smartBatterySessions"`
	}
	err := c.execute(ctx, graphQLRequest{
		Query:         smartBatterySessionsQuery,
		OperationName: "SmartBatterySessions",
		Variables: map[string]any{
			"deviceId":  sourceID,
			"startDate": start.In(c.loc).Format(domain.DateLayout),
			"endDate":   end.In(c.loc).Format(domain.DateLayout),
		},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.SmartBatterySessions == nil {
		return nil, &domain.ErrNotFound{Resource: "battery sessions", ID: sourceID}
	}
	return out.SmartBatterySessions, nil
}

// ListBatteries returns every battery registered on the account.
func (c *LedgerClient) ListBatteries(ctx context.Context) ([]domain.Battery, error) {
	ctx, span := tracer.Start(ctx, "LedgerClient.ListBatteries")
	defer span.End()

	var out struct {
		SmartBatteries []domain.Battery `json:"smartBatteries"`
	}
	if err := c.execute(ctx, graphQLRequest{
		Query:         smartBatteriesQuery,
		OperationName: "SmartBatteries",
	}, &out); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("battery.count", len(out.SmartBatteries)))
	return out.SmartBatteries, nil
}

// GetBattery fetches one battery including its trading settings.
func (c *LedgerClient) GetBattery(ctx context.Context, sourceID string) (*domain.Battery, error) {
	ctx, span := tracer.Start(ctx, "LedgerClient.GetBattery")
	defer span.End()
	span.SetAttributes(attribute.String("battery.id", sourceID))

	var out struct {
		SmartBattery *domain.Battery `json:"smartBattery"`
	}
	if err := c.execute(ctx, graphQLRequest{
		Query:         smartBatteryQuery,
		OperationName: "SmartBattery",
		Variables:     map[string]any{"deviceId": sourceID},
	}, &out); err != nil {
		return nil, err
	}
	if out.SmartBattery == nil {
		return nil, &domain.ErrNotFound{Resource: "battery", ID: sourceID}
	}
	return out.SmartBattery, nil
}

// execute posts one GraphQL operation with retry, circuit breaker and
// decodes its data into dst.
func (c *LedgerClient) execute(ctx context.Context, gqlReq graphQLRequest, dst any) error {
	body, err := json.Marshal(gqlReq)
	if err != nil {
		return err
	}

	_, err = c.cb.Execute(func() (any, error) {
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			return c.post(ctx, body, dst)
		})
		return nil, innerErr
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: ledgerService}
	}
	return &domain.ErrExternalService{Service: ledgerService, Err: resilience.Unwrap(err)}
}

func (c *LedgerClient) post(ctx context.Context, body []byte, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resilience.Permanent(&domain.ErrUnauthorized{Message: fmt.Sprintf("ledger API returned status %d", resp.StatusCode)})
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("ledger API returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return resilience.Permanent(fmt.Errorf("ledger API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var gqlResp graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return fmt.Errorf("decoding ledger response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			if e.Message == authErrorMessage {
				return resilience.Permanent(&domain.ErrUnauthorized{Message: "authentication required or token expired"})
			}
			msgs = append(msgs, e.Message)
		}
		return resilience.Permanent(fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
	}
	if err := json.Unmarshal(gqlResp.Data, dst); err != nil {
		return resilience.Permanent(fmt.Errorf("decoding ledger data: %w", err))
	}
	return nil
}
