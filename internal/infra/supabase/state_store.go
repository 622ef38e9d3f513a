package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const stateTable = "engine_state"

// stateRow maps the engine_state table: one row per engine.
type stateRow struct {
	EngineID  string          `json:"engine_id"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StateStore keeps the engine blob in a single engine_state row
// (implements port.StateStore).
type StateStore struct {
	client   *Client
	engineID string
	now      func() time.Time
}

// NewStateStore creates a StateStore for the given engine id.
func NewStateStore(client *Client, engineID string) *StateStore {
	return &StateStore{client: client, engineID: engineID, now: time.Now}
}

func (s *StateStore) filter() string {
	return "engine_id=eq." + url.QueryEscape(s.engineID)
}

// Load fetches the stored blob. A missing row is not an error.
func (s *StateStore) Load(ctx context.Context) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "Supabase.LoadState")
	defer span.End()
	span.SetAttributes(attribute.String("engine.id", s.engineID))

	var blob []byte
	err := s.client.call(ctx, func() error {
		body, err := s.client.doGet(ctx, fmt.Sprintf("%s?%s&select=engine_id,state,updated_at&limit=1", stateTable, s.filter()))
		if err != nil {
			return err
		}
		if body == nil {
			blob = nil
			return nil
		}
		var rows []stateRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("failed to decode engine state: %w", err)
		}
		if len(rows) == 0 || len(rows[0].State) == 0 || string(rows[0].State) == "null" {
			blob = nil
			return nil
		}
		blob = rows[0].State
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return blob, blob != nil, nil
}

// Save upserts the blob. The blob must be valid JSON.
func (s *StateStore) Save(ctx context.Context, blob []byte) error {
	ctx, span := tracer.Start(ctx, "Supabase.SaveState")
	defer span.End()
	span.SetAttributes(attribute.String("engine.id", s.engineID))

	if !json.Valid(blob) {
		return fmt.Errorf("engine state is not valid JSON")
	}
	row := stateRow{EngineID: s.engineID, State: blob, UpdatedAt: s.now().UTC()}
	return s.client.call(ctx, func() error {
		return s.client.doPost(ctx, stateTable+"?on_conflict=engine_id", "resolution=merge-duplicates,return=minimal", row)
	})
}

// Clear deletes the engine's row.
func (s *StateStore) Clear(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Supabase.ClearState")
	defer span.End()
	span.SetAttributes(attribute.String("engine.id", s.engineID))

	return s.client.call(ctx, func() error {
		return s.client.doDelete(ctx, fmt.Sprintf("%s?%s", stateTable, s.filter()))
	})
}
