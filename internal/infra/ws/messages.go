package ws

import "encoding/json"

// Message types pushed to stream clients.
const (
	TypeAggregateUpdate = "aggregate:update"
	TypeDayClosed       = "day:closed"
	TypeHello           = "hello"
)

// Envelope wraps every message sent over the stream.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is the first message a client receives.
type HelloPayload struct {
	ClientID string `json:"client_id"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload is omitted.
func NewEnvelope(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
