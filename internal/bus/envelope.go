package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire format of every bus message. Timestamp is a
// millisecond epoch; Source identifies the publishing process.
type Envelope struct {
	Type            string          `json:"type"`
	Timestamp       int64           `json:"timestamp"`
	Source          string          `json:"source"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	ResponseChannel string          `json:"responseChannel,omitempty"`
}

// NewEnvelope builds an envelope around a typed payload.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Time converts the millisecond epoch back to a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.Type, err)
	}
	return data, nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type tag")
	}
	return env, nil
}
