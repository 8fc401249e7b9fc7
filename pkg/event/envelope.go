package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version written by Encode.
const Version = 1

// Envelope is the serialized form of every event on the channel.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Version    int             `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	Source     string          `json:"source"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
}

// New wraps a payload in an envelope with a random id.
func New(source string, p Payload) (*Envelope, error) {
	return NewWithID(uuid.NewString(), source, p)
}

// NewWithID wraps a payload with a caller-chosen id. Handlers that may run
// more than once for the same input use DerivedID so a redelivery republishes
// an identical envelope.
func NewWithID(id, source string, p Payload) (*Envelope, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.EventType(), err)
	}
	return &Envelope{
		ID:         id,
		Type:       p.EventType(),
		Version:    Version,
		OccurredAt: time.Now().UTC(),
		Source:     source,
		Key:        p.Key(),
		Payload:    raw,
	}, nil
}

// DerivedID is the deterministic id of the event of type t produced for key.
func DerivedID(t Type, key string) string {
	return string(t) + ":" + key
}

// Encode serializes the envelope.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses an envelope and its typed payload. Unknown types,
// unsupported versions and payloads that fail validation are rejected.
func Decode(data []byte) (*Envelope, Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	p, err := env.Decode()
	if err != nil {
		return nil, nil, err
	}
	return &env, p, nil
}

// Decode returns the typed payload carried by the envelope.
func (e *Envelope) Decode() (Payload, error) {
	if e.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	var p Payload
	switch e.Type {
	case TypeOrderCreate:
		p = decodeAs[OrderCreate](e.Payload)
	case TypeOrderAdmitted:
		p = decodeAs[OrderAdmitted](e.Payload)
	case TypeOrderFailed:
		p = decodeAs[OrderFailed](e.Payload)
	case TypeOrderMatched:
		p = decodeAs[OrderMatched](e.Payload)
	case TypeOrderCancel:
		p = decodeAs[OrderCancel](e.Payload)
	case TypeOrderCancelled:
		p = decodeAs[OrderCancelled](e.Payload)
	case TypeOrderCancelRejected:
		p = decodeAs[OrderCancelRejected](e.Payload)
	case TypeOrderMatchFailed:
		p = decodeAs[OrderMatchFailed](e.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: cannot decode %s payload", ErrMalformedEvent, e.Type)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAs[T Payload](raw json.RawMessage) Payload {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
