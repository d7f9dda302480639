package outbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSchemaVersion is stamped on envelopes whose event did not set one.
const DefaultSchemaVersion = 1

var (
	ErrEmptyRoutingKey   = errors.New("routing key is required")
	ErrInvalidRoutingKey = errors.New("routing key must be dotted segments, e.g. lead.created")
)

// Envelope is the wire format shared by every service. The shell is fixed;
// only Payload varies per event type. Bump SchemaVersion on breaking payload
// changes.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope seals an Event into its wire envelope. The event ID is
// generated here when absent and is never regenerated afterwards.
func NewEnvelope(event Event, producer string) (Envelope, error) {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	eventID := event.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	version := event.SchemaVersion
	if version == 0 {
		version = DefaultSchemaVersion
	}

	return Envelope{
		EventID:       eventID,
		EventType:     event.EventType,
		SchemaVersion: version,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		Source:        event.Source,
		Payload:       body,
	}, nil
}

// ParseEnvelope decodes a received message body.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.EventID == "" {
		return Envelope{}, errors.New("envelope has no event_id")
	}
	if env.EventType == "" {
		return Envelope{}, errors.New("envelope has no event_type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope body into a typed payload struct.
func (e Envelope) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// ValidateRoutingKey enforces the dotted domain.entity.action hierarchy used
// by topic bindings. Wildcards are a consumer-side concept and are rejected
// on the producer side.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return ErrEmptyRoutingKey
	}
	for _, segment := range strings.Split(key, ".") {
		if segment == "" {
			return ErrInvalidRoutingKey
		}
		for _, r := range segment {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '_' || r == '-':
			default:
				return ErrInvalidRoutingKey
			}
		}
	}
	return nil
}
