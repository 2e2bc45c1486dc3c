// Package protocol defines the messages exchanged between producers, the
// pub/sub backbone and the relay, and the events the relay emits to clients.
//
// Backbone messages and cached terminal results share one JSON shape:
// {"event": "<name>", "data": <opaque JSON>}. The relay never inspects data
// except for the sync state snapshot, where it reads the resource id to pick
// a secondary topic.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-visible event names.
const (
	EventAuthorized         = "authorized"
	EventExpired            = "expired"
	EventDenied             = "denied"
	EventState              = "state"
	EventTranslationUpdated = "translation_updated"
	EventError              = "error"

	// EventLineageChanged is a backbone-only notification on sync topics. The
	// relay answers it with a fresh state snapshot instead of forwarding it.
	EventLineageChanged = "lineage_changed"
)

// Error codes carried in pre-stream error bodies and in-band error events.
const (
	CodeBadRequest               = "BadRequest"
	CodeAuthRequired             = "AuthRequired"
	CodeAuthInvalid              = "AuthInvalid"
	CodeUpstreamUnavailable      = "UpstreamUnavailable"
	CodeBackboneSubscribeFailure = "BackboneSubscribeFailure"
	CodeRateLimited              = "RateLimited"
	CodeTimeout                  = "Timeout"
)

// ErrMalformed is returned when a backbone payload cannot be decoded into a
// Message.
var ErrMalformed = errors.New("malformed message")

// Message is one event published on a backbone topic.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Result is a cached terminal result. It has the same shape as Message and
// holds exactly what a subscribed client would have received.
type Result = Message

// ValidEventName reports whether name can be written as an SSE event field.
// Names must be non-empty and free of control characters, so a producer
// cannot end a frame early with an embedded line break.
func ValidEventName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

func checkEventName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	if !ValidEventName(name) {
		return fmt.Errorf("%w: control character in event name %q", ErrMalformed, name)
	}
	return nil
}

// DecodeMessage parses a raw backbone payload. A payload that is not JSON or
// has a missing or unprintable event name is malformed.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkEventName(m.Event); err != nil {
		return Message{}, err
	}
	if len(m.Data) == 0 {
		m.Data = json.RawMessage("null")
	}
	return m, nil
}

// Encode serializes the message for the backbone.
func (m Message) Encode() ([]byte, error) {
	if err := checkEventName(m.Event); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// ErrorPayload is the data of an in-band "error" event and the body of a
// pre-stream error response.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// NewErrorData builds the data for an in-band error event.
func NewErrorData(code, message string) json.RawMessage {
	b, _ := json.Marshal(ErrorPayload{Error: code, Message: message})
	return b
}

// TimeoutData is the data of the "expired" event emitted at a session deadline.
var TimeoutData = json.RawMessage(`{"error":"Timeout"}`)

// PublishRequest is the body accepted by the producer publish endpoint and
// built by the publish command.
type PublishRequest struct {
	// Topic is the full backbone topic name, e.g. "topic:device:ABCD1234".
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	// ResultKey, when set, marks the event final: the result is cached under
	// this key before it is published.
	ResultKey string `json:"result_key,omitempty"`
	// TTLSeconds overrides the configured result expiry.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}
