package codec

import (
	"encoding/json"
	"strings"
)

// Frame is the uniform decoded unit shared by both wire framings: a typed
// event, an optional event id, and the raw data text.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// Envelope is the socket wire envelope. Type discriminates: "event" frames
// carry a nested event payload, "error" frames carry a message and code.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type eventPayload struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the payload of a type=error envelope.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const (
	EnvelopeEvent = "event"
	EnvelopeError = "error"
)

// DecodeEnvelope parses one socket message. Malformed input or an empty type
// yields ok=false; the caller drops the frame silently.
func DecodeEnvelope(raw []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, false
	}
	return env, true
}

// EventFrame extracts the uniform frame from a type=event envelope.
// Envelopes of any other type yield ok=false.
func EventFrame(env Envelope) (Frame, bool) {
	if env.Type != EnvelopeEvent || len(env.Payload) == 0 {
		return Frame{}, false
	}
	var payload eventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Frame{}, false
	}
	if strings.TrimSpace(payload.Event) == "" {
		return Frame{}, false
	}
	return Frame{
		Event: payload.Event,
		ID:    payload.ID,
		Data:  dataText(payload.Data),
	}, true
}

// ErrorFrame extracts the error payload from a type=error envelope.
func ErrorFrame(env Envelope) (ErrorPayload, bool) {
	if env.Type != EnvelopeError {
		return ErrorPayload{}, false
	}
	var payload ErrorPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return ErrorPayload{}, false
		}
	}
	return payload, true
}

// dataText flattens a JSON data value: JSON strings are unquoted, anything
// else is kept as its raw JSON text.
func dataText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text
		}
	}
	return trimmed
}
