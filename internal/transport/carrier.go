package transport

import (
	"context"

	"relay/internal/codec"
)

// Request types understood by the server on either transport.
const (
	TypeStart    = "start"
	TypeWatch    = "watch"
	TypeResume   = "resume"
	TypeCancel   = "cancel"
	TypeApproval = "approval"
)

// OutboundRequest is one client-to-server message. After, when set, supplies
// the last absorbed event id at (re)connect time so resume and watch
// exchanges never replay absorbed events.
type OutboundRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`

	After func() int64 `json:"-"`
}

// FrameHandler receives each decoded frame of an exchange, in order.
type FrameHandler func(codec.Frame)

// Carrier is the delivery contract both transports implement. Request blocks
// until the exchange completes (final/error frame or transport close); Watch
// blocks until ctx is cancelled, reopening as needed; Notify is
// fire-and-forget.
type Carrier interface {
	Name() string
	Request(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error
	Watch(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error
	Notify(ctx context.Context, req OutboundRequest) error
}

// wirePayload resolves the request payload, stamping after_event_id from the
// After hook when present.
func wirePayload(req OutboundRequest) map[string]any {
	if req.After == nil {
		return req.Payload
	}
	payload := map[string]any{}
	for key, value := range req.Payload {
		payload[key] = value
	}
	payload["after_event_id"] = req.After()
	return payload
}
