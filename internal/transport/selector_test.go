package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay/internal/codec"
)

type scriptCarrier struct {
	name     string
	err      error
	requests int
	watches  int
	notifies int
	frames   []codec.Frame
}

func (c *scriptCarrier) Name() string { return c.name }

func (c *scriptCarrier) Request(_ context.Context, _ OutboundRequest, onFrame FrameHandler) error {
	c.requests++
	for _, frame := range c.frames {
		onFrame(frame)
	}
	return c.err
}

func (c *scriptCarrier) Watch(_ context.Context, _ OutboundRequest, _ FrameHandler) error {
	c.watches++
	return c.err
}

func (c *scriptCarrier) Notify(_ context.Context, _ OutboundRequest) error {
	c.notifies++
	return c.err
}

func TestSelectorPrefersSocket(t *testing.T) {
	socket := &scriptCarrier{name: "socket"}
	stream := &scriptCarrier{name: "stream"}
	s := NewSelector(SelectorOptions{Socket: socket, Stream: stream})

	if s.Active() != "socket" {
		t.Fatalf("active transport %q, want socket", s.Active())
	}
	if err := s.Request(context.Background(), OutboundRequest{Type: TypeStart}, func(codec.Frame) {}); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if socket.requests != 1 || stream.requests != 0 {
		t.Fatalf("request routed wrong: socket=%d stream=%d", socket.requests, stream.requests)
	}
}

func TestSelectorFallsBackOnConnectFailure(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	socket := &scriptCarrier{name: "socket", err: connectError(errors.New("refused"))}
	stream := &scriptCarrier{name: "stream"}
	s := NewSelector(SelectorOptions{
		Socket:   socket,
		Stream:   stream,
		Cooldown: time.Minute,
		Now:      func() time.Time { return now },
	})

	// The failing exchange itself retries on the fallback transport.
	if err := s.Request(context.Background(), OutboundRequest{Type: TypeStart}, func(codec.Frame) {}); err != nil {
		t.Fatalf("fallback retry must absorb the connect error, got %v", err)
	}
	if socket.requests != 1 || stream.requests != 1 {
		t.Fatalf("fallback not taken: socket=%d stream=%d", socket.requests, stream.requests)
	}

	// Inside the cooldown window the socket is not retried.
	now = now.Add(30 * time.Second)
	if s.Active() != "stream" {
		t.Fatalf("cooldown must pin the stream transport")
	}
	_ = s.Request(context.Background(), OutboundRequest{Type: TypeStart}, func(codec.Frame) {})
	if socket.requests != 1 || stream.requests != 2 {
		t.Fatalf("cooldown routing wrong: socket=%d stream=%d", socket.requests, stream.requests)
	}

	// After the cooldown the socket is probed again.
	now = now.Add(time.Minute)
	if s.Active() != "socket" {
		t.Fatalf("cooldown expiry must restore the socket")
	}
}

func TestSelectorStreamErrorDoesNotFallBack(t *testing.T) {
	socket := &scriptCarrier{name: "socket", err: streamError(errors.New("reset mid-turn"))}
	stream := &scriptCarrier{name: "stream"}
	s := NewSelector(SelectorOptions{Socket: socket, Stream: stream})

	err := s.Request(context.Background(), OutboundRequest{Type: TypeStart}, func(codec.Frame) {})
	if !errors.Is(err, socket.err) {
		t.Fatalf("mid-stream failures must surface, got %v", err)
	}
	if stream.requests != 0 {
		t.Fatalf("mid-stream failure must not switch transports")
	}
	if s.Active() != "socket" {
		t.Fatalf("mid-stream failure must not start a cooldown")
	}
}

func TestSelectorPreferStreamPinsFallback(t *testing.T) {
	socket := &scriptCarrier{name: "socket"}
	stream := &scriptCarrier{name: "stream"}
	s := NewSelector(SelectorOptions{Socket: socket, Stream: stream, PreferStream: true})

	if s.Active() != "stream" {
		t.Fatalf("prefer-stream must pin the stream transport")
	}
	_ = s.Notify(context.Background(), OutboundRequest{Type: TypeCancel})
	if socket.notifies != 0 || stream.notifies != 1 {
		t.Fatalf("notify routed wrong: socket=%d stream=%d", socket.notifies, stream.notifies)
	}
}

func TestSelectorWatchFallsBack(t *testing.T) {
	socket := &scriptCarrier{name: "socket", err: connectError(errors.New("refused"))}
	stream := &scriptCarrier{name: "stream"}
	s := NewSelector(SelectorOptions{Socket: socket, Stream: stream})

	if err := s.Watch(context.Background(), OutboundRequest{Type: TypeWatch}, func(codec.Frame) {}); err != nil {
		t.Fatalf("watch fallback failed: %v", err)
	}
	if socket.watches != 1 || stream.watches != 1 {
		t.Fatalf("watch fallback not taken: socket=%d stream=%d", socket.watches, stream.watches)
	}
}
