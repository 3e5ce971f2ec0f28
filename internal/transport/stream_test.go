package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"relay/internal/codec"
)

type wireRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload"`
}

func TestStreamRequestDeliversFrames(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stream" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing stream accept header")
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: llm_output_delta\nid: 1\ndata: {\"content\":\"hi\"}\n\n"))
		w.Write([]byte("event: final\nid: 2\ndata: {\"answer\":\"hi\"}\n\n"))
	}))
	defer srv.Close()

	c := NewStreamClient(StreamOptions{BaseURL: srv.URL, Token: "tok"})
	var frames []codec.Frame
	err := c.Request(context.Background(), OutboundRequest{
		Type:      TypeStart,
		RequestID: "req-1",
		SessionID: "s1",
		Payload:   map[string]any{"prompt": "hello"},
		After:     func() int64 { return 7 },
	}, func(frame codec.Frame) {
		frames = append(frames, frame)
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if len(frames) != 2 || frames[0].Event != "llm_output_delta" || frames[1].Event != "final" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
	if frames[1].ID != "2" {
		t.Fatalf("frame id %q, want 2", frames[1].ID)
	}
	if got.Type != TypeStart || got.SessionID != "s1" {
		t.Fatalf("unexpected wire request: %+v", got)
	}
	if got.Payload["prompt"] != "hello" {
		t.Fatalf("payload missing prompt: %+v", got.Payload)
	}
	if after, _ := got.Payload["after_event_id"].(float64); after != 7 {
		t.Fatalf("after_event_id %v, want 7", got.Payload["after_event_id"])
	}
}

func TestStreamRequestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewStreamClient(StreamOptions{BaseURL: srv.URL})
	err := c.Request(context.Background(), OutboundRequest{Type: TypeStart}, func(codec.Frame) {})
	if !IsConnect(err) {
		t.Fatalf("non-2xx status must be a connect failure, got %v", err)
	}
}

func TestStreamRequestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewStreamClient(StreamOptions{BaseURL: srv.URL})
	err := c.Request(context.Background(), OutboundRequest{Type: TypeStart}, func(codec.Frame) {})
	if !IsConnect(err) {
		t.Fatalf("refused connection must be a connect failure, got %v", err)
	}
}

// Each watch reopen re-reads the After hook, so the server resumes from the
// events absorbed so far instead of replaying the stream.
func TestStreamWatchRestampsAfterEventID(t *testing.T) {
	var mu sync.Mutex
	var afters []float64
	opened := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		mu.Lock()
		after, _ := req.Payload["after_event_id"].(float64)
		afters = append(afters, after)
		mu.Unlock()
		opened <- struct{}{}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: llm_output_delta\nid: 9\ndata: {\"content\":\"x\"}\n\n"))
	}))
	defer srv.Close()

	var last int64
	c := NewStreamClient(StreamOptions{BaseURL: srv.URL, Backoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, OutboundRequest{
			Type:      TypeWatch,
			SessionID: "s1",
			After: func() int64 {
				mu.Lock()
				defer mu.Unlock()
				last++
				return last
			},
		}, func(codec.Frame) {})
	}()

	<-opened
	<-opened
	cancel()
	if err := <-done; !IsAborted(err) {
		t.Fatalf("cancelled watch must report an abort, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(afters) < 2 || afters[0] != 1 || afters[1] != 2 {
		t.Fatalf("after_event_id not re-stamped per reopen: %v", afters)
	}
}

func TestStreamNotify(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/notify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewStreamClient(StreamOptions{BaseURL: srv.URL})
	err := c.Notify(context.Background(), OutboundRequest{
		Type:      TypeCancel,
		RequestID: "req-1",
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if got.Type != TypeCancel || got.RequestID != "req-1" {
		t.Fatalf("unexpected notify body: %+v", got)
	}
}

func TestStreamNotifyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewStreamClient(StreamOptions{BaseURL: srv.URL})
	if err := c.Notify(context.Background(), OutboundRequest{Type: TypeCancel}); !IsConnect(err) {
		t.Fatalf("failed notify must surface, got %v", err)
	}
}
