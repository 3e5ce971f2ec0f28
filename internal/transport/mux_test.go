package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"relay/internal/codec"
)

// socketServer accepts one websocket connection and hands it to script. The
// handler returns when script does, closing the connection.
func socketServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		script(r.Context(), conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readWire(ctx context.Context, conn *websocket.Conn) (wireRequest, error) {
	var req wireRequest
	_, data, err := conn.Read(ctx)
	if err != nil {
		return req, err
	}
	return req, json.Unmarshal(data, &req)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, raw string) {
	_ = conn.Write(ctx, websocket.MessageText, []byte(raw))
}

func TestMuxRequestCompletesOnFinal(t *testing.T) {
	srv, url := socketServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req, err := readWire(ctx, conn)
		if err != nil {
			t.Errorf("server read failed: %v", err)
			return
		}
		if req.Type != TypeStart || req.RequestID != "req-1" || req.SessionID != "s1" {
			t.Errorf("unexpected wire request: %+v", req)
		}
		if after, _ := req.Payload["after_event_id"].(float64); after != 4 {
			t.Errorf("after_event_id %v, want 4", req.Payload["after_event_id"])
		}
		writeEnvelope(ctx, conn, `{"type":"event","request_id":"req-1","payload":{"event":"llm_output_delta","id":"5","data":{"content":"hi"}}}`)
		// A frame for another exchange must not leak into this one.
		writeEnvelope(ctx, conn, `{"type":"event","request_id":"other","payload":{"event":"llm_output_delta","id":"6","data":{"content":"leak"}}}`)
		writeEnvelope(ctx, conn, `{"type":"event","request_id":"req-1","payload":{"event":"final","id":"7","data":{"answer":"hi"}}}`)
	})
	defer srv.Close()

	m := NewMux(MuxOptions{URL: url})
	var frames []codec.Frame
	err := m.Request(context.Background(), OutboundRequest{
		Type:      TypeStart,
		RequestID: "req-1",
		SessionID: "s1",
		Payload:   map[string]any{"prompt": "hello"},
		After:     func() int64 { return 4 },
	}, func(frame codec.Frame) {
		frames = append(frames, frame)
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %+v", frames)
	}
	if frames[0].Event != "llm_output_delta" || frames[0].ID != "5" {
		t.Fatalf("unexpected first frame: %+v", frames[0])
	}
	if frames[1].Event != "final" {
		t.Fatalf("exchange must end on the final frame: %+v", frames[1])
	}
}

func TestMuxRequestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m := NewMux(MuxOptions{URL: url, ConnectTimeout: time.Second})
	err := m.Request(context.Background(), OutboundRequest{Type: TypeStart, RequestID: "req-1"}, func(codec.Frame) {})
	if !IsConnect(err) {
		t.Fatalf("unreachable socket must be a connect failure, got %v", err)
	}
}

func TestMuxRequestAbortSendsCancel(t *testing.T) {
	sawCancel := make(chan string, 1)
	srv, url := socketServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, err := readWire(ctx, conn); err != nil {
			return
		}
		// Never answer; wait for the client's best-effort cancel.
		req, err := readWire(ctx, conn)
		if err != nil {
			return
		}
		if req.Type == TypeCancel {
			sawCancel <- req.RequestID
		}
	})
	defer srv.Close()

	m := NewMux(MuxOptions{URL: url})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := m.Request(ctx, OutboundRequest{Type: TypeStart, RequestID: "req-1", SessionID: "s1"}, func(codec.Frame) {})
	if !IsAborted(err) {
		t.Fatalf("cancelled exchange must report an abort, got %v", err)
	}
	select {
	case id := <-sawCancel:
		if id != "req-1" {
			t.Fatalf("cancel for wrong exchange: %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the cancel")
	}
}

func TestMuxRequestErrorEnvelope(t *testing.T) {
	srv, url := socketServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, err := readWire(ctx, conn); err != nil {
			return
		}
		writeEnvelope(ctx, conn, `{"type":"error","request_id":"req-1","payload":{"message":"session not found","code":"not_found"}}`)
	})
	defer srv.Close()

	m := NewMux(MuxOptions{URL: url})
	err := m.Request(context.Background(), OutboundRequest{Type: TypeStart, RequestID: "req-1"}, func(codec.Frame) {})
	if err == nil || IsConnect(err) || IsAborted(err) {
		t.Fatalf("error envelope must fail the exchange mid-stream, got %v", err)
	}
	if !strings.Contains(err.Error(), "session not found") {
		t.Fatalf("server message lost: %v", err)
	}
}

func TestMuxNotify(t *testing.T) {
	got := make(chan wireRequest, 1)
	srv, url := socketServer(t, func(ctx context.Context, conn *websocket.Conn) {
		req, err := readWire(ctx, conn)
		if err != nil {
			return
		}
		got <- req
	})
	defer srv.Close()

	m := NewMux(MuxOptions{URL: url})
	err := m.Notify(context.Background(), OutboundRequest{Type: TypeApproval, SessionID: "s1",
		Payload: map[string]any{"approval_id": "a1", "decision": "approve_once"}})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	select {
	case req := <-got:
		if req.Type != TypeApproval || req.Payload["approval_id"] != "a1" {
			t.Fatalf("unexpected notify: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received the notify")
	}
}

// Dropping the socket mid-exchange fails the pending exchange with a
// stream-phase error, so the selector keeps the transport instead of
// downgrading.
func TestMuxStreamDropFailsPending(t *testing.T) {
	srv, url := socketServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, err := readWire(ctx, conn); err != nil {
			return
		}
		writeEnvelope(ctx, conn, `{"type":"event","request_id":"req-1","payload":{"event":"llm_output_delta","id":"1","data":{"content":"par"}}}`)
		conn.Close(websocket.StatusInternalError, "going away")
	})
	defer srv.Close()

	m := NewMux(MuxOptions{URL: url})
	var frames []codec.Frame
	err := m.Request(context.Background(), OutboundRequest{Type: TypeStart, RequestID: "req-1"}, func(frame codec.Frame) {
		frames = append(frames, frame)
	})
	if err == nil || IsConnect(err) || IsAborted(err) {
		t.Fatalf("dropped socket must be a stream failure, got %v", err)
	}
	if len(frames) != 1 || frames[0].Data == "" {
		t.Fatalf("partial frames must still be delivered: %+v", frames)
	}
}
