package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay/internal/codec"
	"relay/internal/logging"
)

const defaultWatchBackoff = time.Second

// StreamClient delivers the same exchange contract as the socket multiplexer
// over one-shot streaming HTTP responses, for environments or periods where
// the socket is unavailable.
type StreamClient struct {
	baseURL string
	token   string
	http    *http.Client
	backoff time.Duration
	logger  logging.Logger
}

type StreamOptions struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Backoff time.Duration
	Logger  logging.Logger
}

func NewStreamClient(opts StreamOptions) *StreamClient {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultWatchBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &StreamClient{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		http:    opts.Client,
		backoff: opts.Backoff,
		logger:  opts.Logger,
	}
}

func (c *StreamClient) Name() string { return "stream" }

// Request issues a single streaming request and forwards decoded frames; the
// exchange completes when the response body closes.
func (c *StreamClient) Request(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error {
	return c.open(ctx, req, onFrame)
}

// Watch loops the one-shot stream: open from the current after-event-id,
// consume until the server closes the body, back off briefly, reopen. The
// loop ends only when ctx is cancelled, giving deliver-at-least-once
// background coverage equivalent to a held-open socket.
func (c *StreamClient) Watch(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error {
	for {
		err := c.open(ctx, req, onFrame)
		if ctx.Err() != nil {
			return abortError(ctx.Err())
		}
		if err != nil {
			c.logger.Debug("stream watch reopen",
				logging.F("session_id", req.SessionID),
				logging.F("error", err),
			)
		}
		select {
		case <-ctx.Done():
			return abortError(ctx.Err())
		case <-time.After(c.backoff):
		}
	}
}

// Notify posts a fire-and-forget message with no streamed response.
func (c *StreamClient) Notify(ctx context.Context, req OutboundRequest) error {
	body, err := encodeRequest(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(httpReq, false)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return connectError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return connectError(fmt.Errorf("notify status %d", resp.StatusCode))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *StreamClient) open(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error {
	body, err := encodeRequest(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(httpReq, true)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return abortError(ctx.Err())
		}
		return connectError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return connectError(fmt.Errorf("stream status %d", resp.StatusCode))
	}

	scanner := codec.NewScanner(resp.Body)
	for {
		frame, ok := scanner.Next()
		if !ok {
			break
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
	if ctx.Err() != nil {
		return abortError(ctx.Err())
	}
	if err := scanner.Err(); err != nil {
		return streamError(err)
	}
	return nil
}

func (c *StreamClient) setHeaders(req *http.Request, streaming bool) {
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func encodeRequest(req OutboundRequest) ([]byte, error) {
	return json.Marshal(struct {
		Type      string         `json:"type"`
		RequestID string         `json:"request_id,omitempty"`
		SessionID string         `json:"session_id,omitempty"`
		Payload   map[string]any `json:"payload,omitempty"`
	}{
		Type:      req.Type,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Payload:   wirePayload(req),
	})
}
