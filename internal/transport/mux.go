package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"relay/internal/codec"
	"relay/internal/logging"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultIdleTimeout    = 45 * time.Second
	watchReopenBackoff    = time.Second
)

// Mux multiplexes many logical exchanges over at most one open websocket,
// keyed by request id. The socket is dialed lazily on first use and closed
// again after an idle window with no pending exchanges.
type Mux struct {
	url            string
	header         http.Header
	connectTimeout time.Duration
	idleTimeout    time.Duration
	logger         logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]*muxExchange
	idleTimer *time.Timer
}

type MuxOptions struct {
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	Logger         logging.Logger
}

func NewMux(opts MuxOptions) *Mux {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Mux{
		url:            opts.URL,
		header:         opts.Header,
		connectTimeout: opts.ConnectTimeout,
		idleTimeout:    opts.IdleTimeout,
		logger:         opts.Logger,
		pending:        map[string]*muxExchange{},
	}
}

func (m *Mux) Name() string { return "socket" }

type muxExchange struct {
	requestID    string
	onFrame      FrameHandler
	closeOnFinal bool

	once sync.Once
	done chan struct{}
	err  error
}

func (ex *muxExchange) resolve(err error) {
	ex.once.Do(func() {
		ex.err = err
		close(ex.done)
	})
}

// Request runs one correlated exchange: it sends req, routes every frame
// whose envelope matches the request id to onFrame, and returns when a
// final/error frame arrives or the transport closes.
func (m *Mux) Request(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error {
	return m.exchange(ctx, req, onFrame, true)
}

// Watch holds a background exchange open, reopening after stream drops,
// until ctx is cancelled. Connect-phase failures bubble to the caller so the
// selector can downgrade transports.
func (m *Mux) Watch(ctx context.Context, req OutboundRequest, onFrame FrameHandler) error {
	for {
		err := m.exchange(ctx, req, onFrame, false)
		if ctx.Err() != nil {
			return abortError(ctx.Err())
		}
		if IsConnect(err) || IsAborted(err) {
			return err
		}
		m.logger.Debug("socket watch reopen",
			logging.F("session_id", req.SessionID),
			logging.F("error", err),
		)
		select {
		case <-ctx.Done():
			return abortError(ctx.Err())
		case <-time.After(watchReopenBackoff):
		}
	}
}

// Notify sends a message with no correlation and no response.
func (m *Mux) Notify(ctx context.Context, req OutboundRequest) error {
	conn, err := m.ensureConn(ctx)
	if err != nil {
		return err
	}
	return m.write(ctx, conn, req)
}

func (m *Mux) exchange(ctx context.Context, req OutboundRequest, onFrame FrameHandler, closeOnFinal bool) error {
	conn, err := m.ensureConn(ctx)
	if err != nil {
		return err
	}

	ex := &muxExchange{
		requestID:    req.RequestID,
		onFrame:      onFrame,
		closeOnFinal: closeOnFinal,
		done:         make(chan struct{}),
	}
	m.mu.Lock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.pending[req.RequestID] = ex
	m.mu.Unlock()

	if err := m.write(ctx, conn, req); err != nil {
		m.finish(ex, streamError(err))
		<-ex.done
		return ex.err
	}

	select {
	case <-ctx.Done():
		// Best-effort server-side cancel; never blocks the abort itself.
		cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = m.write(cancelCtx, conn, OutboundRequest{
			Type:      TypeCancel,
			RequestID: req.RequestID,
			SessionID: req.SessionID,
		})
		cancel()
		m.finish(ex, abortError(ctx.Err()))
		<-ex.done
		return ex.err
	case <-ex.done:
		return ex.err
	}
}

func (m *Mux) write(ctx context.Context, conn *websocket.Conn, req OutboundRequest) error {
	data, err := json.Marshal(struct {
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
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (m *Mux) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, m.url, &websocket.DialOptions{
		HTTPHeader: m.header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, abortError(ctx.Err())
		}
		m.logger.Warn("socket connect failed", logging.F("error", err))
		return nil, connectError(err)
	}
	conn.SetReadLimit(1 << 22)
	m.conn = conn
	go m.readLoop(conn)
	m.logger.Debug("socket connected", logging.F("url", m.url))
	return conn, nil
}

func (m *Mux) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.teardown(conn, streamError(err))
			return
		}
		m.route(data)
	}
}

func (m *Mux) route(data []byte) {
	env, ok := codec.DecodeEnvelope(data)
	if !ok {
		return
	}
	switch env.Type {
	case codec.EnvelopeEvent:
		frame, ok := codec.EventFrame(env)
		if !ok {
			return
		}
		m.mu.Lock()
		ex := m.pending[env.RequestID]
		m.mu.Unlock()
		if ex == nil {
			return
		}
		if ex.onFrame != nil {
			ex.onFrame(frame)
		}
		if ex.closeOnFinal && (frame.Event == "final" || frame.Event == "error") {
			m.finish(ex, nil)
		}
	case codec.EnvelopeError:
		payload, ok := codec.ErrorFrame(env)
		if !ok {
			return
		}
		err := streamError(errors.New(payload.Message))
		if env.RequestID != "" {
			m.mu.Lock()
			ex := m.pending[env.RequestID]
			m.mu.Unlock()
			if ex != nil {
				m.finish(ex, err)
			}
			return
		}
		m.failAll(err)
	}
}

// finish resolves one exchange and arms the idle close once nothing is
// pending on the socket.
func (m *Mux) finish(ex *muxExchange, err error) {
	ex.resolve(err)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, ex.requestID)
	if len(m.pending) == 0 && m.conn != nil && m.idleTimer == nil {
		m.idleTimer = time.AfterFunc(m.idleTimeout, m.closeIfIdle)
	}
}

func (m *Mux) closeIfIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimer = nil
	if len(m.pending) > 0 || m.conn == nil {
		return
	}
	conn := m.conn
	m.conn = nil
	_ = conn.Close(websocket.StatusNormalClosure, "idle")
	m.logger.Debug("socket idle close")
}

func (m *Mux) failAll(err error) {
	m.mu.Lock()
	failed := make([]*muxExchange, 0, len(m.pending))
	for _, ex := range m.pending {
		failed = append(failed, ex)
	}
	m.pending = map[string]*muxExchange{}
	m.mu.Unlock()
	for _, ex := range failed {
		ex.resolve(err)
	}
}

// teardown clears transport state after a read failure so the next call
// redials, failing every pending exchange with a stream-phase error.
func (m *Mux) teardown(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	m.failAll(err)
}
