package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/codec"
	"relay/internal/logging"
	"relay/internal/protocol"
	"relay/internal/snapshot"
	"relay/internal/transport"
	"relay/internal/types"
)

var (
	ErrTurnInFlight    = errors.New("a turn is already in flight for this session")
	ErrWatchActive     = errors.New("a watch is already active for this session")
	ErrNothingToResume = errors.New("no interrupted turn to resume")
)

// Transport is the delivery surface the engine drives: the selector in
// production, a fake in tests.
type Transport interface {
	Request(ctx context.Context, req transport.OutboundRequest, onFrame transport.FrameHandler) error
	Watch(ctx context.Context, req transport.OutboundRequest, onFrame transport.FrameHandler) error
	Notify(ctx context.Context, req transport.OutboundRequest) error
}

// Collaborator is the slice of the remote HTTP API the engine needs: session
// loading plus the stored event rounds used to rehydrate message detail.
type Collaborator interface {
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	EventHistory(ctx context.Context, sessionID string, afterEventID int64) ([]types.EventRound, error)
}

type Options struct {
	Transport Transport
	API       Collaborator
	Store     *snapshot.Store
	Writer    *snapshot.Writer
	Logger    logging.Logger
	Now       func() time.Time
	// NewID mints message/request ids; uuid by default, fixed in tests.
	NewID         func() string
	FlushInterval time.Duration
	// OnUpdate is invoked after every absorbed event and at turn boundaries
	// with the live session. Callers must treat it as read-only.
	OnUpdate func(session *types.Session)
}

// Engine owns the live sessions: it runs send and resume exchanges, keeps a
// background watch per session, absorbs events exactly once across transport
// switches, and persists snapshots as state changes. All session and runtime
// mutation is serialized behind one mutex; transports deliver frames from
// their read goroutines into handlers that take it.
type Engine struct {
	carrier Transport
	api     Collaborator
	store     *snapshot.Store
	writer    *snapshot.Writer
	logger    logging.Logger
	now       func() time.Time
	newID     func() string
	flush     time.Duration
	onUpdate  func(session *types.Session)

	approvals *ApprovalQueue

	mu       sync.Mutex
	registry *SessionRegistry
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	e := &Engine{
		carrier:  opts.Transport,
		api:      opts.API,
		store:    opts.Store,
		writer:   opts.Writer,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
		flush:    opts.FlushInterval,
		onUpdate: opts.OnUpdate,
		registry: NewSessionRegistry(),
	}
	e.approvals = NewApprovalQueue(e.notifyDecision, opts.Logger)
	return e
}

func (e *Engine) Approvals() *ApprovalQueue { return e.approvals }

// DecideApproval answers an approval by id through the queue's notify
// semantics. An approval raised by another process gets a bare queue entry
// first, so deny still applies locally and approve still requires the server
// acknowledgement.
func (e *Engine) DecideApproval(ctx context.Context, sessionID, approvalID string, decision types.ApprovalDecision) error {
	sessionID = strings.TrimSpace(sessionID)
	approvalID = strings.TrimSpace(approvalID)
	if sessionID == "" || approvalID == "" {
		return errors.New("session id and approval id are required")
	}
	err := e.approvals.Decide(ctx, approvalID, decision)
	if errors.Is(err, ErrApprovalNotFound) {
		e.approvals.Absorb(sessionID, "", &protocol.ApprovalRequest{ApprovalID: approvalID}, time.Time{})
		err = e.approvals.Decide(ctx, approvalID, decision)
	}
	return err
}

// Session returns the live session, or nil when it was never loaded.
func (e *Engine) Session(sessionID string) *types.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.registry.Get(sessionID)
	if !ok {
		return nil
	}
	return rt.Session
}

// Send runs one turn: it appends the user message, opens an assistant
// message, and streams events into it until the exchange completes. The
// session's background watch is torn down for the duration and restarted
// afterwards.
func (e *Engine) Send(ctx context.Context, sessionID, prompt string) (*types.Message, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.TrimSpace(prompt) == "" {
		return nil, errors.New("session id and prompt are required")
	}

	rt, err := e.claimSession(sessionID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	e.mu.Lock()
	if rt.Busy() {
		e.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	if rt.Session.CreatedAt.IsZero() {
		rt.Session.CreatedAt = now
	}
	rt.Session.Messages = append(rt.Session.Messages,
		&types.Message{ID: e.newID(), Role: types.RoleUser, Content: prompt, CreatedAt: now})
	msg := &types.Message{ID: e.newID(), Role: types.RoleAssistant, CreatedAt: now, StreamIncomplete: true}
	rt.Session.Messages = append(rt.Session.Messages, msg)
	rt.Session.UpdatedAt = now
	requestID := e.newID()
	proc := e.newExchangeProcessor(rt, msg, requestID)
	exCtx, cancel, done := e.openExchange(ctx, rt, proc, requestID)
	session := rt.Session
	e.mu.Unlock()
	e.writer.Note(session)

	req := transport.OutboundRequest{
		Type:      transport.TypeStart,
		RequestID: requestID,
		SessionID: sessionID,
		Payload:   map[string]any{"prompt": prompt},
		After:     e.afterHook(rt),
	}
	err = e.carrier.Request(exCtx, req, e.exchangeHandler(rt, proc))
	return e.finishExchange(rt, proc, requestID, cancel, done, err)
}

// Stop aborts the session's in-flight exchange locally and sends a
// best-effort server-side cancel. It never blocks on acknowledgement; the
// interrupted message stays resumable.
func (e *Engine) Stop(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	rt, ok := e.registry.Get(sessionID)
	if !ok || rt.exchangeCancel == nil {
		e.mu.Unlock()
		return nil
	}
	rt.stopRequested = true
	cancel := rt.exchangeCancel
	requestID := rt.requestID
	e.mu.Unlock()

	cancel()
	notifyCtx, cancelNotify := context.WithTimeout(ctx, 2*time.Second)
	defer cancelNotify()
	if err := e.carrier.Notify(notifyCtx, transport.OutboundRequest{
		Type:      transport.TypeCancel,
		RequestID: requestID,
		SessionID: sessionID,
	}); err != nil {
		e.logger.Debug("stop notify failed",
			logging.F("session_id", sessionID),
			logging.F("error", err),
		)
	}
	return nil
}

// Watch holds a foreground watch exchange open until ctx is cancelled,
// absorbing server-pushed events into the session timeline.
func (e *Engine) Watch(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	e.mu.Lock()
	rt := e.registry.Ensure(sessionID)
	if rt.Busy() {
		e.mu.Unlock()
		return ErrTurnInFlight
	}
	if rt.watchDone != nil {
		e.mu.Unlock()
		return ErrWatchActive
	}
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	rt.watchCancel, rt.watchDone = cancel, done
	e.mu.Unlock()

	err := e.watch(watchCtx, rt)
	close(done)
	e.mu.Lock()
	if rt.watchDone == done {
		rt.watchCancel, rt.watchDone = nil, nil
	}
	e.mu.Unlock()
	cancel()
	if ctx.Err() != nil || transport.IsAborted(err) {
		return nil
	}
	return err
}

// DropSession discards local state for a deleted session: runtime, pending
// approvals, snapshot, event marker.
func (e *Engine) DropSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	e.mu.Lock()
	rt, ok := e.registry.Get(sessionID)
	if ok {
		if rt.watchCancel != nil {
			rt.watchCancel()
		}
		if rt.exchangeCancel != nil {
			rt.exchangeCancel()
		}
	}
	e.registry.Remove(sessionID)
	e.mu.Unlock()
	e.approvals.PurgeSession(sessionID)
	e.writer.Drop(sessionID)
}

// Close cancels every watch and exchange and flushes pending snapshots.
func (e *Engine) Close() {
	e.mu.Lock()
	var waits []chan struct{}
	for _, rt := range e.registry.All() {
		if rt.watchCancel != nil {
			rt.watchCancel()
			rt.watchCancel = nil
			waits = append(waits, rt.watchDone)
			rt.watchDone = nil
		}
		if rt.exchangeCancel != nil {
			rt.exchangeCancel()
		}
	}
	e.mu.Unlock()
	for _, done := range waits {
		if done != nil {
			<-done
		}
	}
	e.writer.Close()
}

// claimSession readies a runtime for an exclusive exchange: it rejects a
// busy session and tears down the background watch, waiting for it to exit.
func (e *Engine) claimSession(sessionID string) (*Runtime, error) {
	e.mu.Lock()
	rt := e.registry.Ensure(sessionID)
	if rt.Busy() {
		e.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	cancel, done := rt.watchCancel, rt.watchDone
	rt.watchCancel, rt.watchDone = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return rt, nil
}

func (e *Engine) newExchangeProcessor(rt *Runtime, msg *types.Message, requestID string) *Processor {
	var sched FlushScheduler
	if e.flush > 0 {
		sched = NewThrottledScheduler(e.flush)
	} else {
		sched = NewImmediateScheduler()
	}
	return NewProcessor(ProcessorConfig{
		Message:   msg,
		Rounds:    &rt.Rounds,
		Scheduler: sched,
		Approvals: e.approvals,
		SessionID: rt.Session.ID,
		RequestID: requestID,
		Now:       e.now,
		Logger:    e.logger,
	})
}

func (e *Engine) openExchange(ctx context.Context, rt *Runtime, proc *Processor, requestID string) (context.Context, context.CancelFunc, chan struct{}) {
	exCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	rt.proc = proc
	rt.requestID = requestID
	rt.stopRequested = false
	rt.exchangeCancel, rt.exchangeDone = cancel, done
	return exCtx, cancel, done
}

// afterHook supplies the last absorbed event id at transport (re)connect
// time, so the server resumes from exactly where delivery left off.
func (e *Engine) afterHook(rt *Runtime) func() int64 {
	return func() int64 {
		e.mu.Lock()
		defer e.mu.Unlock()
		return rt.lastEventID
	}
}

func (e *Engine) exchangeHandler(rt *Runtime, proc *Processor) transport.FrameHandler {
	return func(frame codec.Frame) {
		event := protocol.Normalize(frame)
		e.mu.Lock()
		if !rt.MarkAbsorbed(event.ID) {
			e.mu.Unlock()
			return
		}
		proc.Apply(event)
		rt.Session.UpdatedAt = e.now().UTC()
		session := rt.Session
		e.mu.Unlock()
		e.writer.Note(session)
		e.notifyUpdate(session)
	}
}

func (e *Engine) finishExchange(rt *Runtime, proc *Processor, requestID string, cancel context.CancelFunc, done chan struct{}, err error) (*types.Message, error) {
	cancel()
	e.mu.Lock()
	stopped := rt.stopRequested || transport.IsAborted(err)
	switch {
	case err == nil:
		proc.Finalize(time.Time{})
	case stopped:
		proc.appendItem("stopped", "", types.WorkflowStatusCompleted, categoryEvent)
		proc.Flush()
	default:
		proc.appendItem("stream interrupted", err.Error(), types.WorkflowStatusFailed, categoryEvent)
		proc.Flush()
	}
	rt.proc = nil
	rt.requestID = ""
	rt.exchangeCancel, rt.exchangeDone = nil, nil
	session := rt.Session
	session.UpdatedAt = e.now().UTC()
	lastID := rt.lastEventID
	e.mu.Unlock()
	close(done)

	e.writer.FlushNow(session)
	if markErr := e.store.SetLastEventID(session.ID, lastID); markErr != nil {
		e.logger.Warn("event marker write failed",
			logging.F("session_id", session.ID),
			logging.F("error", markErr),
		)
	}
	// An approval prompt never outlives the exchange that raised it.
	e.approvals.PurgeRequest(requestID)
	e.notifyUpdate(session)

	e.mu.Lock()
	e.startWatchLocked(rt)
	e.mu.Unlock()

	if stopped {
		return proc.Message(), nil
	}
	return proc.Message(), err
}

// startWatchLocked spawns the background watch for a quiet session. Caller
// holds e.mu.
func (e *Engine) startWatchLocked(rt *Runtime) {
	if rt.watchDone != nil || rt.Busy() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rt.watchCancel, rt.watchDone = cancel, done
	go func() {
		err := e.watch(ctx, rt)
		close(done)
		e.mu.Lock()
		if rt.watchDone == done {
			rt.watchCancel, rt.watchDone = nil, nil
		}
		e.mu.Unlock()
		if err != nil && ctx.Err() == nil && !transport.IsAborted(err) {
			e.logger.Warn("session watch ended",
				logging.F("session_id", rt.Session.ID),
				logging.F("error", err),
			)
		}
	}()
}

func (e *Engine) watch(ctx context.Context, rt *Runtime) error {
	req := transport.OutboundRequest{
		Type:      transport.TypeWatch,
		RequestID: e.newID(),
		SessionID: rt.Session.ID,
		After:     e.afterHook(rt),
	}
	return e.carrier.Watch(ctx, req, e.watchHandler(rt))
}

func (e *Engine) watchHandler(rt *Runtime) transport.FrameHandler {
	return func(frame codec.Frame) {
		event := protocol.Normalize(frame)
		e.mu.Lock()
		if !rt.MarkAbsorbed(event.ID) {
			e.mu.Unlock()
			return
		}
		proc := e.correlate(rt, event)
		if proc == nil {
			e.mu.Unlock()
			return
		}
		proc.Apply(event)
		rt.Session.UpdatedAt = e.now().UTC()
		session := rt.Session
		lastID := rt.lastEventID
		boundary := event.Kind == protocol.KindFinal || event.Kind == protocol.KindError
		if boundary {
			proc.Finalize(event.Timestamp)
			rt.watchProc = nil
			rt.watchRound = 0
		}
		e.mu.Unlock()

		if boundary {
			e.writer.FlushNow(session)
			if err := e.store.SetLastEventID(session.ID, lastID); err != nil {
				e.logger.Warn("event marker write failed",
					logging.F("session_id", session.ID),
					logging.F("error", err),
				)
			}
		} else {
			e.writer.Note(session)
		}
		e.notifyUpdate(session)
	}
}

func (e *Engine) notifyDecision(ctx context.Context, req transport.OutboundRequest) error {
	if e.carrier == nil {
		return errors.New("no transport configured")
	}
	return e.carrier.Notify(ctx, req)
}

func (e *Engine) notifyUpdate(session *types.Session) {
	if e.onUpdate != nil {
		e.onUpdate(session)
	}
}
