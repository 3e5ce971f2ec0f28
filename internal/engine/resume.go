package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay/internal/logging"
	"relay/internal/protocol"
	"relay/internal/snapshot"
	"relay/internal/transport"
	"relay/internal/types"
)

// synthesizedUserTolerance bounds the timestamp distance within which an
// existing adjacent user message counts as the one a round_start prompt
// would synthesize.
const synthesizedUserTolerance = 30 * time.Second

// LoadSession paints the locally snapshotted timeline first, then fetches
// the server timeline and reconciles the two. When the server is
// unreachable the snapshot alone is returned, so a cold start still shows
// history.
func (e *Engine) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	snap, _, err := e.store.GetSnapshot(sessionID)
	if err != nil {
		e.logger.Warn("snapshot read failed",
			logging.F("session_id", sessionID),
			logging.F("error", err),
		)
	}
	marker, err := e.store.LastEventID(sessionID)
	if err != nil {
		e.logger.Warn("event marker read failed",
			logging.F("session_id", sessionID),
			logging.F("error", err),
		)
	}

	var server *types.Session
	var fetchErr error
	if e.api != nil {
		server, fetchErr = e.api.GetSession(ctx, sessionID)
	}

	var session *types.Session
	switch {
	case server != nil:
		session = server
		session.Messages = snapshot.Reconcile(server.Messages, snap)
		e.rehydrateFromHistory(ctx, session)
	case snap != nil:
		if fetchErr != nil {
			e.logger.Warn("session fetch failed, using snapshot",
				logging.F("session_id", sessionID),
				logging.F("error", fetchErr),
			)
		}
		session = &types.Session{ID: sessionID}
		session.Messages = snapshot.Reconcile(nil, snap)
	case fetchErr != nil:
		return nil, fmt.Errorf("load session %s: %w", sessionID, fetchErr)
	default:
		session = &types.Session{ID: sessionID}
	}

	e.mu.Lock()
	rt := e.registry.Adopt(session)
	rt.SeedEventID(marker)
	e.mu.Unlock()

	e.rememberActive(session)
	return session, nil
}

// rehydrateFromHistory rebuilds settled assistant messages the server
// returned as bare text: their stored event rounds are fetched and replayed
// so reloaded history carries the same workflow detail as a live run. A
// fetch failure leaves the bare messages in place.
func (e *Engine) rehydrateFromHistory(ctx context.Context, session *types.Session) {
	if e.api == nil || session == nil {
		return
	}
	needs := map[int]*types.Message{}
	for _, msg := range session.Messages {
		if msg == nil || msg.Role != types.RoleAssistant || msg.StreamIncomplete {
			continue
		}
		if len(msg.Events) > 0 || len(msg.Workflow) > 0 {
			continue
		}
		if msg.StreamRound > 0 {
			needs[msg.StreamRound] = msg
		}
	}
	if len(needs) == 0 {
		return
	}
	rounds, err := e.api.EventHistory(ctx, session.ID, 0)
	if err != nil {
		e.logger.Warn("event history fetch failed",
			logging.F("session_id", session.ID),
			logging.F("error", err),
		)
		return
	}
	for _, round := range rounds {
		msg, ok := needs[round.Round]
		if !ok || len(round.Events) == 0 {
			continue
		}
		source := &types.Message{
			ID:        msg.ID,
			Role:      msg.Role,
			CreatedAt: msg.CreatedAt,
			Events:    round.Events,
		}
		rebuilt := Replay(source, e.now)
		if rebuilt == nil {
			continue
		}
		if rebuilt.StreamRound == 0 {
			rebuilt.StreamRound = round.Round
		}
		// The server text is authoritative when the stored rounds trail it.
		if strings.TrimSpace(rebuilt.Content) == "" {
			rebuilt.Content = msg.Content
		}
		*msg = *rebuilt
	}
}

// ResumeIfIncomplete resumes the trailing turn when the session's last
// assistant message was cut off mid-stream; a settled session is a no-op.
func (e *Engine) ResumeIfIncomplete(ctx context.Context, sessionID string) (*types.Message, error) {
	e.mu.Lock()
	rt, ok := e.registry.Get(sessionID)
	if !ok {
		e.mu.Unlock()
		return nil, nil
	}
	last := rt.Session.LastAssistantMessage()
	if last == nil || !last.StreamIncomplete {
		e.mu.Unlock()
		return nil, nil
	}
	e.mu.Unlock()
	msg, err := e.Resume(ctx, sessionID)
	if errors.Is(err, ErrNothingToResume) {
		return nil, nil
	}
	return msg, err
}

// Resume reattaches to the session's interrupted turn: it opens a resume
// exchange from the message's last absorbed event id and streams the rest of
// the turn into the same message.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*types.Message, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	rt, err := e.claimSession(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if rt.Busy() {
		e.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	msg := rt.Session.LastAssistantMessage()
	if msg == nil || !msg.StreamIncomplete {
		e.mu.Unlock()
		return nil, ErrNothingToResume
	}
	rt.SeedEventID(msg.StreamEventID)
	requestID := e.newID()
	proc := e.newExchangeProcessor(rt, msg, requestID)
	exCtx, cancel, done := e.openExchange(ctx, rt, proc, requestID)
	e.mu.Unlock()

	e.logger.Info("resuming interrupted turn",
		logging.F("session_id", sessionID),
		logging.F("after_event_id", msg.StreamEventID),
	)
	req := transport.OutboundRequest{
		Type:      transport.TypeResume,
		RequestID: requestID,
		SessionID: sessionID,
		After:     e.afterHook(rt),
	}
	err = e.carrier.Request(exCtx, req, e.exchangeHandler(rt, proc))
	return e.finishExchange(rt, proc, requestID, cancel, done, err)
}

// correlate routes a watch-path event to an assistant message when no
// exchange processor owns the stream. An unmatched round opens a fresh
// placeholder; a round_start prompt synthesizes the user message that
// started the turn when the timeline does not already carry it.
func (e *Engine) correlate(rt *Runtime, event protocol.Event) *Processor {
	round := event.Round
	if event.Kind == protocol.KindRoundStart && event.RoundStart != nil {
		e.synthesizeUser(rt, round, event.RoundStart.Prompt, event.Timestamp)
	}

	if rt.watchProc != nil {
		if round > 0 && rt.watchRound > 0 && round != rt.watchRound {
			rt.watchProc.Finalize(event.Timestamp)
			rt.watchProc = nil
			rt.watchRound = 0
		} else {
			if round > 0 && rt.watchRound == 0 {
				rt.watchRound = round
			}
			return rt.watchProc
		}
	}

	at := event.Timestamp
	if at.IsZero() {
		at = e.now().UTC()
	}
	// Continue the trailing interrupted message before opening a new one.
	msg := rt.Session.LastAssistantMessage()
	if msg == nil || !msg.StreamIncomplete || (round > 0 && msg.StreamRound > 0 && msg.StreamRound != round) {
		msg = &types.Message{ID: e.newID(), Role: types.RoleAssistant, CreatedAt: at, StreamIncomplete: true}
		rt.Session.Messages = append(rt.Session.Messages, msg)
	}
	proc := NewProcessor(ProcessorConfig{
		Message:   msg,
		Rounds:    &rt.Rounds,
		Scheduler: NewImmediateScheduler(),
		Approvals: e.approvals,
		SessionID: rt.Session.ID,
		Now:       e.now,
		Logger:    e.logger,
	})
	rt.watchProc = proc
	rt.watchRound = round
	return proc
}

// synthesizeUser materializes the user message a server-side round_start
// describes, at most once per round, skipping when an equivalent user
// message is already adjacent.
func (e *Engine) synthesizeUser(rt *Runtime, round int, prompt string, at time.Time) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	if round > 0 && rt.synthesized[round] {
		return
	}
	if at.IsZero() {
		at = e.now().UTC()
	}
	if last := rt.Session.LastMessage(); last != nil && last.Role == types.RoleUser &&
		strings.TrimSpace(last.Content) == prompt && adjacentInTime(last.CreatedAt, at) {
		if round > 0 {
			rt.synthesized[round] = true
		}
		return
	}
	rt.Session.Messages = append(rt.Session.Messages,
		&types.Message{ID: e.newID(), Role: types.RoleUser, Content: prompt, CreatedAt: at})
	if round > 0 {
		rt.synthesized[round] = true
	}
}

func adjacentInTime(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= synthesizedUserTolerance
}

// rememberActive persists the app-state pointers for the loaded session.
func (e *Engine) rememberActive(session *types.Session) {
	if e.store == nil || session == nil {
		return
	}
	state, err := e.store.AppState()
	if err != nil {
		e.logger.Warn("app state read failed", logging.F("error", err))
		state = &types.AppState{}
	}
	state.ActiveSessionID = session.ID
	if session.AgentID != "" {
		if state.LastSessionByAgent == nil {
			state.LastSessionByAgent = map[string]string{}
		}
		state.LastSessionByAgent[session.AgentID] = session.ID
	}
	if err := e.store.PutAppState(state); err != nil {
		e.logger.Warn("app state write failed", logging.F("error", err))
	}
}
