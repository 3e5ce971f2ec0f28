package engine

import (
	"context"
	"strings"

	"relay/internal/types"
)

// Runtime is the live per-session state the engine tracks alongside the
// session itself: the highest absorbed event id, the in-flight exchange, the
// background watch, and the processor currently absorbing events.
//
// Runtime fields are guarded by the owning engine's mutex, not by the
// runtime itself.
type Runtime struct {
	Session *types.Session
	Rounds  types.RoundState

	lastEventID   int64
	requestID     string
	stopRequested bool

	proc           *Processor
	exchangeCancel context.CancelFunc
	exchangeDone   chan struct{}

	watchCancel context.CancelFunc
	watchDone   chan struct{}
	watchProc   *Processor
	watchRound  int

	// synthesized tracks rounds whose user prompt was already materialized
	// from a round_start event.
	synthesized map[int]bool
}

// MarkAbsorbed advances the session's event-id high-water mark. It returns
// false for an event at or below the mark, which the caller must drop.
func (rt *Runtime) MarkAbsorbed(eventID int64) bool {
	if rt == nil {
		return false
	}
	if eventID > 0 && eventID <= rt.lastEventID {
		return false
	}
	if eventID > rt.lastEventID {
		rt.lastEventID = eventID
	}
	return true
}

// SeedEventID raises the high-water mark without absorbing anything, used
// when rehydrating from the snapshot store or a server timeline. It never
// regresses the mark.
func (rt *Runtime) SeedEventID(eventID int64) {
	if rt == nil {
		return
	}
	if eventID > rt.lastEventID {
		rt.lastEventID = eventID
	}
}

// Busy reports whether a send or resume exchange is in flight.
func (rt *Runtime) Busy() bool {
	return rt != nil && rt.exchangeDone != nil
}

// SessionRegistry maps session ids to their runtimes. It is not safe for
// concurrent use; the engine serializes access behind its own mutex.
type SessionRegistry struct {
	runtimes map[string]*Runtime
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{runtimes: map[string]*Runtime{}}
}

// Ensure returns the runtime for the session, creating an empty shell when
// the session has never been touched.
func (r *SessionRegistry) Ensure(sessionID string) *Runtime {
	sessionID = strings.TrimSpace(sessionID)
	if rt, ok := r.runtimes[sessionID]; ok {
		return rt
	}
	rt := &Runtime{
		Session:     &types.Session{ID: sessionID},
		synthesized: map[int]bool{},
	}
	r.runtimes[sessionID] = rt
	return rt
}

func (r *SessionRegistry) Get(sessionID string) (*Runtime, bool) {
	rt, ok := r.runtimes[strings.TrimSpace(sessionID)]
	return rt, ok
}

// Adopt swaps in a fresh session timeline, keeping the runtime's event
// high-water mark and exchange state intact.
func (r *SessionRegistry) Adopt(session *types.Session) *Runtime {
	if session == nil {
		return nil
	}
	rt := r.Ensure(session.ID)
	rt.Session = session
	for _, msg := range session.Messages {
		if msg != nil {
			rt.SeedEventID(msg.StreamEventID)
			if msg.StreamRound > rt.Rounds.GlobalRound {
				rt.Rounds.GlobalRound = msg.StreamRound
			}
		}
	}
	return rt
}

func (r *SessionRegistry) Remove(sessionID string) {
	delete(r.runtimes, strings.TrimSpace(sessionID))
}

func (r *SessionRegistry) All() []*Runtime {
	out := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt)
	}
	return out
}
