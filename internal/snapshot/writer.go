package snapshot

import (
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/types"
)

const (
	defaultDebounce = 750 * time.Millisecond
	defaultTail     = 40
)

// Writer persists bounded session projections, coalescing writes within a
// short window. Turn-boundary flushes bypass the debounce.
type Writer struct {
	store    *Store
	tail     int
	debounce time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	pending map[string]*types.Snapshot
	timer   *time.Timer
	closed  bool
}

func NewWriter(store *Store, tail int, debounce time.Duration, logger logging.Logger) *Writer {
	if tail <= 0 {
		tail = defaultTail
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Writer{
		store:    store,
		tail:     tail,
		debounce: debounce,
		logger:   logger,
		pending:  map[string]*types.Snapshot{},
	}
}

// Note records a change quantum for the session; the projection is captured
// now and written after the debounce window.
func (w *Writer) Note(session *types.Session) {
	if w == nil || session == nil {
		return
	}
	snap := Project(session, w.tail)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[session.ID] = snap
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flushPending)
	}
}

// FlushNow writes the session projection immediately, used on turn
// boundaries so a completed turn is never lost to the debounce window.
func (w *Writer) FlushNow(session *types.Session) {
	if w == nil || session == nil {
		return
	}
	snap := Project(session, w.tail)
	w.mu.Lock()
	delete(w.pending, session.ID)
	w.mu.Unlock()
	w.write(snap)
}

// Drop discards pending and persisted state for a deleted session.
func (w *Writer) Drop(sessionID string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	delete(w.pending, sessionID)
	w.mu.Unlock()
	if err := w.store.DeleteSession(sessionID); err != nil {
		w.logger.Warn("snapshot delete failed",
			logging.F("session_id", sessionID),
			logging.F("error", err),
		)
	}
}

// Close flushes anything still pending.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.flushPending()
}

func (w *Writer) flushPending() {
	w.mu.Lock()
	w.timer = nil
	batch := make([]*types.Snapshot, 0, len(w.pending))
	for _, snap := range w.pending {
		batch = append(batch, snap)
	}
	w.pending = map[string]*types.Snapshot{}
	w.mu.Unlock()
	for _, snap := range batch {
		w.write(snap)
	}
}

func (w *Writer) write(snap *types.Snapshot) {
	if snap == nil {
		return
	}
	if err := w.store.PutSnapshot(snap); err != nil {
		w.logger.Warn("snapshot write failed",
			logging.F("session_id", snap.SessionID),
			logging.F("error", err),
		)
	}
}

// Project builds the bounded most-recent-N projection of a session.
func Project(session *types.Session, tail int) *types.Snapshot {
	if session == nil {
		return nil
	}
	messages := session.Messages
	if tail > 0 && len(messages) > tail {
		messages = messages[len(messages)-tail:]
	}
	cloned := make([]*types.Message, 0, len(messages))
	for _, msg := range messages {
		cloned = append(cloned, msg.Clone())
	}
	return &types.Snapshot{
		SessionID: session.ID,
		Messages:  cloned,
		WrittenAt: time.Now().UTC(),
	}
}
