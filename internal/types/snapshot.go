package types

import "time"

// Snapshot is a bounded local projection of a session timeline, persisted so
// a reload or transport hiccup never loses a partially streamed turn.
type Snapshot struct {
	SessionID string     `json:"session_id"`
	Messages  []*Message `json:"messages,omitempty"`
	WrittenAt time.Time  `json:"written_at"`
}

// AppState is the small pointer record persisted alongside snapshots: which
// session is active, the last session per agent, and the preferred transport.
type AppState struct {
	ActiveSessionID    string            `json:"active_session_id,omitempty"`
	LastSessionByAgent map[string]string `json:"last_session_by_agent,omitempty"`
	PreferredTransport string            `json:"preferred_transport,omitempty"`
}
