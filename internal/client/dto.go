package client

import (
	"relay/internal/types"
)

type SessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type CreateSessionRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Title   string `json:"title,omitempty"`
}

type UpdateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// EventRound is one turn's worth of raw events as stored server-side.
type EventRound = types.EventRound

type EventHistoryResponse struct {
	Rounds []EventRound `json:"rounds"`
}
