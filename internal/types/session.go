package types

import "time"

type Session struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Messages  []*Message `json:"messages,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// LastMessage returns the trailing message, or nil for an empty timeline.
func (s *Session) LastMessage() *Message {
	if s == nil || len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// LastAssistantMessage returns the most recent assistant message, or nil.
func (s *Session) LastAssistantMessage() *Message {
	if s == nil {
		return nil
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i] != nil && s.Messages[i].Role == RoleAssistant {
			return s.Messages[i]
		}
	}
	return nil
}

// RoundState keeps per-session model-turn counters so turn numbers stay
// monotonic even when individual events omit a round number.
type RoundState struct {
	GlobalRound  int `json:"global_round"`
	CurrentRound int `json:"current_round"`
}

// Advance moves to round, or to the next round when round is zero.
// It never regresses.
func (r *RoundState) Advance(round int) int {
	if r == nil {
		return round
	}
	if round <= 0 {
		round = r.GlobalRound + 1
	}
	if round > r.GlobalRound {
		r.GlobalRound = round
	}
	r.CurrentRound = round
	return round
}
