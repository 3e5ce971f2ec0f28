package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RawEvent is one protocol event as absorbed from the wire, retained on the
// message so a historical message can be rehydrated by replay.
type RawEvent struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventRound is one turn's worth of raw events as stored server-side.
type EventRound struct {
	Round  int        `json:"round"`
	Events []RawEvent `json:"events"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Streaming state, assistant messages only.
	StreamIncomplete   bool  `json:"stream_incomplete,omitempty"`
	WorkflowStreaming  bool  `json:"workflow_streaming,omitempty"`
	ReasoningStreaming bool  `json:"reasoning_streaming,omitempty"`
	StreamEventID      int64 `json:"stream_event_id,omitempty"`
	StreamRound        int   `json:"stream_round,omitempty"`

	Workflow []*WorkflowItem `json:"workflow,omitempty"`
	Plan     *Plan           `json:"plan,omitempty"`
	Question *QuestionPanel  `json:"question,omitempty"`
	Stats    Stats           `json:"stats,omitempty"`
	Events   []RawEvent      `json:"workflow_events,omitempty"`
}

// Clone returns a deep copy so snapshot projections never alias live state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.Workflow) > 0 {
		clone.Workflow = make([]*WorkflowItem, 0, len(m.Workflow))
		for _, item := range m.Workflow {
			if item == nil {
				continue
			}
			itemCopy := *item
			clone.Workflow = append(clone.Workflow, &itemCopy)
		}
	}
	clone.Plan = m.Plan.Clone()
	if m.Question != nil {
		questionCopy := *m.Question
		questionCopy.Options = append([]string(nil), m.Question.Options...)
		clone.Question = &questionCopy
	}
	clone.Stats = m.Stats.Clone()
	if len(m.Events) > 0 {
		clone.Events = make([]RawEvent, len(m.Events))
		copy(clone.Events, m.Events)
	}
	return &clone
}

// QuestionPanel is an inquiry posed by the agent mid-turn through a
// question-style tool result.
type QuestionPanel struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}
