package snapshot

import (
	"strings"
	"time"

	"relay/internal/types"
)

// createdAtTolerance bounds how far apart two timestamps may be while still
// counting as the same message during reconciliation.
const createdAtTolerance = 15 * time.Second

// Reconcile merges a locally snapshotted timeline into the server-provided
// one. Matching runs in priority order: exact event id, exact round,
// creation-time proximity, then substring containment as a last-resort
// tie-breaker. The merge keeps whichever side carries more information.
// Reconcile is idempotent: applying the same snapshot to its own output
// changes nothing.
func Reconcile(server []*types.Message, snap *types.Snapshot) []*types.Message {
	result := make([]*types.Message, 0, len(server))
	for _, msg := range server {
		result = append(result, msg.Clone())
	}
	if snap == nil || len(snap.Messages) == 0 {
		return result
	}

	matched := map[int]bool{}
	trailing := trailingIncomplete(snap)
	for _, snapMsg := range snap.Messages {
		if snapMsg == nil || snapMsg.Role != types.RoleAssistant {
			continue
		}
		idx := findMatch(result, snapMsg, matched)
		if idx >= 0 {
			result[idx] = mergeMessages(result[idx], snapMsg)
			matched[idx] = true
			continue
		}
		// A server read can race ahead of write completion; never discard a
		// trailing turn that only the snapshot knows about.
		if snapMsg == trailing {
			result = append(result, snapMsg.Clone())
			matched[len(result)-1] = true
		}
	}
	return result
}

func trailingIncomplete(snap *types.Snapshot) *types.Message {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		msg := snap.Messages[i]
		if msg == nil {
			continue
		}
		if msg.Role != types.RoleAssistant {
			return nil
		}
		if msg.StreamIncomplete {
			return msg
		}
		return nil
	}
	return nil
}

func findMatch(candidates []*types.Message, snapMsg *types.Message, taken map[int]bool) int {
	byEventID, byRound, byTime, byContent := -1, -1, -1, -1
	for i, candidate := range candidates {
		if candidate == nil || taken[i] || candidate.Role != types.RoleAssistant {
			continue
		}
		if byEventID < 0 && snapMsg.StreamEventID > 0 && candidate.StreamEventID == snapMsg.StreamEventID {
			byEventID = i
		}
		if byRound < 0 && snapMsg.StreamRound > 0 && candidate.StreamRound == snapMsg.StreamRound {
			byRound = i
		}
		if byTime < 0 && closeInTime(candidate.CreatedAt, snapMsg.CreatedAt) {
			byTime = i
		}
		if byContent < 0 && contentOverlap(candidate.Content, snapMsg.Content) {
			byContent = i
		}
	}
	switch {
	case byEventID >= 0:
		return byEventID
	case byRound >= 0:
		return byRound
	case byTime >= 0:
		return byTime
	default:
		return byContent
	}
}

func closeInTime(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= createdAtTolerance
}

func contentOverlap(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// mergeMessages combines a server message with its snapshot counterpart.
// Every rule is order-insensitive and idempotent: longer text wins, numeric
// fields take the max, flags are OR'd, populated lists beat empty ones.
func mergeMessages(server, snap *types.Message) *types.Message {
	merged := server.Clone()
	if len(snap.Content) > len(merged.Content) {
		merged.Content = snap.Content
	}
	if len(snap.Reasoning) > len(merged.Reasoning) {
		merged.Reasoning = snap.Reasoning
	}
	if snap.StreamEventID > merged.StreamEventID {
		merged.StreamEventID = snap.StreamEventID
	}
	if snap.StreamRound > merged.StreamRound {
		merged.StreamRound = snap.StreamRound
	}
	merged.StreamIncomplete = merged.StreamIncomplete || snap.StreamIncomplete
	merged.WorkflowStreaming = merged.WorkflowStreaming || snap.WorkflowStreaming
	merged.ReasoningStreaming = merged.ReasoningStreaming || snap.ReasoningStreaming
	if len(snap.Workflow) > len(merged.Workflow) {
		merged.Workflow = nil
		for _, item := range snap.Workflow {
			if item == nil {
				continue
			}
			itemCopy := *item
			merged.Workflow = append(merged.Workflow, &itemCopy)
		}
	}
	if planSize(snap.Plan) > planSize(merged.Plan) {
		merged.Plan = snap.Plan.Clone()
	}
	if merged.Question == nil && snap.Question != nil {
		questionCopy := *snap.Question
		questionCopy.Options = append([]string(nil), snap.Question.Options...)
		merged.Question = &questionCopy
	}
	merged.Stats = merged.Stats.Merge(snap.Stats)
	if len(snap.Events) > len(merged.Events) {
		merged.Events = make([]types.RawEvent, len(snap.Events))
		copy(merged.Events, snap.Events)
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = snap.CreatedAt
	}
	return merged
}

func planSize(p *types.Plan) int {
	if p == nil {
		return -1
	}
	return len(p.Steps)
}
