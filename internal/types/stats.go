package types

import "time"

// Stats accumulates per-turn usage counters. Nullable fields stay nil until
// the protocol reports them.
type Stats struct {
	ToolCalls        int      `json:"tool_calls,omitempty"`
	PromptTokens     int64    `json:"prompt_tokens,omitempty"`
	CompletionTokens int64    `json:"completion_tokens,omitempty"`
	TotalTokens      int64    `json:"total_tokens,omitempty"`
	ContextTokens    int64    `json:"context_tokens,omitempty"`
	QuotaUsed        *float64 `json:"quota_used,omitempty"`
	QuotaRemaining   *float64 `json:"quota_remaining,omitempty"`
	PrefillMS        int64    `json:"prefill_ms,omitempty"`
	DecodeMS         int64    `json:"decode_ms,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

func (s Stats) Clone() Stats {
	clone := s
	if s.QuotaUsed != nil {
		v := *s.QuotaUsed
		clone.QuotaUsed = &v
	}
	if s.QuotaRemaining != nil {
		v := *s.QuotaRemaining
		clone.QuotaRemaining = &v
	}
	return clone
}

// Merge combines two stats records, taking the max of numeric counters and
// the non-nil side of nullable fields.
func (s Stats) Merge(other Stats) Stats {
	out := s.Clone()
	out.ToolCalls = maxInt(s.ToolCalls, other.ToolCalls)
	out.PromptTokens = maxInt64(s.PromptTokens, other.PromptTokens)
	out.CompletionTokens = maxInt64(s.CompletionTokens, other.CompletionTokens)
	out.TotalTokens = maxInt64(s.TotalTokens, other.TotalTokens)
	out.ContextTokens = maxInt64(s.ContextTokens, other.ContextTokens)
	out.PrefillMS = maxInt64(s.PrefillMS, other.PrefillMS)
	out.DecodeMS = maxInt64(s.DecodeMS, other.DecodeMS)
	if out.QuotaUsed == nil && other.QuotaUsed != nil {
		v := *other.QuotaUsed
		out.QuotaUsed = &v
	}
	if out.QuotaRemaining == nil && other.QuotaRemaining != nil {
		v := *other.QuotaRemaining
		out.QuotaRemaining = &v
	}
	if out.StartedAt.IsZero() || (!other.StartedAt.IsZero() && other.StartedAt.Before(out.StartedAt)) {
		out.StartedAt = other.StartedAt
	}
	if other.EndedAt.After(out.EndedAt) {
		out.EndedAt = other.EndedAt
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
