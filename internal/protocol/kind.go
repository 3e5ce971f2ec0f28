package protocol

import "strings"

// Kind is the closed set of event kinds the engine dispatches on. Wire names
// outside the set (including the team_* orchestration family) map to a
// generic kind and surface as logged workflow items.
type Kind int

const (
	KindUnknown Kind = iota
	KindProgress
	KindRoundStart
	KindLLMRequest
	KindKnowledgeRequest
	KindToolCall
	KindToolOutputDelta
	KindToolResult
	KindApprovalRequest
	KindApprovalResult
	KindPlanUpdate
	KindQuestionPanel
	KindSlowClient
	KindOutputDelta
	KindOutput
	KindTokenUsage
	KindContextUsage
	KindQuotaUsage
	KindFinal
	KindError
	KindTeam
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindProgress:         "progress",
	KindRoundStart:       "round_start",
	KindLLMRequest:       "llm_request",
	KindKnowledgeRequest: "knowledge_request",
	KindToolCall:         "tool_call",
	KindToolOutputDelta:  "tool_output_delta",
	KindToolResult:       "tool_result",
	KindApprovalRequest:  "approval_request",
	KindApprovalResult:   "approval_result",
	KindPlanUpdate:       "plan_update",
	KindQuestionPanel:    "question_panel",
	KindSlowClient:       "slow_client",
	KindOutputDelta:      "llm_output_delta",
	KindOutput:           "llm_output",
	KindTokenUsage:       "token_usage",
	KindContextUsage:     "context_usage",
	KindQuotaUsage:       "quota_usage",
	KindFinal:            "final",
	KindError:            "error",
	KindTeam:             "team",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a wire event name to its kind. Unrecognized names return
// KindUnknown rather than an error; the processor logs them generically.
func ParseKind(name string) Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "progress":
		return KindProgress
	case "round_start", "roundstart":
		return KindRoundStart
	case "llm_request":
		return KindLLMRequest
	case "knowledge_request":
		return KindKnowledgeRequest
	case "tool_call":
		return KindToolCall
	case "tool_output_delta", "tool_output":
		return KindToolOutputDelta
	case "tool_result":
		return KindToolResult
	case "approval_request":
		return KindApprovalRequest
	case "approval_result":
		return KindApprovalResult
	case "plan_update":
		return KindPlanUpdate
	case "question_panel":
		return KindQuestionPanel
	case "slow_client":
		return KindSlowClient
	case "llm_output_delta":
		return KindOutputDelta
	case "llm_output":
		return KindOutput
	case "token_usage":
		return KindTokenUsage
	case "context_usage":
		return KindContextUsage
	case "quota_usage":
		return KindQuotaUsage
	case "final":
		return KindFinal
	case "error":
		return KindError
	}
	if strings.HasPrefix(name, "team_") {
		return KindTeam
	}
	return KindUnknown
}
