package protocol

import (
	"encoding/json"
	"time"
)

// Event is the canonical, normalized form of one wire frame. Exactly one of
// the per-kind payload pointers is set, matching Kind; the state machine
// never probes raw payload fields itself.
type Event struct {
	Kind      Kind
	Name      string
	ID        int64
	Round     int
	Timestamp time.Time

	Progress        *Progress
	RoundStart      *RoundStart
	ToolCall        *ToolCall
	ToolOutputDelta *ToolOutputDelta
	ToolResult      *ToolResult
	ApprovalRequest *ApprovalRequest
	ApprovalResult  *ApprovalResult
	PlanUpdate      *PlanUpdate
	OutputDelta     *OutputDelta
	Output          *Output
	TokenUsage      *TokenUsage
	ContextUsage    *ContextUsage
	QuotaUsage      *QuotaUsage
	Final           *Final
	Error           *ErrorInfo

	// Data is the raw data text the frame carried, retained for replay logs
	// and for generic rendering of unrecognized kinds.
	Data string
}

type Progress struct {
	Stage  string
	Detail string
}

const StageLLMCall = "llm_call"

type RoundStart struct {
	Prompt string
}

type ToolCall struct {
	Tool   string
	CallID string
	Title  string
	Args   string
}

type ToolOutputDelta struct {
	Tool   string
	CallID string
	Stream string
	Text   string
}

type ToolResult struct {
	Tool    string
	CallID  string
	Status  string
	Output  string
	Error   string
	Failed  bool
	IsQuery bool
	Prompt  string
	Options []string
}

type ApprovalRequest struct {
	ApprovalID string
	RequestID  string
	Tool       string
	Kind       string
	Summary    string
	Detail     json.RawMessage
}

type ApprovalResult struct {
	ApprovalID string
	Decision   string
}

type PlanUpdate struct {
	Explanation string
	Steps       []PlanStepUpdate
}

type PlanStepUpdate struct {
	Title  string
	Status string
}

type OutputDelta struct {
	Content   string
	Reasoning string
}

// Output is the non-incremental final-form path for a turn. When Content is
// empty the answer may be recoverable from a final-answer tool call.
type Output struct {
	Content   string
	Reasoning string
	ToolCalls []OutputToolCall
}

type OutputToolCall struct {
	Name string
	Args map[string]any
}

type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	PrefillMS        int64
	DecodeMS         int64
}

type ContextUsage struct {
	Tokens int64
}

type QuotaUsage struct {
	Used      *float64
	Remaining *float64
}

type Final struct {
	Answer string
}

type ErrorInfo struct {
	Message string
	Code    string
}

// FinalAnswerTool reports whether a tool name denotes the structured
// final-answer channel some agent builds emit instead of plain content.
func FinalAnswerTool(name string) bool {
	switch normalizeToolName(name) {
	case "final_answer", "finalanswer", "answer", "submit_answer":
		return true
	}
	return false
}

// QuestionTool reports whether a tool name denotes a user inquiry, which
// installs a question panel on the message.
func QuestionTool(name string) bool {
	switch normalizeToolName(name) {
	case "ask_user", "askuser", "question", "inquiry", "request_user_input":
		return true
	}
	return false
}
