package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"relay/internal/codec"
)

// Normalize converts a decoded frame into the canonical event shape. It never
// fails: unparseable payloads produce an event with only the generic fields
// set, which the processor renders as a logged item.
func Normalize(frame codec.Frame) Event {
	event := Event{
		Kind: ParseKind(frame.Event),
		Name: strings.TrimSpace(frame.Event),
		Data: frame.Data,
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(frame.ID), 10, 64); err == nil {
		event.ID = id
	}

	fields := decodeFields(frame.Data, &event)
	event.Round = probeRound(fields)

	switch event.Kind {
	case KindProgress:
		event.Progress = &Progress{
			Stage:  strings.ToLower(probeString(fields, "stage", "phase")),
			Detail: probeString(fields, "detail", "message", "description"),
		}
	case KindRoundStart:
		event.RoundStart = &RoundStart{
			Prompt: probeString(fields, "prompt", "question", "message", "content"),
		}
	case KindToolCall:
		event.ToolCall = normalizeToolCall(fields)
	case KindToolOutputDelta:
		event.ToolOutputDelta = normalizeToolOutputDelta(fields)
	case KindToolResult:
		event.ToolResult = normalizeToolResult(fields)
	case KindApprovalRequest:
		event.ApprovalRequest = normalizeApprovalRequest(fields)
	case KindApprovalResult:
		event.ApprovalResult = &ApprovalResult{
			ApprovalID: probeString(fields, "approval_id", "approvalId", "id"),
			Decision:   strings.ToLower(probeString(fields, "decision", "result", "status")),
		}
	case KindPlanUpdate:
		event.PlanUpdate = normalizePlanUpdate(fields)
	case KindOutputDelta:
		event.OutputDelta = &OutputDelta{
			Content:   probeString(fields, "content", "delta", "text"),
			Reasoning: probeString(fields, "reasoning", "reasoning_content", "thinking"),
		}
	case KindOutput:
		event.Output = normalizeOutput(fields)
	case KindTokenUsage:
		event.TokenUsage = normalizeTokenUsage(fields)
	case KindContextUsage:
		tokens, _ := probeInt64(fields, "context_tokens", "tokens", "used")
		event.ContextUsage = &ContextUsage{Tokens: tokens}
	case KindQuotaUsage:
		event.QuotaUsage = normalizeQuotaUsage(fields)
	case KindFinal:
		event.Final = &Final{
			Answer: probeString(fields, "answer", "content", "text"),
		}
	case KindError:
		event.Error = &ErrorInfo{
			Message: probeString(fields, "message", "error", "detail"),
			Code:    probeString(fields, "code", "error_code"),
		}
	}
	return event
}

// decodeFields unwraps the data text into a field map. A stream payload may
// nest the real fields under "data" and carry the timestamp alongside.
func decodeFields(data string, event *Event) map[string]any {
	data = strings.TrimSpace(data)
	if data == "" || !strings.HasPrefix(data, "{") {
		return nil
	}
	var outer map[string]any
	if err := json.Unmarshal([]byte(data), &outer); err != nil {
		return nil
	}
	if ts := probeTimestamp(outer); !ts.IsZero() {
		event.Timestamp = ts
	}
	if event.ID == 0 {
		if id, ok := probeInt64(outer, "id", "event_id"); ok {
			event.ID = id
		}
	}
	if nested := asMap(outer["data"]); nested != nil {
		if ts := probeTimestamp(nested); !ts.IsZero() && event.Timestamp.IsZero() {
			event.Timestamp = ts
		}
		return nested
	}
	return outer
}

func probeTimestamp(fields map[string]any) time.Time {
	for _, key := range []string{"timestamp", "ts", "created_at"} {
		if raw, ok := fields[key]; ok {
			if parsed := asTime(raw); !parsed.IsZero() {
				return parsed
			}
		}
	}
	return time.Time{}
}

func normalizeToolCall(fields map[string]any) *ToolCall {
	call := &ToolCall{
		Tool:   normalizeToolName(probeString(fields, "tool", "tool_name", "name")),
		CallID: probeString(fields, "call_id", "tool_call_id", "id"),
		Title:  probeString(fields, "title", "description", "summary"),
	}
	if raw := probeRaw(fields, "args", "arguments", "input"); len(raw) > 0 {
		call.Args = string(raw)
	}
	if call.Title == "" && call.Tool != "" {
		call.Title = call.Tool
	}
	return call
}

func normalizeToolOutputDelta(fields map[string]any) *ToolOutputDelta {
	delta := &ToolOutputDelta{
		Tool:   normalizeToolName(probeString(fields, "tool", "tool_name", "name")),
		CallID: probeString(fields, "call_id", "tool_call_id", "id"),
		Stream: strings.ToLower(probeString(fields, "stream", "channel")),
		Text:   probeString(fields, "text", "chunk", "content", "delta"),
	}
	if delta.Stream != "stderr" {
		delta.Stream = "stdout"
	}
	return delta
}

func normalizeToolResult(fields map[string]any) *ToolResult {
	result := &ToolResult{
		Tool:   normalizeToolName(probeString(fields, "tool", "tool_name", "name")),
		CallID: probeString(fields, "call_id", "tool_call_id", "id"),
		Status: strings.ToLower(probeString(fields, "status", "state")),
		Output: probeString(fields, "output", "result", "content", "text"),
		Error:  probeString(fields, "error", "error_message"),
	}
	switch result.Status {
	case "failed", "error", "err":
		result.Failed = true
	}
	if result.Error != "" {
		result.Failed = true
	}
	if raw, ok := fields["success"]; ok {
		if success, isBool := raw.(bool); isBool && !success {
			result.Failed = true
		}
	}
	if QuestionTool(result.Tool) {
		result.IsQuery = true
		result.Prompt = probeString(fields, "prompt", "question")
		if result.Prompt == "" {
			result.Prompt = result.Output
		}
		if rawOptions, ok := fields["options"].([]any); ok {
			for _, option := range rawOptions {
				if text := asString(option); text != "" {
					result.Options = append(result.Options, text)
				}
			}
		}
	}
	return result
}

func normalizeApprovalRequest(fields map[string]any) *ApprovalRequest {
	request := &ApprovalRequest{
		ApprovalID: probeString(fields, "approval_id", "approvalId", "id"),
		RequestID:  probeString(fields, "request_id", "req_id"),
		Tool:       normalizeToolName(probeString(fields, "tool", "tool_name", "name")),
		Summary:    probeString(fields, "summary", "description", "title"),
		Detail:     probeRaw(fields, "detail", "args", "params"),
	}
	switch strings.ToLower(probeString(fields, "kind", "approval_kind", "type")) {
	case "patch", "edit", "file_change", "filechange":
		request.Kind = "patch"
	default:
		request.Kind = "exec"
	}
	return request
}

func normalizePlanUpdate(fields map[string]any) *PlanUpdate {
	update := &PlanUpdate{
		Explanation: probeString(fields, "explanation", "reason", "description"),
	}
	var rawSteps []any
	for _, key := range []string{"steps", "plan", "items"} {
		if list, ok := fields[key].([]any); ok {
			rawSteps = list
			break
		}
	}
	for _, raw := range rawSteps {
		stepFields := asMap(raw)
		if stepFields == nil {
			if text := asString(raw); text != "" {
				update.Steps = append(update.Steps, PlanStepUpdate{Title: text, Status: "pending"})
			}
			continue
		}
		step := PlanStepUpdate{
			Title:  probeString(stepFields, "title", "step", "name", "description"),
			Status: strings.ToLower(probeString(stepFields, "status", "state")),
		}
		if step.Title == "" {
			continue
		}
		update.Steps = append(update.Steps, step)
	}
	return update
}

func normalizeOutput(fields map[string]any) *Output {
	output := &Output{
		Content:   probeString(fields, "content", "text", "output"),
		Reasoning: probeString(fields, "reasoning", "reasoning_content", "thinking"),
	}
	var rawCalls []any
	for _, key := range []string{"tool_calls", "toolCalls", "calls"} {
		if list, ok := fields[key].([]any); ok {
			rawCalls = list
			break
		}
	}
	for _, raw := range rawCalls {
		callFields := asMap(raw)
		if callFields == nil {
			continue
		}
		call := OutputToolCall{
			Name: normalizeToolName(probeString(callFields, "name", "tool", "tool_name")),
		}
		for _, key := range []string{"args", "arguments", "input"} {
			if args := asMap(callFields[key]); args != nil {
				call.Args = args
				break
			}
			if text := asString(callFields[key]); text != "" {
				var parsed map[string]any
				if err := json.Unmarshal([]byte(text), &parsed); err == nil {
					call.Args = parsed
					break
				}
			}
		}
		if call.Name == "" {
			continue
		}
		output.ToolCalls = append(output.ToolCalls, call)
	}
	return output
}

func normalizeTokenUsage(fields map[string]any) *TokenUsage {
	usage := &TokenUsage{}
	usage.PromptTokens, _ = probeInt64(fields, "prompt_tokens", "input_tokens")
	usage.CompletionTokens, _ = probeInt64(fields, "completion_tokens", "output_tokens")
	usage.TotalTokens, _ = probeInt64(fields, "total_tokens", "total")
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	usage.PrefillMS, _ = probeInt64(fields, "prefill_ms", "prefill_duration_ms")
	usage.DecodeMS, _ = probeInt64(fields, "decode_ms", "decode_duration_ms")
	return usage
}

func normalizeQuotaUsage(fields map[string]any) *QuotaUsage {
	usage := &QuotaUsage{}
	if value, ok := probeFloat(fields, "used", "quota_used", "consumed"); ok {
		usage.Used = &value
	}
	if value, ok := probeFloat(fields, "remaining", "quota_remaining", "left"); ok {
		usage.Remaining = &value
	}
	return usage
}

func normalizeToolName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

// RecoverFinalAnswer extracts answer text from a structured final-answer
// tool call when the output content itself is empty.
func RecoverFinalAnswer(output *Output) string {
	if output == nil {
		return ""
	}
	for _, call := range output.ToolCalls {
		if !FinalAnswerTool(call.Name) {
			continue
		}
		for _, key := range []string{"answer", "content", "text", "response"} {
			if text := asString(call.Args[key]); strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	return ""
}
