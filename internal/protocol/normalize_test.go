package protocol

import (
	"testing"
	"time"

	"relay/internal/codec"
)

func TestNormalizeOutputDeltaAliases(t *testing.T) {
	event := Normalize(codec.Frame{
		Event: "llm_output_delta",
		ID:    "12",
		Data:  `{"round":2,"delta":"hel","thinking":"hmm"}`,
	})
	if event.Kind != KindOutputDelta {
		t.Fatalf("unexpected kind: %v", event.Kind)
	}
	if event.ID != 12 || event.Round != 2 {
		t.Fatalf("unexpected id/round: %d/%d", event.ID, event.Round)
	}
	if event.OutputDelta == nil || event.OutputDelta.Content != "hel" || event.OutputDelta.Reasoning != "hmm" {
		t.Fatalf("unexpected delta: %+v", event.OutputDelta)
	}
}

func TestNormalizeUnwrapsNestedData(t *testing.T) {
	event := Normalize(codec.Frame{
		Event: "tool_call",
		Data:  `{"id":9,"timestamp":"2026-08-24T10:00:00Z","data":{"tool_name":"Read-File","call_id":"c1","arguments":{"path":"a.txt"}}}`,
	})
	if event.ID != 9 {
		t.Fatalf("expected id from outer payload, got %d", event.ID)
	}
	if event.Timestamp.IsZero() {
		t.Fatalf("expected timestamp from outer payload")
	}
	call := event.ToolCall
	if call == nil {
		t.Fatalf("expected tool call payload")
	}
	if call.Tool != "read_file" {
		t.Fatalf("expected normalized tool name, got %q", call.Tool)
	}
	if call.CallID != "c1" || call.Args == "" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestNormalizeToolResultFailureSignals(t *testing.T) {
	cases := []struct {
		data   string
		failed bool
	}{
		{`{"tool":"sh","status":"failed"}`, true},
		{`{"tool":"sh","error":"exit 1"}`, true},
		{`{"tool":"sh","success":false}`, true},
		{`{"tool":"sh","status":"ok","output":"done"}`, false},
	}
	for _, tc := range cases {
		event := Normalize(codec.Frame{Event: "tool_result", Data: tc.data})
		if event.ToolResult == nil {
			t.Fatalf("expected tool result for %s", tc.data)
		}
		if event.ToolResult.Failed != tc.failed {
			t.Fatalf("data %s: failed=%v, want %v", tc.data, event.ToolResult.Failed, tc.failed)
		}
	}
}

func TestNormalizeQuestionTool(t *testing.T) {
	event := Normalize(codec.Frame{
		Event: "tool_result",
		Data:  `{"tool":"ask_user","prompt":"Which one?","options":["a","b"]}`,
	})
	result := event.ToolResult
	if result == nil || !result.IsQuery {
		t.Fatalf("expected question result: %+v", result)
	}
	if result.Prompt != "Which one?" || len(result.Options) != 2 {
		t.Fatalf("unexpected question: %+v", result)
	}
}

func TestNormalizeRoundAliases(t *testing.T) {
	for _, data := range []string{`{"round":3}`, `{"round_no":3}`, `{"turn":3}`} {
		event := Normalize(codec.Frame{Event: "round_start", Data: data})
		if event.Round != 3 {
			t.Fatalf("data %s: round=%d, want 3", data, event.Round)
		}
	}
}

func TestRecoverFinalAnswer(t *testing.T) {
	event := Normalize(codec.Frame{
		Event: "llm_output",
		Data:  `{"content":"","tool_calls":[{"name":"final_answer","arguments":{"answer":"42"}}]}`,
	})
	if event.Output == nil {
		t.Fatalf("expected output payload")
	}
	if got := RecoverFinalAnswer(event.Output); got != "42" {
		t.Fatalf("recovered %q, want 42", got)
	}
}

func TestParseKindTeamPrefix(t *testing.T) {
	if ParseKind("team_member_joined") != KindTeam {
		t.Fatalf("team_* names must map to the team kind")
	}
	if ParseKind("something_else") != KindUnknown {
		t.Fatalf("unknown names must map to unknown")
	}
}

func TestNormalizeUnparseableDataIsGeneric(t *testing.T) {
	event := Normalize(codec.Frame{Event: "progress", Data: "not json"})
	if event.Kind != KindProgress {
		t.Fatalf("unexpected kind: %v", event.Kind)
	}
	if event.Progress == nil || event.Progress.Stage != "" {
		t.Fatalf("expected empty progress payload: %+v", event.Progress)
	}
	if event.Data != "not json" {
		t.Fatalf("raw data must be retained")
	}
}

func TestNormalizeTimestampFromEpoch(t *testing.T) {
	event := Normalize(codec.Frame{
		Event: "final",
		Data:  `{"ts":1756029600,"answer":"ok"}`,
	})
	if event.Timestamp.IsZero() {
		t.Fatalf("expected epoch timestamp to parse")
	}
	want := time.Unix(1756029600, 0).UTC()
	if !event.Timestamp.Equal(want) {
		t.Fatalf("timestamp %v, want %v", event.Timestamp, want)
	}
}
