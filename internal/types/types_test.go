package types

import "testing"

func TestRoundStateAdvance(t *testing.T) {
	var state RoundState

	if got := state.Advance(0); got != 1 {
		t.Fatalf("first implicit round = %d, want 1", got)
	}
	if got := state.Advance(5); got != 5 {
		t.Fatalf("explicit round = %d, want 5", got)
	}
	// Stale round numbers set the current round but never pull the global
	// counter backwards.
	if got := state.Advance(3); got != 3 {
		t.Fatalf("stale round = %d, want 3", got)
	}
	if state.GlobalRound != 5 {
		t.Fatalf("global round regressed to %d", state.GlobalRound)
	}
	if got := state.Advance(0); got != 6 {
		t.Fatalf("next implicit round = %d, want 6", got)
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	msg := &Message{
		ID:      "m1",
		Role:    RoleAssistant,
		Content: "answer",
		Workflow: []*WorkflowItem{
			{ID: "wf-001", Title: "read_file", Status: WorkflowStatusCompleted},
		},
		Plan:     &Plan{Steps: []PlanStep{{Title: "step one", Status: PlanStepInProgress}}},
		Question: &QuestionPanel{Prompt: "which?", Options: []string{"a", "b"}},
		Events:   []RawEvent{{Event: "final", ID: 3}},
	}

	clone := msg.Clone()
	clone.Workflow[0].Title = "changed"
	clone.Plan.Steps[0].Title = "changed"
	clone.Question.Options[0] = "changed"
	clone.Events[0].Event = "changed"

	if msg.Workflow[0].Title != "read_file" {
		t.Fatalf("workflow aliased: %q", msg.Workflow[0].Title)
	}
	if msg.Plan.Steps[0].Title != "step one" {
		t.Fatalf("plan aliased: %q", msg.Plan.Steps[0].Title)
	}
	if msg.Question.Options[0] != "a" {
		t.Fatalf("question options aliased: %q", msg.Question.Options[0])
	}
	if msg.Events[0].Event != "final" {
		t.Fatalf("events aliased: %q", msg.Events[0].Event)
	}

	if (*Message)(nil).Clone() != nil {
		t.Fatalf("nil clone must stay nil")
	}
}

func TestSessionLastAssistantMessage(t *testing.T) {
	session := &Session{Messages: []*Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	}}
	if got := session.LastAssistantMessage(); got == nil || got.Content != "a1" {
		t.Fatalf("unexpected last assistant message: %+v", got)
	}
	if (&Session{}).LastAssistantMessage() != nil {
		t.Fatalf("empty session has no assistant message")
	}
	if (*Session)(nil).LastMessage() != nil {
		t.Fatalf("nil session has no messages")
	}
}
