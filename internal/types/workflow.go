package types

type WorkflowStatus string

const (
	WorkflowStatusLoading   WorkflowStatus = "loading"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusPending   WorkflowStatus = "pending"
)

// WorkflowItem is one entry in a message's tool-call timeline. Items are
// append-only within a turn and patched in place by id, never reordered.
type WorkflowItem struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Detail   string         `json:"detail,omitempty"`
	Status   WorkflowStatus `json:"status"`
	Category string         `json:"category,omitempty"`
}

type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
)

type PlanStep struct {
	Title  string         `json:"title"`
	Status PlanStepStatus `json:"status"`
}

type Plan struct {
	Explanation string     `json:"explanation,omitempty"`
	Steps       []PlanStep `json:"steps,omitempty"`
	// Revealed marks a plan that arrived while the message was actively
	// streaming and may be shown unprompted.
	Revealed bool `json:"revealed,omitempty"`
}

func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	clone := &Plan{Explanation: p.Explanation, Revealed: p.Revealed}
	if len(p.Steps) > 0 {
		clone.Steps = make([]PlanStep, len(p.Steps))
		copy(clone.Steps, p.Steps)
	}
	return clone
}

// Normalize downgrades every in_progress step after the first to pending,
// keeping at most one step in progress.
func (p *Plan) Normalize() {
	if p == nil {
		return
	}
	seen := false
	for i := range p.Steps {
		if p.Steps[i].Status != PlanStepInProgress {
			continue
		}
		if seen {
			p.Steps[i].Status = PlanStepPending
			continue
		}
		seen = true
	}
}
