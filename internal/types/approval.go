package types

import (
	"encoding/json"
	"time"
)

type ApprovalKind string

const (
	ApprovalKindExec  ApprovalKind = "exec"
	ApprovalKindPatch ApprovalKind = "patch"
)

type ApprovalDecision string

const (
	ApproveOnce    ApprovalDecision = "approve_once"
	ApproveSession ApprovalDecision = "approve_session"
	Deny           ApprovalDecision = "deny"
)

// PendingApproval is a server-initiated approval request awaiting a user
// decision. Created on an approval_request event, removed on a matching
// approval_result or explicit decision.
type PendingApproval struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id"`
	Tool      string          `json:"tool,omitempty"`
	Kind      ApprovalKind    `json:"kind,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
