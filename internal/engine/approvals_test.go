package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay/internal/protocol"
	"relay/internal/transport"
	"relay/internal/types"
)

type notifyRecorder struct {
	requests []transport.OutboundRequest
	err      error
}

func (r *notifyRecorder) notify(_ context.Context, req transport.OutboundRequest) error {
	r.requests = append(r.requests, req)
	return r.err
}

func pendingRequest(id string) *protocol.ApprovalRequest {
	return &protocol.ApprovalRequest{
		ApprovalID: id,
		Tool:       "sh",
		Summary:    "run ls",
	}
}

func TestApprovalQueueAbsorbAndResolve(t *testing.T) {
	q := NewApprovalQueue(nil, nil)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if !q.Absorb("s1", "req-1", pendingRequest("a1"), at) {
		t.Fatalf("absorb failed")
	}
	if !q.Absorb("s1", "req-1", pendingRequest("a2"), at) {
		t.Fatalf("absorb failed")
	}
	if active := q.Active(); active == nil || active.ID != "a1" {
		t.Fatalf("head of queue should be a1: %+v", active)
	}

	// Duplicate id replaces and moves to the tail.
	if !q.Absorb("s1", "req-1", pendingRequest("a1"), at) {
		t.Fatalf("dedupe absorb failed")
	}
	pending := q.Pending()
	if len(pending) != 2 || pending[0].ID != "a2" || pending[1].ID != "a1" {
		t.Fatalf("unexpected queue order: %+v", pending)
	}

	if !q.Resolve("a2") {
		t.Fatalf("resolve failed")
	}
	if q.Resolve("missing") {
		t.Fatalf("unknown result ids must be ignored")
	}
	if active := q.Active(); active == nil || active.ID != "a1" {
		t.Fatalf("a1 should remain: %+v", active)
	}
}

func TestApprovalQueueRejectsIncompleteRequests(t *testing.T) {
	q := NewApprovalQueue(nil, nil)
	if q.Absorb("", "req", pendingRequest("a1"), time.Time{}) {
		t.Fatalf("missing session id must be dropped")
	}
	if q.Absorb("s1", "req", pendingRequest(""), time.Time{}) {
		t.Fatalf("missing approval id must be dropped")
	}
}

func TestApprovalDecideApprove(t *testing.T) {
	rec := &notifyRecorder{}
	q := NewApprovalQueue(rec.notify, nil)
	q.Absorb("s1", "req-1", pendingRequest("a1"), time.Time{})

	if err := q.Decide(context.Background(), "a1", types.ApproveOnce); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if q.Active() != nil {
		t.Fatalf("approved entry must leave the queue")
	}
	if len(rec.requests) != 1 {
		t.Fatalf("expected one notify, got %d", len(rec.requests))
	}
	req := rec.requests[0]
	if req.Type != transport.TypeApproval || req.SessionID != "s1" {
		t.Fatalf("unexpected notify: %+v", req)
	}
	if req.Payload["decision"] != string(types.ApproveOnce) {
		t.Fatalf("unexpected decision payload: %+v", req.Payload)
	}
}

func TestApprovalDecideApproveKeepsEntryOnNotifyFailure(t *testing.T) {
	rec := &notifyRecorder{err: errors.New("socket gone")}
	q := NewApprovalQueue(rec.notify, nil)
	q.Absorb("s1", "req-1", pendingRequest("a1"), time.Time{})

	if err := q.Decide(context.Background(), "a1", types.ApproveSession); err == nil {
		t.Fatalf("approve must propagate the notify error")
	}
	if active := q.Active(); active == nil || active.ID != "a1" {
		t.Fatalf("failed approve must keep the entry pending")
	}
}

func TestApprovalDecideDenyAppliesLocallyOnNotifyFailure(t *testing.T) {
	rec := &notifyRecorder{err: errors.New("socket gone")}
	q := NewApprovalQueue(rec.notify, nil)
	q.Absorb("s1", "req-1", pendingRequest("a1"), time.Time{})

	if err := q.Decide(context.Background(), "a1", types.Deny); err != nil {
		t.Fatalf("deny must swallow the notify error, got %v", err)
	}
	if q.Active() != nil {
		t.Fatalf("denied entry must leave the queue even when notify fails")
	}
}

func TestApprovalDecideUnknownID(t *testing.T) {
	q := NewApprovalQueue(nil, nil)
	if err := q.Decide(context.Background(), "nope", types.Deny); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestApprovalPurge(t *testing.T) {
	q := NewApprovalQueue(nil, nil)
	q.Absorb("s1", "req-1", pendingRequest("a1"), time.Time{})
	q.Absorb("s2", "req-2", pendingRequest("a2"), time.Time{})
	q.Absorb("s1", "req-3", pendingRequest("a3"), time.Time{})

	q.PurgeRequest("req-3")
	if pending := q.Pending(); len(pending) != 2 {
		t.Fatalf("purge request left %d entries", len(pending))
	}
	q.PurgeSession("s1")
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != "a2" {
		t.Fatalf("purge session left %+v", pending)
	}
}

func TestProcessorApprovalLifecycle(t *testing.T) {
	rec := &notifyRecorder{}
	q := NewApprovalQueue(rec.notify, nil)
	msg := &types.Message{Role: types.RoleAssistant}
	proc := NewProcessor(ProcessorConfig{
		Message:   msg,
		Scheduler: NewImmediateScheduler(),
		Approvals: q,
		SessionID: "s1",
		RequestID: "req-1",
		Now:       fixedNow,
	})

	proc.Apply(frameEvent("approval_request", 1, `{"approval_id":"a1","tool":"sh","summary":"run ls"}`))
	if active := q.Active(); active == nil || active.ID != "a1" || active.SessionID != "s1" {
		t.Fatalf("approval_request must enqueue: %+v", active)
	}
	if msg.Workflow[len(msg.Workflow)-1].Status != types.WorkflowStatusPending {
		t.Fatalf("approval item must be pending")
	}

	proc.Apply(frameEvent("approval_result", 2, `{"approval_id":"a1","decision":"approve_once"}`))
	if q.Active() != nil {
		t.Fatalf("approval_result must dequeue")
	}
}
