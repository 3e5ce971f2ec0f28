package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/protocol"
	"relay/internal/transport"
	"relay/internal/types"
)

var ErrApprovalNotFound = errors.New("approval not found")

// ApprovalNotifier carries a decision to the server; it is the selector's
// fire-and-forget notify path in production.
type ApprovalNotifier func(ctx context.Context, req transport.OutboundRequest) error

// ApprovalQueue correlates server-initiated approval requests with user
// decisions, independent of which transport carried them. The head of the
// queue is the active approval.
type ApprovalQueue struct {
	notify ApprovalNotifier
	logger logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	queue []*types.PendingApproval
}

func NewApprovalQueue(notify ApprovalNotifier, logger logging.Logger) *ApprovalQueue {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ApprovalQueue{
		notify: notify,
		logger: logger,
		now:    time.Now,
	}
}

// Active returns the head of the queue, or nil when nothing is pending.
func (q *ApprovalQueue) Active() *types.PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	return q.queue[0]
}

func (q *ApprovalQueue) Pending() []*types.PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.PendingApproval, len(q.queue))
	copy(out, q.queue)
	return out
}

// Absorb inserts a pending approval from an approval_request event. Entries
// missing an approval id or session id are dropped; a duplicate approval id
// replaces the prior entry and moves to the tail.
func (q *ApprovalQueue) Absorb(sessionID, requestID string, request *protocol.ApprovalRequest, at time.Time) bool {
	if q == nil || request == nil {
		return false
	}
	approvalID := strings.TrimSpace(request.ApprovalID)
	sessionID = strings.TrimSpace(sessionID)
	if approvalID == "" || sessionID == "" {
		return false
	}
	if at.IsZero() {
		at = q.now().UTC()
	}
	kind := types.ApprovalKindExec
	if request.Kind == "patch" {
		kind = types.ApprovalKindPatch
	}
	entry := &types.PendingApproval{
		ID:        approvalID,
		RequestID: strings.TrimSpace(requestID),
		SessionID: sessionID,
		Tool:      request.Tool,
		Kind:      kind,
		Summary:   request.Summary,
		Detail:    request.Detail,
		CreatedAt: at,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(approvalID)
	q.queue = append(q.queue, entry)
	return true
}

// Resolve removes the matching approval after an approval_result event.
// Results for unknown ids are ignored.
func (q *ApprovalQueue) Resolve(approvalID string) bool {
	approvalID = strings.TrimSpace(approvalID)
	if q == nil || approvalID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(approvalID)
}

// Decide sends the user decision for an approval. A deny is applied locally
// even when the notify fails; an approve is kept pending and the error is
// returned, since a side-effecting action needs server acknowledgement.
func (q *ApprovalQueue) Decide(ctx context.Context, approvalID string, decision types.ApprovalDecision) error {
	approvalID = strings.TrimSpace(approvalID)
	q.mu.Lock()
	entry := q.findLocked(approvalID)
	q.mu.Unlock()
	if entry == nil {
		return ErrApprovalNotFound
	}

	var notifyErr error
	if q.notify != nil {
		notifyErr = q.notify(ctx, transport.OutboundRequest{
			Type:      transport.TypeApproval,
			RequestID: entry.RequestID,
			SessionID: entry.SessionID,
			Payload: map[string]any{
				"approval_id": entry.ID,
				"decision":    string(decision),
			},
		})
	}
	if decision == types.Deny {
		q.mu.Lock()
		q.removeLocked(approvalID)
		q.mu.Unlock()
		if notifyErr != nil {
			q.logger.Warn("deny notify failed, applied locally",
				logging.F("approval_id", approvalID),
				logging.F("error", notifyErr),
			)
		}
		return nil
	}
	if notifyErr != nil {
		return notifyErr
	}
	q.mu.Lock()
	q.removeLocked(approvalID)
	q.mu.Unlock()
	return nil
}

// PurgeSession drops every approval scoped to the session; a stale prompt
// must never survive the exchange that raised it.
func (q *ApprovalQueue) PurgeSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if q == nil || sessionID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.queue[:0]
	for _, entry := range q.queue {
		if entry.SessionID != sessionID {
			kept = append(kept, entry)
		}
	}
	q.queue = kept
}

// PurgeRequest drops approvals raised by one exchange.
func (q *ApprovalQueue) PurgeRequest(requestID string) {
	requestID = strings.TrimSpace(requestID)
	if q == nil || requestID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.queue[:0]
	for _, entry := range q.queue {
		if entry.RequestID != requestID {
			kept = append(kept, entry)
		}
	}
	q.queue = kept
}

func (q *ApprovalQueue) findLocked(approvalID string) *types.PendingApproval {
	for _, entry := range q.queue {
		if entry.ID == approvalID {
			return entry
		}
	}
	return nil
}

func (q *ApprovalQueue) removeLocked(approvalID string) bool {
	for i, entry := range q.queue {
		if entry.ID == approvalID {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return true
		}
	}
	return false
}
