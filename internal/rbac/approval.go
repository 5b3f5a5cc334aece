package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SubmitApprovalRequest registers a new pending request and returns it with
// the generated id and timestamps filled in.
func (e *Engine) SubmitApprovalRequest(ctx context.Context, request ApprovalRequest) (ApprovalRequest, error) {
	request.ID = uuid.NewString()
	request.Status = StatusPending
	request.CurrentApproverIndex = 0
	request.CreatedAt = e.now()
	request.ResolvedAt = time.Time{}
	if request.Comments == nil {
		request.Comments = make(map[string]string)
	}
	if err := e.validate.Struct(request); err != nil {
		return ApprovalRequest{}, fmt.Errorf("rbac: submit approval request: %w", err)
	}

	stored := request.clone()
	e.mu.Lock()
	e.requests[stored.ID] = &stored
	e.mu.Unlock()

	e.logger.Info("approval request submitted",
		slog.String("request_id", request.ID),
		slog.String("requested_by", request.RequestedBy),
		slog.String("action_type", request.ActionType),
		slog.Int("chain_length", len(request.ApprovalChain)))
	if err := e.persist(ctx, "approval request", func(ctx context.Context, s Store) error {
		return s.SaveApprovalRequest(ctx, request)
	}); err != nil {
		return request, err
	}
	return request, nil
}

// ApproveRequest records the current approver's sign-off and advances the
// chain. The caller must be exactly approval_chain[current_approver_index];
// anyone else fails with ErrUnauthorizedApprover. When the last approver
// signs off the request becomes APPROVED and ResolvedAt is set.
func (e *Engine) ApproveRequest(ctx context.Context, requestID, approverID, comments string) (ApprovalRequest, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return ApprovalRequest{}, fmt.Errorf("approve request %s: %w", requestID, ErrNotFound)
	}
	if req.Status.Terminal() {
		status := req.Status
		e.mu.Unlock()
		return ApprovalRequest{}, fmt.Errorf("approve request %s in state %s: %w", requestID, status, ErrInvalidApprovalState)
	}
	if req.CurrentApproverIndex >= len(req.ApprovalChain) || req.ApprovalChain[req.CurrentApproverIndex] != approverID {
		e.mu.Unlock()
		return ApprovalRequest{}, fmt.Errorf("approve request %s by %s: %w", requestID, approverID, ErrUnauthorizedApprover)
	}
	// Loaded requests may arrive without a comments map.
	if req.Comments == nil {
		req.Comments = make(map[string]string)
	}
	req.Comments[approverID] = comments
	req.CurrentApproverIndex++
	if req.CurrentApproverIndex >= len(req.ApprovalChain) {
		req.Status = StatusApproved
		req.ResolvedAt = e.now()
	}
	snapshot := req.clone()
	e.mu.Unlock()

	if snapshot.Status == StatusApproved {
		e.logger.Info("approval request approved", slog.String("request_id", requestID))
	} else {
		e.logger.Info("approval step recorded",
			slog.String("request_id", requestID),
			slog.String("approver_id", approverID),
			slog.Int("next_index", snapshot.CurrentApproverIndex))
	}
	if err := e.persist(ctx, "approval request", func(ctx context.Context, s Store) error {
		return s.SaveApprovalRequest(ctx, snapshot)
	}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// RejectRequest terminally rejects a pending request from any chain index.
// Rejecting an already resolved request fails with ErrInvalidApprovalState.
func (e *Engine) RejectRequest(ctx context.Context, requestID, rejectorID, reason string) (ApprovalRequest, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return ApprovalRequest{}, fmt.Errorf("reject request %s: %w", requestID, ErrNotFound)
	}
	if req.Status.Terminal() {
		status := req.Status
		e.mu.Unlock()
		return ApprovalRequest{}, fmt.Errorf("reject request %s in state %s: %w", requestID, status, ErrInvalidApprovalState)
	}
	req.Status = StatusRejected
	if req.Comments == nil {
		req.Comments = make(map[string]string)
	}
	req.Comments[rejectorID] = reason
	req.ResolvedAt = e.now()
	snapshot := req.clone()
	e.mu.Unlock()

	e.logger.Info("approval request rejected",
		slog.String("request_id", requestID),
		slog.String("rejector_id", rejectorID))
	if err := e.persist(ctx, "approval request", func(ctx context.Context, s Store) error {
		return s.SaveApprovalRequest(ctx, snapshot)
	}); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// ApprovalRequestByID fetches a request snapshot by id.
func (e *Engine) ApprovalRequestByID(requestID string) (ApprovalRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("approval request %s: %w", requestID, ErrNotFound)
	}
	return req.clone(), nil
}

// PendingApprovalsFor returns every pending request whose chain is waiting
// on the given user, oldest first.
func (e *Engine) PendingApprovalsFor(userID string) []ApprovalRequest {
	e.mu.Lock()
	var out []ApprovalRequest
	for _, req := range e.requests {
		if req.Status != StatusPending {
			continue
		}
		if req.CurrentApproverIndex < len(req.ApprovalChain) && req.ApprovalChain[req.CurrentApproverIndex] == userID {
			out = append(out, req.clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpirePending marks pending requests older than the configured TTL as
// EXPIRED and returns them. It is a no-op unless the expiry policy is
// enabled; there is no implicit default timeout.
func (e *Engine) ExpirePending(ctx context.Context) ([]ApprovalRequest, error) {
	if !e.expiry.Enabled || e.expiry.TTL <= 0 {
		return nil, nil
	}
	now := e.now()
	cutoff := now.Add(-e.expiry.TTL)

	e.mu.Lock()
	var expired []ApprovalRequest
	for _, req := range e.requests {
		if req.Status != StatusPending || !req.CreatedAt.Before(cutoff) {
			continue
		}
		req.Status = StatusExpired
		req.ResolvedAt = now
		expired = append(expired, req.clone())
	}
	e.mu.Unlock()

	for _, req := range expired {
		e.logger.Info("approval request expired",
			slog.String("request_id", req.ID),
			slog.Time("created_at", req.CreatedAt))
		if err := e.persist(ctx, "approval request", func(ctx context.Context, s Store) error {
			return s.SaveApprovalRequest(ctx, req)
		}); err != nil {
			return expired, err
		}
	}
	return expired, nil
}
