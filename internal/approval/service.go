package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/audit"
)

// ExecutionFinalizer moves the owning workflow execution to its terminal
// status once a human decision lands. Implemented by the workflow engine.
type ExecutionFinalizer interface {
	FinalizeDecision(ctx context.Context, executionID, decision, approver string) error
}

// Service is the approval gate: it enqueues requests for human review and
// applies decisions idempotently.
type Service struct {
	repo      Repository
	auditor   *audit.Recorder
	finalizer ExecutionFinalizer
	logger    *slog.Logger
}

func NewService(repo Repository, auditor *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		auditor: auditor,
		logger:  logger,
	}
}

// SetFinalizer wires the workflow engine in after construction; the engine
// and the gate reference each other, so one side binds late.
func (s *Service) SetFinalizer(finalizer ExecutionFinalizer) {
	s.finalizer = finalizer
}

// Submit creates a pending approval request carrying the payload a reviewer
// needs (journal entry or variance set). Submitting again for an execution
// that already has a pending request returns the stored request, so a
// routing step re-run after a crash cannot enqueue a duplicate.
func (s *Service) Submit(ctx context.Context, executionID, workflowType string, payload interface{}) (*Request, error) {
	if existing, err := s.repo.GetPendingByExecution(executionID); err != nil {
		return nil, err
	} else if existing != nil {
		s.logger.Info("pending approval request already exists, reusing",
			"request_id", existing.RequestID,
			"execution_id", executionID)
		return existing, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, internal.NewInternalError("failed to serialize approval payload", err)
	}

	req := &Request{
		RequestID:    uuid.NewString(),
		ExecutionID:  executionID,
		WorkflowType: workflowType,
		Payload:      raw,
		Status:       StatusPending,
	}

	if err := s.repo.Create(req); err != nil {
		s.logger.Error("failed to create approval request",
			"execution_id", executionID,
			"error", err)
		return nil, err
	}

	if err := s.auditor.Record(ctx, internal.ActorFromContext(ctx), "approval.requested",
		audit.ResourceApproval, req.RequestID, map[string]string{
			"execution_id":  executionID,
			"workflow_type": workflowType,
		}); err != nil {
		return nil, err
	}

	s.logger.Info("approval request created",
		"request_id", req.RequestID,
		"execution_id", executionID,
		"workflow_type", workflowType)

	return req, nil
}

// Decide applies a human decision. Unknown request IDs fail with NotFound.
// Repeating the identical decision is a no-op returning the stored request;
// a conflicting repeat fails with AlreadyDecided. Exactly one audit event
// is appended per effective decision, before the caller or the workflow
// engine sees the result.
func (s *Service) Decide(ctx context.Context, requestID, decision, approver, comments string) (*Request, error) {
	if decision != StatusApproved && decision != StatusRejected {
		return nil, internal.ErrInvalidDecision
	}

	req, err := s.repo.GetByRequestID(requestID)
	if err != nil {
		s.logger.Warn("approval request not found", "request_id", requestID)
		return nil, internal.ErrApprovalNotFound
	}

	if req.Status != StatusPending {
		if req.Status == decision {
			s.logger.Info("repeat identical decision, returning stored request",
				"request_id", requestID,
				"decision", decision)
			return req, nil
		}
		s.logger.Warn("conflicting repeat decision rejected",
			"request_id", requestID,
			"stored", req.Status,
			"attempted", decision)
		return nil, internal.ErrAlreadyDecided
	}

	now := time.Now().UTC()
	req.Status = decision
	req.Approver = &approver
	req.DecidedAt = &now
	if comments != "" {
		req.Comments = &comments
	}

	if err := s.repo.Update(req); err != nil {
		s.logger.Error("failed to persist approval decision",
			"request_id", requestID,
			"error", err)
		return nil, err
	}

	if err := s.auditor.Record(ctx, approver, "approval.decided",
		audit.ResourceApproval, req.RequestID, map[string]string{
			"execution_id": req.ExecutionID,
			"decision":     decision,
			"comments":     comments,
		}); err != nil {
		return nil, err
	}

	if s.finalizer != nil {
		if err := s.finalizer.FinalizeDecision(ctx, req.ExecutionID, decision, approver); err != nil {
			s.logger.Error("failed to finalize execution after decision",
				"request_id", requestID,
				"execution_id", req.ExecutionID,
				"error", err)
			return nil, err
		}
	}

	s.logger.Info("approval decided",
		"request_id", requestID,
		"decision", decision,
		"approver", approver)

	return req, nil
}

// ListPending returns undecided requests, oldest first.
func (s *Service) ListPending(limit, offset int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListPending(limit, offset)
}
