package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/audit"
	"github.com/finclose/close-engine/internal/core/events"
)

// Engine drives executions through their fixed step sequence, persisting
// state after every completed step so a crashed run resumes where it
// stopped instead of repeating side effects.
type Engine struct {
	repo    Repository
	deps    *StepDeps
	auditor *audit.Recorder
	bus     *events.EventBus
	policy  internal.CloseConfig
	logger  *slog.Logger

	locks *keyLock

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewEngine(repo Repository, deps *StepDeps, auditor *audit.Recorder, bus *events.EventBus, policy internal.CloseConfig, logger *slog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		deps:    deps,
		auditor: auditor,
		bus:     bus,
		policy:  policy,
		logger:  logger,
		locks:   newKeyLock(),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start validates the request, enforces at most one in-flight execution
// per natural key and creates the pending execution row. The caller
// decides whether to Run it synchronously or hand it to a worker.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, internal.NewValidationError(err.Error(), internal.ErrCodeInvalidWorkflow)
	}

	key := req.NaturalKey()
	if !e.locks.TryAcquire(key) {
		return nil, internal.ErrAlreadyRunning.WithDetails(map[string]string{"natural_key": key})
	}

	// The in-process lock does not survive restarts; the database check
	// covers executions left active by a previous process.
	active, err := e.repo.GetActiveByKey(key)
	if err != nil {
		e.locks.Release(key)
		return nil, err
	}
	if active != nil {
		e.locks.Release(key)
		return nil, internal.ErrAlreadyRunning.WithDetails(map[string]string{
			"natural_key":  key,
			"execution_id": active.ID,
		})
	}

	ex := &Execution{
		ID:          uuid.NewString(),
		Type:        req.Type,
		NaturalKey:  key,
		Subsidiary:  req.Subsidiary,
		PeriodStart: req.ClosePeriod.Start,
		PeriodEnd:   req.ClosePeriod.End,
		Status:      StatusPending,
		State:       json.RawMessage("{}"),
	}
	if err := e.repo.CreateExecution(ex); err != nil {
		e.locks.Release(key)
		return nil, err
	}

	e.audit(ctx, ex.ID, "execution.started", map[string]string{
		"type":        ex.Type,
		"natural_key": key,
	})
	e.bus.Publish(ctx, events.New(events.ExecutionStarted, executionEvent(ex)))
	return ex, nil
}

// Run executes every remaining step of an execution. It owns the natural
// key lock taken by Start or Resume and releases it when the run reaches a
// terminal status or parks at the approval gate.
func (e *Engine) Run(ctx context.Context, ex *Execution) error {
	defer e.locks.Release(ex.NaturalKey)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(ex.ID, cancel)
	defer e.unregisterCancel(ex.ID)

	steps, err := e.deps.Steps(ex.Type)
	if err != nil {
		return e.fail(ctx, ex, "", err)
	}

	state := &State{}
	if len(ex.State) > 0 {
		if err := json.Unmarshal(ex.State, state); err != nil {
			return e.fail(ctx, ex, "", internal.NewInternalError("decode execution state", err))
		}
	}

	if ex.Status == StatusPending {
		now := time.Now().UTC()
		ex.StartedAt = &now
		if err := e.transition(ctx, ex, StatusRunning, nil); err != nil {
			return err
		}
	}

	for seq, step := range steps {
		if seq < ex.StepsDone {
			continue
		}
		if err := runCtx.Err(); err != nil {
			return e.fail(ctx, ex, step.Name, internal.NewInternalError("execution cancelled", err))
		}

		ex.CurrentStep = step.Name
		started := time.Now().UTC()
		attempts, err := e.runStep(runCtx, step, ex, state)
		finished := time.Now().UTC()
		result := &StepResult{
			ExecutionID: ex.ID,
			Seq:         seq,
			Name:        step.Name,
			Attempts:    attempts,
			StartedAt:   started,
			CompletedAt: &finished,
		}
		if err != nil {
			result.Status = StepFailed
			msg := err.Error()
			result.Error = &msg
			if saveErr := e.repo.SaveStep(ex, result); saveErr != nil {
				e.logger.Error("failed to persist failed step",
					"execution_id", ex.ID,
					"step", step.Name,
					"error", saveErr)
			}
			return e.fail(ctx, ex, step.Name, err)
		}

		encoded, err := json.Marshal(state)
		if err != nil {
			return e.fail(ctx, ex, step.Name, internal.NewInternalError("encode execution state", err))
		}
		result.Status = StepCompleted
		ex.State = encoded
		ex.StepsDone = seq + 1
		if err := e.repo.SaveStep(ex, result); err != nil {
			return e.fail(ctx, ex, step.Name, err)
		}
		e.logger.Info("step completed",
			"execution_id", ex.ID,
			"step", step.Name,
			"attempts", attempts)
	}

	return e.settle(ctx, ex, state)
}

// settle moves a run that completed all its steps into its resting status
// based on the routing decision the final step recorded.
func (e *Engine) settle(ctx context.Context, ex *Execution, state *State) error {
	if state.Routing == nil {
		return e.fail(ctx, ex, "", internal.NewInternalError("run finished without a routing decision", nil))
	}
	ex.CurrentStep = ""
	if state.Routing.AutoApproved {
		now := time.Now().UTC()
		ex.CompletedAt = &now
		if err := e.transition(ctx, ex, StatusAutoApproved, map[string]string{
			"reason": state.Routing.Reason,
		}); err != nil {
			return err
		}
		e.bus.Publish(ctx, events.New(events.ExecutionCompleted, executionEvent(ex)))
		return nil
	}
	if err := e.transition(ctx, ex, StatusAwaitingApproval, map[string]string{
		"reason":     state.Routing.Reason,
		"request_id": state.Routing.RequestID,
	}); err != nil {
		return err
	}
	e.bus.Publish(ctx, events.New(events.ExecutionParked, executionEvent(ex)))
	return nil
}

// runStep executes one step, retrying external calls on transient
// failures with exponential backoff. Deterministic steps never retry: a
// failure there is a bug or bad data, not weather.
func (e *Engine) runStep(ctx context.Context, step Step, ex *Execution, state *State) (int, error) {
	attempts := 0
	run := func(ctx context.Context) error {
		attempts++
		return step.Run(ctx, ex, state)
	}

	if !step.External {
		return 1, run(ctx)
	}

	backoff := retry.WithMaxRetries(
		uint64(e.policy.RetryAttempts()-1),
		retry.NewExponential(e.policy.RetryBaseDelay()),
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := run(ctx); err != nil {
			if internal.IsTransient(err) {
				e.logger.Warn("transient step failure, will retry",
					"execution_id", ex.ID,
					"step", step.Name,
					"attempt", attempts,
					"error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	return attempts, err
}

// Resume reloads an interrupted execution and continues from the first
// step not recorded as done. Completed steps are never re-run.
func (e *Engine) Resume(ctx context.Context, executionID string) (*Execution, error) {
	ex, err := e.repo.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(ex.Status) || ex.Status == StatusAwaitingApproval {
		return nil, internal.NewValidationError(
			fmt.Sprintf("execution %s is %s and cannot resume", ex.ID, ex.Status),
			internal.ErrCodeInvalidWorkflow,
		)
	}
	if !e.locks.TryAcquire(ex.NaturalKey) {
		return nil, internal.ErrAlreadyRunning.WithDetails(map[string]string{"natural_key": ex.NaturalKey})
	}

	// A pending execution has not started yet and carries no risk of a
	// concurrent owner; a running one is claimed via compare-and-swap on
	// updated_at so a sweeper cannot re-run what another process holds.
	if ex.Status == StatusRunning {
		claimed, err := e.repo.ClaimExecution(ex)
		if err != nil {
			e.locks.Release(ex.NaturalKey)
			return nil, internal.NewInternalError("failed to claim execution", err)
		}
		if !claimed {
			e.locks.Release(ex.NaturalKey)
			return nil, internal.ErrAlreadyRunning.WithDetails(map[string]string{"execution_id": ex.ID})
		}
	}

	e.audit(ctx, ex.ID, "execution.resumed", map[string]string{
		"steps_done": fmt.Sprintf("%d", ex.StepsDone),
	})
	if err := e.Run(ctx, ex); err != nil {
		return ex, err
	}
	return ex, nil
}

// FinalizeDecision applies a human approval decision to a parked
// execution. It implements the approval service's finalizer hook.
func (e *Engine) FinalizeDecision(ctx context.Context, executionID, decision, approver string) error {
	ex, err := e.repo.GetExecution(executionID)
	if err != nil {
		return err
	}
	if ex.Status != StatusAwaitingApproval {
		return internal.ErrAlreadyDecided.WithDetails(map[string]string{
			"execution_id": ex.ID,
			"status":       ex.Status,
		})
	}

	next := StatusRejected
	if decision == "approved" {
		next = StatusApproved
	}
	now := time.Now().UTC()
	ex.CompletedAt = &now
	ctx = internal.ContextWithActor(ctx, approver)
	if err := e.transition(ctx, ex, next, map[string]string{"approver": approver}); err != nil {
		return err
	}
	e.bus.Publish(ctx, events.New(events.ApprovalDecided, executionEvent(ex)))
	return nil
}

// Cancel stops an in-flight execution. The running step observes the
// context and the run fails with a cancellation error.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return internal.ErrExecutionNotFound.WithDetails(map[string]string{"execution_id": executionID})
	}
	e.audit(ctx, executionID, "execution.cancel_requested", nil)
	cancel()
	return nil
}

// Get returns one execution with its step results.
func (e *Engine) Get(executionID string) (*Execution, []*StepResult, error) {
	ex, err := e.repo.GetExecution(executionID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := e.repo.ListSteps(executionID)
	if err != nil {
		return nil, nil, err
	}
	return ex, steps, nil
}

// ListResumable returns running executions not touched for at least
// staleFor. A live run bumps updated_at on every persisted step, so only
// executions whose process died qualify for a sweep.
func (e *Engine) ListResumable(staleFor time.Duration) ([]*Execution, error) {
	return e.repo.ListStalled(StatusRunning, time.Now().UTC().Add(-staleFor))
}

// Trail returns the audit history of one execution.
func (e *Engine) Trail(executionID string) ([]*audit.Event, error) {
	if _, err := e.repo.GetExecution(executionID); err != nil {
		return nil, err
	}
	return e.auditor.Trail(audit.ResourceExecution, executionID)
}

func (e *Engine) fail(ctx context.Context, ex *Execution, step string, cause error) error {
	msg := cause.Error()
	ex.ErrorStep = &step
	ex.ErrorDetail = &msg
	now := time.Now().UTC()
	ex.CompletedAt = &now
	if err := e.transition(ctx, ex, StatusFailed, map[string]string{
		"step":  step,
		"error": msg,
	}); err != nil {
		e.logger.Error("failed to persist failure status",
			"execution_id", ex.ID,
			"error", err)
	}
	e.bus.Publish(ctx, events.New(events.ExecutionFailed, executionEvent(ex)))
	return cause
}

// transition persists a status change and records it on the audit trail.
// Audit is synchronous: an execution must never change status without a
// trail entry.
func (e *Engine) transition(ctx context.Context, ex *Execution, next string, detail map[string]string) error {
	prev := ex.Status
	ex.Status = next
	if err := e.repo.UpdateExecution(ex); err != nil {
		ex.Status = prev
		return err
	}

	payload := map[string]string{"from": prev, "to": next}
	for k, v := range detail {
		payload[k] = v
	}
	e.audit(ctx, ex.ID, "execution.status_changed", payload)
	return nil
}

func (e *Engine) audit(ctx context.Context, executionID, action string, detail interface{}) {
	actor := internal.ActorFromContext(ctx)
	if err := e.auditor.Record(ctx, actor, action, audit.ResourceExecution, executionID, detail); err != nil {
		e.logger.Error("audit append failed",
			"execution_id", executionID,
			"action", action,
			"error", err)
	}
}

func (e *Engine) registerCancel(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

func executionEvent(ex *Execution) map[string]interface{} {
	return map[string]interface{}{
		"execution_id": ex.ID,
		"type":         ex.Type,
		"subsidiary":   ex.Subsidiary,
		"status":       ex.Status,
	}
}
