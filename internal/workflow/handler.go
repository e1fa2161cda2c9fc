package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/audit"
	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/transport"
	"github.com/finclose/close-engine/pkg/logger"
	"github.com/go-chi/chi"
)

type EngineAPI interface {
	Start(ctx context.Context, req StartRequest) (*Execution, error)
	Run(ctx context.Context, ex *Execution) error
	Resume(ctx context.Context, executionID string) (*Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Get(executionID string) (*Execution, []*StepResult, error)
	Trail(executionID string) ([]*audit.Event, error)
}

type Handler struct {
	*transport.BaseHandler
	Engine EngineAPI
}

func NewHandler(engine EngineAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Engine:      engine,
	}
}

// StartRunDTO is the request body for starting a close run.
type StartRunDTO struct {
	Subsidiary  string `json:"subsidiary"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// StartRun creates an execution and runs it in the background. The caller
// gets the pending execution back immediately and polls for progress.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	workflowType := chi.URLParam(r, "type")

	var dto StartRunDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("StartRun: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := time.Parse("2006-01-02", dto.PeriodStart)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "period_start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", dto.PeriodEnd)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "period_end must be YYYY-MM-DD")
		return
	}

	req := StartRequest{
		Type:        workflowType,
		Subsidiary:  dto.Subsidiary,
		ClosePeriod: canonical.Period{Start: start, End: end},
	}

	actor := h.ActorFromHeader(r)
	ctx := internal.ContextWithActor(r.Context(), actor)

	ex, err := h.Engine.Start(ctx, req)
	if err != nil {
		h.Logger.Error("StartRun: engine error", "error", err, "type", workflowType)
		h.HandleServiceError(w, err)
		return
	}

	// The run outlives the request; only start is tied to it.
	runCtx := internal.ContextWithActor(context.Background(), actor)
	go func() {
		if err := h.Engine.Run(runCtx, ex); err != nil {
			h.Logger.Error("StartRun: execution failed",
				"execution_id", ex.ID,
				"error", err)
		}
	}()

	h.Logger.Info("StartRun: execution started",
		"execution_id", ex.ID,
		"type", workflowType,
		"subsidiary", dto.Subsidiary)

	h.WriteJSON(w, http.StatusAccepted, ex)
}

// RunStatusResponse carries one execution with its step history.
type RunStatusResponse struct {
	Execution *Execution    `json:"execution"`
	Steps     []*StepResult `json:"steps"`
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ex, steps, err := h.Engine.Get(id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, RunStatusResponse{Execution: ex, Steps: steps})
}

func (h *Handler) GetRunAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	trail, err := h.Engine.Trail(id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"events":       trail,
	})
}

func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	actor := h.ActorFromHeader(r)
	runCtx := internal.ContextWithActor(context.Background(), actor)

	// Resume validates state synchronously so the caller learns about a
	// non-resumable execution, then the run continues in the background.
	ex, _, err := h.Engine.Get(id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	if IsTerminal(ex.Status) || ex.Status == StatusAwaitingApproval {
		h.WriteError(w, http.StatusConflict, "execution cannot be resumed from status "+ex.Status)
		return
	}

	go func() {
		if _, err := h.Engine.Resume(runCtx, id); err != nil {
			h.Logger.Error("ResumeRun: resume failed", "execution_id", id, "error", err)
		}
	}()

	h.WriteJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "status": "resuming"})
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	actor := h.ActorFromHeader(r)
	if err := h.Engine.Cancel(internal.ContextWithActor(r.Context(), actor), id); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "status": "cancelling"})
}
