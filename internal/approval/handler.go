package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/transport"
	"github.com/finclose/close-engine/pkg/logger"
	"github.com/go-chi/chi"
)

type ServiceAPI interface {
	Decide(ctx context.Context, requestID, decision, approver, comments string) (*Request, error)
	ListPending(limit, offset int) ([]*Request, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
	}
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	reqs, err := h.Service.ListPending(limit, offset)
	if err != nil {
		h.Logger.Error("ListPending: service error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": reqs,
		"count":     len(reqs),
	})
}

// Decide records a reviewer's decision. The reviewer identifies via the
// X-Actor header; decisions without an actor are refused since the audit
// trail would be meaningless.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	approver := h.ActorFromHeader(r)
	if approver == "" {
		h.WriteError(w, http.StatusBadRequest, "X-Actor header is required for decisions")
		return
	}

	var dto DecideDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("Decide: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.Validate(); err != nil {
		h.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := internal.ContextWithActor(r.Context(), approver)
	req, err := h.Service.Decide(ctx, requestID, dto.Decision, approver, dto.Comments)
	if err != nil {
		h.Logger.Error("Decide: service error",
			"request_id", requestID,
			"error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("Decide: approval decided",
		"request_id", requestID,
		"decision", dto.Decision,
		"approver", approver)

	h.WriteJSON(w, http.StatusOK, req)
}
