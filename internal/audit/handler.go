package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/httpx"
	"github.com/linkpulse/linkpulse/internal/scoring"
)

// TargetLoader resolves the destinations an account audit should cover.
// Implemented by the link service.
type TargetLoader interface {
	AuditTargets(ctx context.Context, accountID uuid.UUID) ([]Target, error)
}

// HTTPTriggerAuditRequest represents the JSON body for starting a run.
type HTTPTriggerAuditRequest struct {
	AccountID string `json:"account_id"`
}

// RunResponse represents an audit run in a JSON response.
type RunResponse struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Status       string `json:"status"`
	LinksFound   int    `json:"links_found"`
	LinksChecked int    `json:"links_checked"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// IssueResponse represents one ledger entry in a JSON response.
type IssueResponse struct {
	ID            string  `json:"id"`
	LinkID        string  `json:"link_id"`
	DestinationID string  `json:"destination_id"`
	Type          string  `json:"type"`
	Severity      string  `json:"severity"`
	DetectedAt    string  `json:"detected_at"`
	ResolvedAt    string  `json:"resolved_at,omitempty"`
	Resolution    string  `json:"resolution,omitempty"`
	LossLow       float64 `json:"estimated_loss_low"`
	LossHigh      float64 `json:"estimated_loss_high"`
}

// ScoreResponse represents the latest health score for an account.
type ScoreResponse struct {
	AccountID        string  `json:"account_id"`
	Score            int     `json:"score"`
	Trend            string  `json:"trend"`
	Change           int     `json:"change"`
	LossLow          float64 `json:"estimated_monthly_loss_low"`
	LossHigh         float64 `json:"estimated_monthly_loss_high"`
	InsufficientData bool    `json:"insufficient_data"`
	ComputedAt       string  `json:"computed_at"`
}

// Handler provides HTTP handlers for triggering and inspecting audits.
type Handler struct {
	scheduler *Scheduler
	targets   TargetLoader
	engine    *scoring.Engine
	logger    *slog.Logger
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Scheduler *Scheduler
	Targets   TargetLoader
	Engine    *scoring.Engine
	Logger    *slog.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		scheduler: cfg.Scheduler,
		targets:   cfg.Targets,
		engine:    cfg.Engine,
		logger:    logger,
	}
}

// TriggerAudit handles POST requests to start an audit run. The run is
// created in pending state and executes in the background; the response
// carries the run ID for status polling.
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger := h.logger.With(
		"request_id", httpx.GetRequestID(ctx),
		"method", r.Method,
		"path", r.URL.Path,
	)

	req, err := httpx.DecodeJSON[HTTPTriggerAuditRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		logger.WarnContext(ctx, "invalid account id", "account_id", req.AccountID)
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "account_id must be a valid UUID", nil)
		return
	}

	targets, err := h.targets.AuditTargets(ctx, accountID)
	if err != nil {
		h.writeKindError(ctx, w, err, "failed to load audit targets")
		return
	}

	run, err := h.scheduler.Run(ctx, accountID, targets)
	if err != nil {
		h.writeKindError(ctx, w, err, "failed to start audit run")
		return
	}

	logger.InfoContext(ctx, "audit run triggered",
		"run_id", run.ID.String(),
		"account_id", accountID.String(),
		"links_found", run.LinksFound,
	)

	httpx.WriteJSON(w, http.StatusAccepted, toRunResponse(run))
}

// GetAuditStatus handles GET requests for a run's current state.
func (h *Handler) GetAuditStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "run id must be a valid UUID", nil)
		return
	}

	run, err := h.scheduler.GetStatus(ctx, runID)
	if err != nil {
		h.writeKindError(ctx, w, err, "failed to load audit run")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, toRunResponse(run))
}

// GetHealthScore handles GET requests for an account's latest score
// snapshot. Revenue loss is reported as a range, never a point estimate.
func (h *Handler) GetHealthScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, err := uuid.Parse(r.PathValue("accountID"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "account id must be a valid UUID", nil)
		return
	}

	snap, err := h.engine.Latest(ctx, accountID)
	if err != nil {
		h.writeKindError(ctx, w, err, "failed to load health score")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, ScoreResponse{
		AccountID:        snap.AccountID.String(),
		Score:            snap.Score,
		Trend:            string(snap.Trend),
		Change:           snap.Change,
		LossLow:          snap.LossLow,
		LossHigh:         snap.LossHigh,
		InsufficientData: snap.InsufficientData,
		ComputedAt:       snap.CreatedAt.Format(time.RFC3339),
	})
}

// ListIssues handles GET requests for an account's issue ledger.
// ?unresolved=true narrows to open issues.
func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, err := uuid.Parse(r.PathValue("accountID"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "account id must be a valid UUID", nil)
		return
	}

	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"

	issues, err := h.scheduler.ListIssues(ctx, accountID, unresolvedOnly)
	if err != nil {
		h.writeKindError(ctx, w, err, "failed to load issues")
		return
	}

	resp := make([]IssueResponse, 0, len(issues))
	for _, is := range issues {
		resp = append(resp, toIssueResponse(is))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"issues": resp})
}

// writeKindError maps a service error kind onto the HTTP response.
func (h *Handler) writeKindError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	switch kind {
	case errx.NotFound:
		h.logger.WarnContext(ctx, msg, logAttrs...)
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error(), nil)

	case errx.Invalid:
		h.logger.WarnContext(ctx, msg, logAttrs...)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)

	case errx.Unavailable:
		h.logger.ErrorContext(ctx, msg, logAttrs...)
		httpx.WriteError(w, http.StatusServiceUnavailable, "unavailable",
			"Service temporarily unavailable. Please try again.", nil)

	default:
		h.logger.ErrorContext(ctx, msg, logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Something went wrong. Please try again.", nil)
	}
}

func toRunResponse(run Run) RunResponse {
	resp := RunResponse{
		ID:           run.ID.String(),
		AccountID:    run.AccountID.String(),
		Status:       string(run.Status),
		LinksFound:   run.LinksFound,
		LinksChecked: run.LinksChecked,
		StartedAt:    run.StartedAt.Format(time.RFC3339),
		ErrorMessage: run.ErrorMessage,
	}
	if run.CompletedAt != nil {
		resp.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func toIssueResponse(is Issue) IssueResponse {
	resp := IssueResponse{
		ID:            is.ID.String(),
		LinkID:        is.LinkID.String(),
		DestinationID: is.DestinationID.String(),
		Type:          string(is.Type),
		Severity:      string(is.Severity),
		DetectedAt:    is.DetectedAt.Format(time.RFC3339),
		Resolution:    string(is.Resolution),
		LossLow:       is.LossLow,
		LossHigh:      is.LossHigh,
	}
	if is.ResolvedAt != nil {
		resp.ResolvedAt = is.ResolvedAt.Format(time.RFC3339)
	}
	return resp
}
