package link

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/httpx"
)

// HTTPDestinationSpec represents one waterfall entry in a JSON request.
type HTTPDestinationSpec struct {
	URL      string `json:"url"`
	Retailer string `json:"retailer,omitempty"`
	Priority int    `json:"priority"`
}

// HTTPCreateLinkRequest represents the JSON request body for creating a link.
type HTTPCreateLinkRequest struct {
	AccountID    string                `json:"account_id"`
	CustomCode   string                `json:"custom_code,omitempty"`
	AutoFallback bool                  `json:"auto_fallback"`
	Destinations []HTTPDestinationSpec `json:"destinations"`
}

// HTTPReplaceDestinationsRequest represents the JSON body for swapping a
// link's waterfall.
type HTTPReplaceDestinationsRequest struct {
	Destinations []HTTPDestinationSpec `json:"destinations"`
}

// DestinationResponse represents one destination in a JSON response.
type DestinationResponse struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Retailer      string `json:"retailer,omitempty"`
	Priority      int    `json:"priority"`
	Health        string `json:"health"`
	LastCheckedAt string `json:"last_checked_at,omitempty"`
}

// LinkResponse represents a SmartLink in a JSON response.
type LinkResponse struct {
	ID             string                `json:"id"`
	AccountID      string                `json:"account_id"`
	Code           string                `json:"code"`
	ShortURL       string                `json:"short_url"`
	AutoFallback   bool                  `json:"auto_fallback"`
	FallbackActive bool                  `json:"fallback_active"`
	Active         bool                  `json:"active"`
	ClickCount     int64                 `json:"click_count"`
	Destinations   []DestinationResponse `json:"destinations"`
	CreatedAt      string                `json:"created_at"`
}

// Handler provides HTTP handlers for SmartLink management and the
// redirect endpoint.
type Handler struct {
	service  Service
	resolver *Resolver
	logger   *slog.Logger
	baseURL  string
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service  Service
	Resolver *Resolver
	Logger   *slog.Logger
	BaseURL  string // Base URL for constructing short URLs (e.g., "https://lnk.example")
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		service:  cfg.Service,
		resolver: cfg.Resolver,
		logger:   logger,
		baseURL:  cfg.BaseURL,
	}
}

// CreateLink handles POST requests to create a new SmartLink.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger := h.logger.With(
		"request_id", httpx.GetRequestID(ctx),
		"method", r.Method,
		"path", r.URL.Path,
	)

	req, err := httpx.DecodeJSON[HTTPCreateLinkRequest](r)
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
	if len(req.Destinations) == 0 {
		logger.WarnContext(ctx, "request without destinations")
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "at least one destination is required", nil)
		return
	}

	created, err := h.service.Create(ctx, CreateLinkRequest{
		AccountID:    accountID,
		CustomCode:   req.CustomCode,
		AutoFallback: req.AutoFallback,
		Destinations: toSpecs(req.Destinations),
	})
	if err != nil {
		h.handleCreateError(ctx, w, err)
		return
	}

	logger.InfoContext(ctx, "link created",
		"link_id", created.ID.String(),
		"code", created.Code,
		"destinations", len(created.Destinations),
		"custom_code", req.CustomCode != "",
	)

	httpx.WriteJSON(w, http.StatusCreated, h.toLinkResponse(created))
}

// GetLink handles GET requests for a single link by code.
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")

	l, err := h.service.GetByCode(ctx, code)
	if err != nil {
		h.handleLookupError(ctx, w, err, code)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, h.toLinkResponse(l))
}

// ListLinks handles GET requests for all of an account's links.
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, err := uuid.Parse(r.PathValue("accountID"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "account id must be a valid UUID", nil)
		return
	}

	links, err := h.service.ListByAccount(ctx, accountID)
	if err != nil {
		h.handleLookupError(ctx, w, err, accountID.String())
		return
	}

	resp := make([]LinkResponse, 0, len(links))
	for _, l := range links {
		resp = append(resp, h.toLinkResponse(l))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"links": resp})
}

// ReplaceDestinations handles PUT requests to swap a link's waterfall.
func (h *Handler) ReplaceDestinations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")

	req, err := httpx.DecodeJSON[HTTPReplaceDestinationsRequest](r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if len(req.Destinations) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "at least one destination is required", nil)
		return
	}

	updated, err := h.service.ReplaceDestinations(ctx, code, toSpecs(req.Destinations))
	if err != nil {
		h.handleLookupError(ctx, w, err, code)
		return
	}

	h.logger.InfoContext(ctx, "destinations replaced",
		"request_id", httpx.GetRequestID(ctx),
		"code", code,
		"destinations", len(updated.Destinations),
	)

	httpx.WriteJSON(w, http.StatusOK, h.toLinkResponse(updated))
}

// DeactivateLink handles DELETE requests. Links are soft-deleted: the
// code stops resolving but history survives.
func (h *Handler) DeactivateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")

	if err := h.service.Deactivate(ctx, code); err != nil {
		h.handleLookupError(ctx, w, err, code)
		return
	}

	h.logger.InfoContext(ctx, "link deactivated",
		"request_id", httpx.GetRequestID(ctx),
		"code", code,
	)

	w.WriteHeader(http.StatusNoContent)
}

// Redirect handles GET requests on short codes and 302s to the resolved
// destination.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")

	logger := h.logger.With(
		"request_id", httpx.GetRequestID(ctx),
		"code", code,
	)

	if code == "" || len(code) > MaxCodeLength {
		logger.WarnContext(ctx, "invalid code format")
		httpx.WriteError(w, http.StatusBadRequest, "invalid_code", "invalid link", nil)
		return
	}

	target, err := h.resolver.Resolve(ctx, code)
	if err != nil {
		h.handleResolveError(ctx, w, err, code)
		return
	}

	logger.InfoContext(ctx, "code resolved",
		"target", target,
		"user_agent", r.UserAgent(),
		"referer", r.Referer(),
	)

	http.Redirect(w, r, target, http.StatusFound)
}

// handleCreateError handles errors from the Create service method.
func (h *Handler) handleCreateError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	switch kind {
	case errx.Conflict:
		h.logger.WarnContext(ctx, "code conflict", logAttrs...)
		httpx.WriteError(w, http.StatusConflict, "conflict",
			"This code is already taken",
			map[string]string{
				"hint": "Try a different custom code or let us generate one for you",
			})

	case errx.Invalid:
		h.logger.WarnContext(ctx, "invalid link request", logAttrs...)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)

	case errx.Unavailable:
		h.logger.ErrorContext(ctx, "service unavailable", logAttrs...)
		httpx.WriteError(w, http.StatusServiceUnavailable, "unavailable",
			"Unable to create link at this time. Please try again.", nil)

	default:
		h.logger.ErrorContext(ctx, "unexpected error creating link", logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to create link at this time. Please try again.", nil)
	}
}

// handleLookupError handles errors from lookup-style service methods.
func (h *Handler) handleLookupError(ctx context.Context, w http.ResponseWriter, err error, subject string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
		"subject", subject,
	}

	switch kind {
	case errx.NotFound:
		h.logger.WarnContext(ctx, "link not found", logAttrs...)
		httpx.WriteError(w, http.StatusNotFound, "not_found", "link doesn't exist", nil)

	case errx.Invalid:
		h.logger.WarnContext(ctx, "invalid request", logAttrs...)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)

	default:
		h.logger.ErrorContext(ctx, "unexpected error", logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Something went wrong. Please try again.", nil)
	}
}

// handleResolveError handles errors from the redirect path.
func (h *Handler) handleResolveError(ctx context.Context, w http.ResponseWriter, err error, code string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
		"code", code,
	}

	switch kind {
	case errx.NotFound:
		h.logger.WarnContext(ctx, "code not found", logAttrs...)
		httpx.WriteError(w, http.StatusNotFound, "not_found", "link doesn't exist", nil)

	case errx.Invalid:
		h.logger.WarnContext(ctx, "invalid code", logAttrs...)
		httpx.WriteError(w, http.StatusBadRequest, "invalid_code", err.Error(), nil)

	default:
		h.logger.ErrorContext(ctx, "unexpected error resolving code", logAttrs...)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
			"Unable to resolve this link at this time", nil)
	}
}

func (h *Handler) toLinkResponse(l SmartLink) LinkResponse {
	dests := make([]DestinationResponse, 0, len(l.Destinations))
	for _, d := range l.Destinations {
		dr := DestinationResponse{
			ID:       d.ID.String(),
			URL:      d.URL,
			Retailer: d.Retailer,
			Priority: d.Priority,
			Health:   d.Health.String(),
		}
		if d.LastCheckedAt != nil {
			dr.LastCheckedAt = d.LastCheckedAt.Format(time.RFC3339)
		}
		dests = append(dests, dr)
	}

	return LinkResponse{
		ID:             l.ID.String(),
		AccountID:      l.AccountID.String(),
		Code:           l.Code,
		ShortURL:       fmt.Sprintf("%s/%s", h.baseURL, l.Code),
		AutoFallback:   l.AutoFallback,
		FallbackActive: l.FallbackActive,
		Active:         l.Active,
		ClickCount:     l.ClickCount,
		Destinations:   dests,
		CreatedAt:      l.CreatedAt.Format(time.RFC3339),
	}
}

func toSpecs(in []HTTPDestinationSpec) []DestinationSpec {
	specs := make([]DestinationSpec, 0, len(in))
	for _, d := range in {
		specs = append(specs, DestinationSpec{
			URL:      d.URL,
			Retailer: d.Retailer,
			Priority: d.Priority,
		})
	}
	return specs
}
