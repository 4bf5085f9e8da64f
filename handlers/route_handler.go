package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-echelon/internal/observability"
	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/providers"
	"github.com/upb/llm-echelon/services/routing"
	"github.com/upb/llm-echelon/services/taskgroup"
	"github.com/upb/llm-echelon/utils"
	"go.uber.org/zap"
)

// RouteRequest is the body of POST /api/v1/route
type RouteRequest struct {
	Reference string                `json:"reference" validate:"required"`
	Request   providers.ChatRequest `json:"request"`
}

// ReferenceResponse is a parsed group reference
type ReferenceResponse struct {
	Reference string `json:"reference"`
	Group     string `json:"group"`
	Echelon   string `json:"echelon,omitempty"`
}

// Router executes routed requests
type Router interface {
	Route(ctx context.Context, ref string, req *providers.ChatRequest) (*routing.RouteResult, error)
}

// MetricsSource exposes routing counters
type MetricsSource interface {
	Snapshot() observability.MetricsSnapshot
}

// EventLister reads the persisted audit trail
type EventLister interface {
	Recent(ctx context.Context, group string, limit int) ([]*models.RouteEvent, error)
}

// RouteHandler handles routing HTTP requests
type RouteHandler struct {
	router  Router
	metrics MetricsSource
	events  EventLister
	logger  *zap.Logger
}

// NewRouteHandler creates a new RouteHandler. events may be nil when the
// audit trail is disabled.
func NewRouteHandler(router Router, metrics MetricsSource, events EventLister, logger *zap.Logger) *RouteHandler {
	return &RouteHandler{
		router:  router,
		metrics: metrics,
		events:  events,
		logger:  logger,
	}
}

// HandleRoute handles POST /api/v1/route
func (h *RouteHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var body RouteRequest
	if err := decodeJSON(w, r, &body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if len(body.Request.Messages) == 0 {
		HandleServiceError(w, services.Newf(services.ErrInvalidInput, "request.messages are required"), h.logger)
		return
	}

	result, err := h.router.Route(r.Context(), body.Reference, &body.Request)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	writeOK(w, h.logger, result)
}

// HandleReference handles GET /api/v1/references/{ref}
func (h *RouteHandler) HandleReference(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "ref")
	ref, err := taskgroup.ParseReference(raw)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	writeOK(w, h.logger, ReferenceResponse{Reference: raw, Group: ref.Group, Echelon: ref.Echelon})
}

// HandleMetrics handles GET /api/v1/route/metrics
func (h *RouteHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.logger, h.metrics.Snapshot())
}

// HandleEvents handles GET /api/v1/route/events?group=&limit=
func (h *RouteHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		_ = utils.WriteServiceUnavailable(w, "audit trail is disabled", nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	events, err := h.events.Recent(r.Context(), r.URL.Query().Get("group"), limit)
	if err != nil {
		HandleServiceError(w, services.Wrapf(services.ErrDatabaseError, err, "failed to list route events"), h.logger)
		return
	}
	if events == nil {
		events = []*models.RouteEvent{}
	}
	writeOK(w, h.logger, events)
}
