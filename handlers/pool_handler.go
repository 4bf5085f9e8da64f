package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/pool"
	"github.com/upb/llm-echelon/services/providers"
	"github.com/upb/llm-echelon/utils"
	"go.uber.org/zap"
)

// PoolResponse is a pool in API responses
type PoolResponse struct {
	Statistics pool.Statistics         `json:"statistics"`
	Instances  []pool.InstanceSnapshot `json:"instances"`
}

// PoolHandler handles standalone pool HTTP requests
type PoolHandler struct {
	pools    *pool.Manager
	resolver pool.Resolver
	logger   *zap.Logger
}

// NewPoolHandler creates a new PoolHandler
func NewPoolHandler(pools *pool.Manager, resolver pool.Resolver, logger *zap.Logger) *PoolHandler {
	return &PoolHandler{
		pools:    pools,
		resolver: resolver,
		logger:   logger,
	}
}

func toPoolResponse(p *pool.Pool) PoolResponse {
	return PoolResponse{
		Statistics: p.Statistics(),
		Instances:  p.Instances(),
	}
}

// HandleList handles GET /api/v1/pools
func (h *PoolHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	pools := h.pools.ListPools()
	out := make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, toPoolResponse(p))
	}
	writeOK(w, h.logger, out)
}

// HandleCreate handles POST /api/v1/pools
func (h *PoolHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg models.PoolConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	p, err := h.pools.CreatePool(cfg)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	writeCreated(w, h.logger, toPoolResponse(p))
}

// HandleGet handles GET /api/v1/pools/{name}
func (h *PoolHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.pools.MustGetPool(chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	writeOK(w, h.logger, toPoolResponse(p))
}

// HandleDelete handles DELETE /api/v1/pools/{name}
func (h *PoolHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.pools.DeletePool(name) {
		HandleServiceError(w, services.Newf(services.ErrPoolNotFound, "pool %q not found", name), h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleComplete handles POST /api/v1/pools/{name}/complete
func (h *PoolHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	p, err := h.pools.MustGetPool(chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	var req providers.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if len(req.Messages) == 0 {
		HandleServiceError(w, services.Newf(services.ErrInvalidInput, "messages are required"), h.logger)
		return
	}

	result, err := p.Complete(r.Context(), h.resolver, &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	writeOK(w, h.logger, result)
}

// HandleStatistics handles GET /api/v1/pools/statistics
func (h *PoolHandler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.logger, h.pools.GetAllPoolStatistics())
}
