package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/taskgroup"
	"github.com/upb/llm-echelon/utils"
	"go.uber.org/zap"
)

// TaskGroupResponse is a task group in API responses
type TaskGroupResponse struct {
	Name            string                    `json:"name"`
	Description     string                    `json:"description,omitempty"`
	Config          models.TaskGroupConfig    `json:"config"`
	AvailableModels []string                  `json:"availableModels"`
	Statistics      taskgroup.GroupStatistics `json:"statistics"`
}

// ModelsResponse lists the models served by a group or one of its echelons
type ModelsResponse struct {
	Group   string   `json:"group"`
	Echelon string   `json:"echelon,omitempty"`
	Models  []string `json:"models"`
}

// FallbacksResponse lists a group's fallback traversal settings
type FallbacksResponse struct {
	Group          string              `json:"group"`
	Type           models.FallbackType `json:"type"`
	FallbackGroups []string            `json:"fallbackGroups"`
	MaxAttempts    int                 `json:"maxAttempts"`
	RetryDelay     int                 `json:"retryDelay"`
}

// TaskGroupHandler handles task group HTTP requests
type TaskGroupHandler struct {
	groups *taskgroup.Manager
	logger *zap.Logger
}

// NewTaskGroupHandler creates a new TaskGroupHandler
func NewTaskGroupHandler(groups *taskgroup.Manager, logger *zap.Logger) *TaskGroupHandler {
	return &TaskGroupHandler{
		groups: groups,
		logger: logger,
	}
}

func toTaskGroupResponse(g *taskgroup.TaskGroup) TaskGroupResponse {
	return TaskGroupResponse{
		Name:            g.Name(),
		Description:     g.Description(),
		Config:          redact(g.Config()),
		AvailableModels: g.AvailableModels(),
		Statistics:      g.Statistics(),
	}
}

// redact strips echelon API keys from configs leaving the process
func redact(cfg models.TaskGroupConfig) models.TaskGroupConfig {
	for name, e := range cfg.Echelons {
		if e.APIKey != "" {
			e.APIKey = "***"
			cfg.Echelons[name] = e
		}
	}
	return cfg
}

// HandleList handles GET /api/v1/task-groups
func (h *TaskGroupHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	groups := h.groups.ListTaskGroups()
	out := make([]TaskGroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, toTaskGroupResponse(g))
	}
	writeOK(w, h.logger, out)
}

// HandleCreate handles POST /api/v1/task-groups
func (h *TaskGroupHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg models.TaskGroupConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	g, err := h.groups.CreateTaskGroup(cfg)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("task group created via api", zap.String("group", g.Name()))
	writeCreated(w, h.logger, toTaskGroupResponse(g))
}

// HandleGet handles GET /api/v1/task-groups/{name}
func (h *TaskGroupHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	g, err := h.groups.MustGetTaskGroup(chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	writeOK(w, h.logger, toTaskGroupResponse(g))
}

// HandleUpdate handles PATCH /api/v1/task-groups/{name}
func (h *TaskGroupHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var update models.TaskGroupConfigUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	g, err := h.groups.UpdateTaskGroupConfig(name, update)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("task group updated via api", zap.String("group", name))
	writeOK(w, h.logger, toTaskGroupResponse(g))
}

// HandleDelete handles DELETE /api/v1/task-groups/{name}
func (h *TaskGroupHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.groups.DeleteTaskGroup(name) {
		HandleServiceError(w, services.Newf(services.ErrTaskGroupNotFound, "task group %q not found", name), h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleModels handles GET /api/v1/task-groups/{name}/models?echelon=
func (h *TaskGroupHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	echelon := r.URL.Query().Get("echelon")

	got, err := h.groups.GetModelsForGroup(name, echelon)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	writeOK(w, h.logger, ModelsResponse{Group: name, Echelon: echelon, Models: got})
}

// HandleFallbacks handles GET /api/v1/task-groups/{name}/fallbacks
func (h *TaskGroupHandler) HandleFallbacks(w http.ResponseWriter, r *http.Request) {
	g, err := h.groups.MustGetTaskGroup(chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	cfg := g.FallbackConfig()
	fallbacks := g.FallbackGroups()
	if fallbacks == nil {
		fallbacks = []string{}
	}
	writeOK(w, h.logger, FallbacksResponse{
		Group:          g.Name(),
		Type:           cfg.Type,
		FallbackGroups: fallbacks,
		MaxAttempts:    cfg.MaxAttempts,
		RetryDelay:     cfg.RetryDelay,
	})
}

// HandleEchelon handles GET /api/v1/task-groups/{name}/echelons/{echelon}
func (h *TaskGroupHandler) HandleEchelon(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.groups.GetEchelonConfig(chi.URLParam(r, "name"), chi.URLParam(r, "echelon"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if cfg.APIKey != "" {
		cfg.APIKey = "***"
	}
	writeOK(w, h.logger, cfg)
}

// HandleHealth handles GET /api/v1/task-groups/health
func (h *TaskGroupHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.groups.GlobalHealthCheck(r.Context())

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	if err := utils.WriteJSON(w, status, utils.SuccessResponse{Data: report}); err != nil {
		h.logger.Error("failed to write health response", zap.Error(err))
	}
}

// HandleStatistics handles GET /api/v1/task-groups/statistics
func (h *TaskGroupHandler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.logger, h.groups.GetAllTaskGroupStatistics())
}
