package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-echelon/services/taskgroup"
	"github.com/upb/llm-echelon/utils"
)

func taskGroupRouter(h *TaskGroupHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/task-groups", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Get("/health", h.HandleHealth)
		r.Get("/statistics", h.HandleStatistics)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Patch("/", h.HandleUpdate)
			r.Delete("/", h.HandleDelete)
			r.Get("/models", h.HandleModels)
			r.Get("/fallbacks", h.HandleFallbacks)
			r.Get("/echelons/{echelon}", h.HandleEchelon)
		})
	})
	return r
}

func newTaskGroupFixture(t *testing.T, names ...string) (*taskgroup.Manager, http.Handler) {
	t.Helper()
	groups := taskgroup.NewManager(zap.NewNop())
	for _, name := range names {
		_, err := groups.CreateTaskGroup(testGroupConfig(name))
		require.NoError(t, err)
	}
	return groups, taskGroupRouter(NewTaskGroupHandler(groups, zap.NewNop()))
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: v}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestTaskGroupHandler_Create(t *testing.T) {
	groups, router := newTaskGroupFixture(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/task-groups/", testGroupConfig("fast"))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp TaskGroupResponse
	decodeData(t, w, &resp)
	assert.Equal(t, "fast", resp.Name)
	assert.Equal(t, []string{"gpt-4o-mini"}, resp.AvailableModels)
	assert.Equal(t, "***", resp.Config.Echelons["primary"].APIKey)

	assert.NotNil(t, groups.GetTaskGroup("fast"))
	assert.Equal(t, "sk-secret", groups.GetTaskGroup("fast").Config().Echelons["primary"].APIKey)
}

func TestTaskGroupHandler_CreateErrors(t *testing.T) {
	invalid := testGroupConfig("broken")
	invalid.CircuitBreaker = nil

	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "duplicate name",
			body:           testGroupConfig("fast"),
			expectedStatus: http.StatusConflict,
			expectedError:  "conflict",
		},
		{
			name:           "invalid configuration",
			body:           invalid,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "unknown field",
			body:           map[string]interface{}{"name": "x", "bogus": true},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "empty body",
			body:           nil,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTaskGroupFixture(t, "fast")

			w := doJSON(t, router, http.MethodPost, "/api/v1/task-groups/", tt.body)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedError, decodeError(t, w).Error)
		})
	}
}

func TestTaskGroupHandler_ListAndGet(t *testing.T) {
	_, router := newTaskGroupFixture(t, "fast", "slow")

	w := doJSON(t, router, http.MethodGet, "/api/v1/task-groups/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []TaskGroupResponse
	decodeData(t, w, &list)
	assert.Len(t, list, 2)

	w = doJSON(t, router, http.MethodGet, "/api/v1/task-groups/slow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one TaskGroupResponse
	decodeData(t, w, &one)
	assert.Equal(t, "slow", one.Name)
	assert.Equal(t, "test group", one.Description)

	w = doJSON(t, router, http.MethodGet, "/api/v1/task-groups/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskGroupHandler_Update(t *testing.T) {
	groups, router := newTaskGroupFixture(t, "fast")

	description := "updated"
	w := doJSON(t, router, http.MethodPatch, "/api/v1/task-groups/fast", map[string]interface{}{
		"description": description,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp TaskGroupResponse
	decodeData(t, w, &resp)
	assert.Equal(t, description, resp.Description)
	assert.Equal(t, description, groups.GetTaskGroup("fast").Description())

	w = doJSON(t, router, http.MethodPatch, "/api/v1/task-groups/missing", map[string]interface{}{
		"description": description,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskGroupHandler_Delete(t *testing.T) {
	groups, router := newTaskGroupFixture(t, "fast")

	w := doJSON(t, router, http.MethodDelete, "/api/v1/task-groups/fast", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, groups.GetTaskGroup("fast"))

	w = doJSON(t, router, http.MethodDelete, "/api/v1/task-groups/fast", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Error)
}

func TestTaskGroupHandler_Models(t *testing.T) {
	_, router := newTaskGroupFixture(t, "fast")

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedModels []string
	}{
		{
			name:           "whole group",
			path:           "/api/v1/task-groups/fast/models",
			expectedStatus: http.StatusOK,
			expectedModels: []string{"gpt-4o-mini"},
		},
		{
			name:           "single echelon",
			path:           "/api/v1/task-groups/fast/models?echelon=primary",
			expectedStatus: http.StatusOK,
			expectedModels: []string{"gpt-4o-mini"},
		},
		{
			name:           "unknown echelon",
			path:           "/api/v1/task-groups/fast/models?echelon=tertiary",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "unknown group",
			path:           "/api/v1/task-groups/missing/models",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedModels == nil {
				return
			}
			var resp ModelsResponse
			decodeData(t, w, &resp)
			assert.Equal(t, tt.expectedModels, resp.Models)
		})
	}
}

func TestTaskGroupHandler_Fallbacks(t *testing.T) {
	groups, router := newTaskGroupFixture(t, "backup")

	cfg := testGroupConfig("fast")
	cfg.FallbackStrategy.FallbackGroups = []string{"backup"}
	_, err := groups.CreateTaskGroup(cfg)
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/v1/task-groups/fast/fallbacks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp FallbacksResponse
	decodeData(t, w, &resp)
	assert.Equal(t, []string{"backup"}, resp.FallbackGroups)
	assert.Equal(t, 2, resp.MaxAttempts)

	w = doJSON(t, router, http.MethodGet, "/api/v1/task-groups/backup/fallbacks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"fallbackGroups":[]`)
}

func TestTaskGroupHandler_Echelon(t *testing.T) {
	_, router := newTaskGroupFixture(t, "fast")

	w := doJSON(t, router, http.MethodGet, "/api/v1/task-groups/fast/echelons/primary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	decodeData(t, w, &resp)
	assert.Equal(t, "***", resp["apiKey"])
	assert.Equal(t, float64(60), resp["rpmLimit"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/task-groups/fast/echelons/secondary", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskGroupHandler_HealthAndStatistics(t *testing.T) {
	_, router := newTaskGroupFixture(t, "fast", "slow")

	w := doJSON(t, router, http.MethodGet, "/api/v1/task-groups/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report taskgroup.HealthReport
	decodeData(t, w, &report)
	assert.True(t, report.Healthy)
	assert.Equal(t, 2, report.HealthyGroups)

	w = doJSON(t, router, http.MethodGet, "/api/v1/task-groups/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]interface{}
	decodeData(t, w, &stats)
	assert.NotEmpty(t, stats)
}
