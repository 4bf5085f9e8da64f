package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services/taskgroup"
)

func testGroupConfig(name string) models.TaskGroupConfig {
	return models.TaskGroupConfig{
		Name:        name,
		Description: "test group",
		Echelons: map[string]models.EchelonConfig{
			"primary": {
				Models:           []string{"gpt-4o-mini"},
				ConcurrencyLimit: 2,
				RPMLimit:         60,
				Priority:         1,
				Timeout:          1000,
				Temperature:      0.2,
				MaxTokens:        128,
				ModelType:        "openai",
				APIKey:           "sk-secret",
			},
		},
		FallbackStrategy: &models.FallbackStrategyConfig{
			Type:        models.FallbackSequential,
			MaxAttempts: 2,
		},
		CircuitBreaker: &models.CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTime:     30000,
			HalfOpenRequests: 1,
		},
	}
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var envelope struct {
		Data HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	return envelope.Data
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler(nil, taskgroup.NewManager(zap.NewNop()), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.HandleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeHealth(t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestHealthHandler_HandleReadiness(t *testing.T) {
	t.Run("no database and no groups", func(t *testing.T) {
		handler := NewHealthHandler(nil, taskgroup.NewManager(zap.NewNop()), zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeHealth(t, w)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "disabled", resp.Checks["database"])
		assert.Equal(t, "healthy", resp.Checks["task_groups"])
	})

	t.Run("healthy database and group", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		groups := taskgroup.NewManager(zap.NewNop())
		_, err = groups.CreateTaskGroup(testGroupConfig("fast"))
		require.NoError(t, err)

		handler := NewHealthHandler(db, groups, zap.NewNop())
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeHealth(t, w)
		assert.Equal(t, "healthy", resp.Checks["database"])
		require.NotNil(t, resp.Groups)
		assert.Equal(t, 1, resp.Groups.TotalGroups)
		assert.True(t, resp.Groups.Groups["fast"].Healthy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		handler := NewHealthHandler(db, taskgroup.NewManager(zap.NewNop()), zap.NewNop())
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decodeHealth(t, w)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "unhealthy", resp.Checks["database"])
	})

	t.Run("database query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("query failed"))

		handler := NewHealthHandler(db, taskgroup.NewManager(zap.NewNop()), zap.NewNop())
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", decodeHealth(t, w).Checks["database"])
	})

	t.Run("failing group probe", func(t *testing.T) {
		groups := taskgroup.NewManager(zap.NewNop())
		_, err := groups.CreateTaskGroup(testGroupConfig("fast"))
		require.NoError(t, err)
		groups.SetHealthProbe(func(_ context.Context, _ *taskgroup.TaskGroup) error {
			return errors.New("provider unreachable")
		})

		handler := NewHealthHandler(nil, groups, zap.NewNop())
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decodeHealth(t, w)
		assert.Equal(t, "unhealthy", resp.Checks["task_groups"])
		assert.Contains(t, resp.Groups.Groups["fast"].Errors, "provider unreachable")
	})
}
