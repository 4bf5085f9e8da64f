package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services/pool"
	"github.com/upb/llm-echelon/services/providers"
)

// MockProvider is a mock implementation of providers.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string {
	return "openai"
}

func (m *MockProvider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.ChatResponse), args.Error(1)
}

func (m *MockProvider) IsAvailable(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func testPoolConfig(name string) models.PoolConfig {
	return models.PoolConfig{
		Name: name,
		Instances: []models.InstanceConfig{
			{ID: "a", ModelName: "gpt-4o-mini", MaxConcurrency: 2, ModelType: "openai"},
			{ID: "b", ModelName: "gpt-4o", MaxConcurrency: 2, ModelType: "openai"},
		},
		RotationStrategy: models.RotationStrategyConfig{Type: models.RotationRoundRobin},
		Timeout:          1000,
	}
}

func poolRouter(h *PoolHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/pools", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Get("/statistics", h.HandleStatistics)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleDelete)
			r.Post("/complete", h.HandleComplete)
		})
	})
	return r
}

func newPoolFixture(t *testing.T) (*pool.Manager, *MockProvider, http.Handler) {
	t.Helper()
	provider := new(MockProvider)
	registry := providers.NewRegistry()
	require.NoError(t, registry.RegisterProvider(provider))

	pools := pool.NewManager(zap.NewNop())
	return pools, provider, poolRouter(NewPoolHandler(pools, registry, zap.NewNop()))
}

func TestPoolHandler_CreateGetDelete(t *testing.T) {
	pools, _, router := newPoolFixture(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/pools/", testPoolConfig("shared"))
	require.Equal(t, http.StatusCreated, w.Code)
	var created PoolResponse
	decodeData(t, w, &created)
	assert.Equal(t, "shared", created.Statistics.Name)
	assert.Equal(t, 2, created.Statistics.TotalInstances)
	assert.Len(t, created.Instances, 2)

	w = doJSON(t, router, http.MethodPost, "/api/v1/pools/", testPoolConfig("shared"))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools/shared", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/pools/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []PoolResponse
	decodeData(t, w, &list)
	assert.Len(t, list, 1)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/pools/shared", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, pools.GetPool("shared"))

	w = doJSON(t, router, http.MethodDelete, "/api/v1/pools/shared", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPoolHandler_CreateInvalid(t *testing.T) {
	_, _, router := newPoolFixture(t)

	cfg := testPoolConfig("")
	w := doJSON(t, router, http.MethodPost, "/api/v1/pools/", cfg)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", decodeError(t, w).Error)
}

func TestPoolHandler_Complete(t *testing.T) {
	pools, provider, router := newPoolFixture(t)
	_, err := pools.CreatePool(testPoolConfig("shared"))
	require.NoError(t, err)

	provider.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(r *providers.ChatRequest) bool {
		return r.Model == "gpt-4o-mini"
	})).Return(&providers.ChatResponse{ID: "resp-1", Model: "gpt-4o-mini"}, nil).Once()

	w := doJSON(t, router, http.MethodPost, "/api/v1/pools/shared/complete", providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result pool.CallResult
	decodeData(t, w, &result)
	assert.Equal(t, "a", result.InstanceID)
	assert.Equal(t, "resp-1", result.Response.ID)
	provider.AssertExpectations(t)
}

func TestPoolHandler_CompleteErrors(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		body           interface{}
		setup          func(provider *MockProvider)
		expectedStatus int
	}{
		{
			name:           "unknown pool",
			path:           "/api/v1/pools/missing/complete",
			body:           providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "no messages",
			path:           "/api/v1/pools/shared/complete",
			body:           providers.ChatRequest{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "provider failure",
			path: "/api/v1/pools/shared/complete",
			body: providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}},
			setup: func(provider *MockProvider) {
				provider.On("ChatCompletion", mock.Anything, mock.Anything).
					Return(nil, providers.NewProviderError("openai", "server_error", "boom", 500, true, nil)).Once()
			},
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pools, provider, router := newPoolFixture(t)
			_, err := pools.CreatePool(testPoolConfig("shared"))
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(provider)
			}

			w := doJSON(t, router, http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.expectedStatus, w.Code)
			provider.AssertExpectations(t)
		})
	}
}

func TestPoolHandler_Statistics(t *testing.T) {
	pools, _, router := newPoolFixture(t)
	_, err := pools.CreatePool(testPoolConfig("one"))
	require.NoError(t, err)
	_, err = pools.CreatePool(testPoolConfig("two"))
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/v1/pools/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats []pool.Statistics
	decodeData(t, w, &stats)
	assert.Len(t, stats, 2)
}
