package taskgroup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/breaker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func echelonConfig(priority int, modelNames ...string) models.EchelonConfig {
	return models.EchelonConfig{
		Models:           modelNames,
		ConcurrencyLimit: 5,
		RPMLimit:         60,
		Priority:         priority,
		Timeout:          1000,
		MaxRetries:       0,
		Temperature:      0.7,
		MaxTokens:        256,
		ModelType:        "openai",
	}
}

func fastTierConfig() models.TaskGroupConfig {
	return models.TaskGroupConfig{
		Name:        "fast-tier",
		Description: "low latency",
		Echelons: map[string]models.EchelonConfig{
			"primary":   echelonConfig(1, "m1"),
			"secondary": echelonConfig(2, "m2"),
		},
		FallbackStrategy: &models.FallbackStrategyConfig{
			Type:        models.FallbackSequential,
			MaxAttempts: 1,
		},
		CircuitBreaker: &models.CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTime:     30000,
			HalfOpenRequests: 1,
		},
	}
}

func newTestGroup(t *testing.T, cfg models.TaskGroupConfig, opts ...Option) *TaskGroup {
	t.Helper()
	g, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return g
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.TaskGroupConfig)
		echelon string
		field   string
		rule    string
	}{
		{"missing name", func(c *models.TaskGroupConfig) { c.Name = "" }, "", "name", "required"},
		{"no echelons", func(c *models.TaskGroupConfig) { c.Echelons = map[string]models.EchelonConfig{} }, "", "echelons", "min"},
		{"missing fallback strategy", func(c *models.TaskGroupConfig) { c.FallbackStrategy = nil }, "", "fallbackStrategy", "required"},
		{"missing circuit breaker", func(c *models.TaskGroupConfig) { c.CircuitBreaker = nil }, "", "circuitBreaker", "required"},
		{"zero failure threshold", func(c *models.TaskGroupConfig) { c.CircuitBreaker.FailureThreshold = 0 }, "", "failureThreshold", "gt"},
		{"zero recovery time", func(c *models.TaskGroupConfig) { c.CircuitBreaker.RecoveryTime = 0 }, "", "recoveryTime", "gt"},
		{"zero half open requests", func(c *models.TaskGroupConfig) { c.CircuitBreaker.HalfOpenRequests = 0 }, "", "halfOpenRequests", "gt"},
		{"unknown fallback type", func(c *models.TaskGroupConfig) { c.FallbackStrategy.Type = "random" }, "", "type", "oneof"},
		{"zero max attempts", func(c *models.TaskGroupConfig) { c.FallbackStrategy.MaxAttempts = 0 }, "", "maxAttempts", "gte"},
		{"self fallback", func(c *models.TaskGroupConfig) { c.FallbackStrategy.FallbackGroups = []string{"fast-tier"} }, "", "fallbackGroups", "self_reference"},
		{"dotted group name", func(c *models.TaskGroupConfig) { c.Name = "team.a" }, "", "name", "no_dot"},
		{"dotted echelon name", func(c *models.TaskGroupConfig) {
			c.Echelons["tier.one"] = c.Echelons["secondary"]
		}, "tier.one", "name", "no_dot"},
		{"bad rotation", func(c *models.TaskGroupConfig) {
			c.RotationStrategy = &models.RotationStrategyConfig{Type: models.RotationFastestResponse, TimeWindowMs: 1000}
		}, "", "minSamples", "rotation"},
	}

	echelonTests := []struct {
		name   string
		mutate func(*models.EchelonConfig)
		field  string
		rule   string
	}{
		{"zero concurrency limit", func(e *models.EchelonConfig) { e.ConcurrencyLimit = 0 }, "concurrencyLimit", "gt"},
		{"negative concurrency limit", func(e *models.EchelonConfig) { e.ConcurrencyLimit = -1 }, "concurrencyLimit", "gt"},
		{"zero rpm limit", func(e *models.EchelonConfig) { e.RPMLimit = 0 }, "rpmLimit", "gt"},
		{"zero priority", func(e *models.EchelonConfig) { e.Priority = 0 }, "priority", "gt"},
		{"zero timeout", func(e *models.EchelonConfig) { e.Timeout = 0 }, "timeout", "gt"},
		{"negative retries", func(e *models.EchelonConfig) { e.MaxRetries = -1 }, "maxRetries", "gte"},
		{"temperature too high", func(e *models.EchelonConfig) { e.Temperature = 2.5 }, "temperature", "lte"},
		{"zero max tokens", func(e *models.EchelonConfig) { e.MaxTokens = 0 }, "maxTokens", "gt"},
		{"no models", func(e *models.EchelonConfig) { e.Models = nil }, "models", "required"},
		{"duplicate models", func(e *models.EchelonConfig) { e.Models = []string{"m1", "m1"} }, "models", "unique"},
		{"missing model type", func(e *models.EchelonConfig) { e.ModelType = "" }, "modelType", "required"},
		{"bad base url", func(e *models.EchelonConfig) { e.BaseURL = "not a url" }, "baseUrl", "url"},
	}
	for _, et := range echelonTests {
		et := et
		tests = append(tests, struct {
			name    string
			mutate  func(*models.TaskGroupConfig)
			echelon string
			field   string
			rule    string
		}{
			name: "echelon " + et.name,
			mutate: func(c *models.TaskGroupConfig) {
				e := c.Echelons["secondary"]
				et.mutate(&e)
				c.Echelons["secondary"] = e
			},
			echelon: "secondary",
			field:   et.field,
			rule:    et.rule,
		})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastTierConfig()
			tt.mutate(&cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, services.ErrTaskGroupConfiguration)

			details := services.GetErrorDetails(err)
			assert.Equal(t, tt.field, details["field"])
			assert.Equal(t, tt.rule, details["rule"])
			if tt.echelon != "" {
				assert.Equal(t, tt.echelon, details["echelon"])
			}

			g, err := New(cfg, zap.NewNop())
			assert.Error(t, err)
			assert.Nil(t, g)
		})
	}
}

func TestValidateConfig_FirstEchelonViolationByName(t *testing.T) {
	cfg := fastTierConfig()
	for _, name := range []string{"secondary", "primary"} {
		e := cfg.Echelons[name]
		e.RPMLimit = 0
		cfg.Echelons[name] = e
	}

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Equal(t, "primary", services.GetErrorDetails(err)["echelon"])
}

func TestTaskGroup_Accessors(t *testing.T) {
	cfg := fastTierConfig()
	cfg.Echelons["backup"] = echelonConfig(3, "m2", "m3")
	cfg.FallbackStrategy.FallbackGroups = []string{"slow-tier"}
	g := newTestGroup(t, cfg)

	assert.Equal(t, "fast-tier", g.Name())
	assert.Equal(t, "low latency", g.Description())
	assert.Equal(t, 3, g.ActiveEchelons())

	names := make([]string, 0)
	for _, e := range g.Echelons() {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"primary", "secondary", "backup"}, names)

	got, err := g.ModelsForEchelon("primary")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got)

	_, err = g.ModelsForEchelon("missing")
	assert.ErrorIs(t, err, services.ErrEchelonNotFound)

	assert.Equal(t, []string{"m1", "m2", "m3"}, g.AvailableModels())
	assert.Equal(t, []string{"slow-tier"}, g.FallbackGroups())

	from, err := g.EchelonsFrom("secondary")
	require.NoError(t, err)
	require.Len(t, from, 2)
	assert.Equal(t, "secondary", from[0].Name())
	assert.Equal(t, "backup", from[1].Name())

	_, err = g.EchelonsFrom("missing")
	assert.ErrorIs(t, err, services.ErrEchelonNotFound)

	rt, ok := g.Runtime("backup")
	require.True(t, ok)
	assert.Len(t, rt.Pool().Instances(), 2)
	assert.Equal(t, "fast-tier.backup/m3", rt.Pool().Instances()[1].InstanceID)
}

func TestTaskGroup_FallbackNoneHidesGroups(t *testing.T) {
	cfg := fastTierConfig()
	cfg.FallbackStrategy.Type = models.FallbackNone
	cfg.FallbackStrategy.FallbackGroups = []string{"slow-tier"}
	g := newTestGroup(t, cfg)

	assert.Empty(t, g.FallbackGroups())
	assert.Equal(t, []string{"slow-tier"}, g.FallbackConfig().FallbackGroups)
}

func TestTaskGroup_ConfigIsCopied(t *testing.T) {
	cfg := fastTierConfig()
	g := newTestGroup(t, cfg)

	cfg.Echelons["primary"].Models[0] = "changed"
	copied := g.Config()
	copied.Echelons["primary"].Models[0] = "changed-again"

	got, err := g.ModelsForEchelon("primary")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got)
}

func TestEchelonRuntime_Admit(t *testing.T) {
	clock := newFakeClock()
	cfg := fastTierConfig()
	primary := cfg.Echelons["primary"]
	primary.ConcurrencyLimit = 2
	primary.RPMLimit = 3
	cfg.Echelons["primary"] = primary
	g := newTestGroup(t, cfg, WithClock(clock.Now))

	rt, ok := g.Runtime("primary")
	require.True(t, ok)

	release1, err := rt.Admit()
	require.NoError(t, err)
	release2, err := rt.Admit()
	require.NoError(t, err)
	assert.Equal(t, 2, rt.InFlight())

	_, err = rt.Admit()
	assert.ErrorIs(t, err, services.ErrEchelonSaturated)

	release1()
	release1()
	assert.Equal(t, 1, rt.InFlight())

	release3, err := rt.Admit()
	require.NoError(t, err)
	release3()
	release2()

	_, err = rt.Admit()
	assert.ErrorIs(t, err, services.ErrEchelonRateLimited)
	assert.Equal(t, 0, rt.InFlight(), "a rate-limited call must not hold a slot")
	assert.Equal(t, 3, rt.RateUsage().Used)

	clock.Advance(time.Minute)
	release, err := rt.Admit()
	require.NoError(t, err)
	release()
}

func TestTaskGroup_UpdateConfig(t *testing.T) {
	clock := newFakeClock()
	g := newTestGroup(t, fastTierConfig(), WithClock(clock.Now))

	primary, _ := g.Runtime("primary")
	secondary, _ := g.Runtime("secondary")
	release, err := primary.Admit()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		g.CircuitBreaker().RecordFailure(g.CircuitBreaker().Generation())
	}
	require.Equal(t, breaker.StateOpen, g.CircuitBreaker().State())

	newPrimary := echelonConfig(1, "m1")
	newPrimary.ConcurrencyLimit = 9
	newSecondary := echelonConfig(2, "m4")
	desc := "updated"
	next, err := g.UpdateConfig(models.TaskGroupConfigUpdate{
		Description: &desc,
		Echelons: map[string]models.EchelonConfig{
			"primary":   newPrimary,
			"secondary": newSecondary,
			"tertiary":  echelonConfig(3, "m5"),
		},
		CircuitBreaker: &models.CircuitBreakerConfig{FailureThreshold: 2, RecoveryTime: 1000, HalfOpenRequests: 1},
	})
	require.NoError(t, err)

	assert.NotSame(t, g, next)
	assert.Equal(t, "low latency", g.Description())
	assert.Equal(t, "updated", next.Description())
	assert.Len(t, next.Echelons(), 3)
	assert.Len(t, g.Echelons(), 2)

	assert.Same(t, g.CircuitBreaker(), next.CircuitBreaker())
	assert.Equal(t, breaker.StateOpen, next.CircuitBreaker().State())
	assert.Equal(t, 2, next.CircuitBreaker().Config().FailureThreshold)

	nextPrimary, _ := next.Runtime("primary")
	assert.Same(t, primary.Pool(), nextPrimary.Pool(), "unchanged models keep their instances")
	assert.Equal(t, 1, nextPrimary.InFlight(), "in-flight calls survive the update")
	assert.Equal(t, 9, nextPrimary.Pool().Instances()[0].MaxConcurrency)
	release()
	assert.Equal(t, 0, nextPrimary.InFlight())

	nextSecondary, _ := next.Runtime("secondary")
	assert.NotSame(t, secondary.Pool(), nextSecondary.Pool())
	assert.Equal(t, "m4", nextSecondary.Pool().Instances()[0].ModelName)
}

func TestTaskGroup_UpdateLowersLimitWhileInFlight(t *testing.T) {
	g := newTestGroup(t, fastTierConfig())
	primary, _ := g.Runtime("primary")

	for i := 0; i < 4; i++ {
		_, err := primary.Admit()
		require.NoError(t, err)
		_, err = primary.Pool().GetInstance()
		require.NoError(t, err)
	}

	lowered := echelonConfig(1, "m1")
	lowered.ConcurrencyLimit = 2
	next, err := g.UpdateConfig(models.TaskGroupConfigUpdate{
		Echelons: map[string]models.EchelonConfig{"primary": lowered},
	})
	require.NoError(t, err)

	rt, _ := next.Runtime("primary")
	snap := rt.Pool().Instances()[0]
	assert.Equal(t, 4, snap.CurrentLoad)
	assert.GreaterOrEqual(t, snap.MaxConcurrency, snap.CurrentLoad)
	assert.Equal(t, 2, snap.TargetConcurrency)

	_, err = rt.Admit()
	assert.ErrorIs(t, err, services.ErrEchelonSaturated)
	_, err = rt.Pool().GetInstance()
	assert.ErrorIs(t, err, services.ErrPoolExhausted)
}

func TestTaskGroup_UpdateConfigRejected(t *testing.T) {
	g := newTestGroup(t, fastTierConfig())

	bad := echelonConfig(1, "m9")
	bad.ConcurrencyLimit = 0
	next, err := g.UpdateConfig(models.TaskGroupConfigUpdate{
		Echelons:       map[string]models.EchelonConfig{"primary": bad},
		CircuitBreaker: &models.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTime: 1, HalfOpenRequests: 1},
	})

	require.Error(t, err)
	assert.Nil(t, next)
	assert.ErrorIs(t, err, services.ErrTaskGroupConfiguration)
	assert.Equal(t, 5, g.CircuitBreaker().Config().FailureThreshold)
	got, _ := g.ModelsForEchelon("primary")
	assert.Equal(t, []string{"m1"}, got)

	_, err = g.UpdateConfig(models.TaskGroupConfigUpdate{RemoveEchelons: []string{"primary", "secondary"}})
	assert.ErrorIs(t, err, services.ErrTaskGroupConfiguration)
}

func TestTaskGroup_Statistics(t *testing.T) {
	g := newTestGroup(t, fastTierConfig())
	rt, _ := g.Runtime("primary")
	release, err := rt.Admit()
	require.NoError(t, err)
	defer release()

	stats := g.Statistics()
	assert.Equal(t, "fast-tier", stats.Name)
	assert.Equal(t, 2, stats.TotalEchelons)
	assert.Equal(t, 2, stats.ActiveEchelons)
	assert.Equal(t, 2, stats.TotalModels)
	assert.Equal(t, breaker.StateClosed, stats.CircuitBreaker.State)
	require.Len(t, stats.Echelons, 2)
	assert.Equal(t, "primary", stats.Echelons[0].Name)
	assert.Equal(t, 95, stats.Echelons[0].Weight)
	assert.Equal(t, 1, stats.Echelons[0].InFlight)
	assert.Equal(t, 1, stats.Echelons[0].RPM.Used)
	assert.Equal(t, 1, stats.Echelons[0].Instances.TotalInstances)
}
