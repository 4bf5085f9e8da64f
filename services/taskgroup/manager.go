package taskgroup

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/breaker"
)

// Manager is the registry of task groups
type Manager struct {
	logger *zap.Logger
	opts   []Option
	now    func() time.Time

	mu       sync.RWMutex
	groups   map[string]*TaskGroup
	probe    HealthProbe
	shutdown bool
}

// NewManager creates an empty task group registry. opts are applied to every group.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: logger,
		groups: make(map[string]*TaskGroup),
		now:    newSettings(opts).now,
	}
	m.opts = append([]Option{WithBreakerHook(m.logTransition)}, opts...)
	return m
}

func (m *Manager) logTransition(group string, from, to breaker.State) {
	m.logger.Warn("circuit breaker state changed",
		zap.String("group", group),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// SetHealthProbe installs an extra per-group check for GlobalHealthCheck
func (m *Manager) SetHealthProbe(probe HealthProbe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = probe
}

func notFound(name string) error {
	return services.Newf(services.ErrTaskGroupNotFound, "task group %q not found", name).WithDetail("group", name)
}

// CreateTaskGroup validates cfg and registers a new group with its breaker
func (m *Manager) CreateTaskGroup(cfg models.TaskGroupConfig) (*TaskGroup, error) {
	m.logger.Debug("creating task group", zap.String("group", cfg.Name))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, services.ErrManagerShutdown
	}
	if _, exists := m.groups[cfg.Name]; exists {
		m.logger.Warn("task group already exists", zap.String("group", cfg.Name))
		return nil, services.Newf(services.ErrTaskGroupAlreadyExists, "task group %q already exists", cfg.Name).
			WithDetail("group", cfg.Name)
	}

	g, err := New(cfg, m.logger, m.opts...)
	if err != nil {
		m.logger.Warn("task group rejected", zap.String("group", cfg.Name), zap.Error(err))
		return nil, err
	}
	m.groups[cfg.Name] = g

	m.logger.Info("task group created",
		zap.String("group", cfg.Name),
		zap.Int("echelons", len(cfg.Echelons)),
		zap.Strings("fallback_groups", g.FallbackGroups()),
	)
	return g, nil
}

// GetTaskGroup returns the named group, or nil
func (m *Manager) GetTaskGroup(name string) *TaskGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[name]
}

// MustGetTaskGroup returns the named group or ErrTaskGroupNotFound
func (m *Manager) MustGetTaskGroup(name string) (*TaskGroup, error) {
	if g := m.GetTaskGroup(name); g != nil {
		return g, nil
	}
	return nil, notFound(name)
}

// DeleteTaskGroup removes the named group and reports whether it existed
func (m *Manager) DeleteTaskGroup(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[name]; !ok {
		return false
	}
	delete(m.groups, name)
	m.logger.Info("task group deleted", zap.String("group", name))
	return true
}

// UpdateTaskGroupConfig replaces the named group with a re-validated copy.
// Readers see either the old or the new group, never a partial update.
func (m *Manager) UpdateTaskGroupConfig(name string, update models.TaskGroupConfigUpdate) (*TaskGroup, error) {
	m.logger.Debug("updating task group", zap.String("group", name))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, services.ErrManagerShutdown
	}
	current, ok := m.groups[name]
	if !ok {
		return nil, notFound(name)
	}

	next, err := current.UpdateConfig(update)
	if err != nil {
		m.logger.Warn("task group update rejected", zap.String("group", name), zap.Error(err))
		return nil, err
	}
	m.groups[name] = next

	m.logger.Info("task group updated", zap.String("group", name), zap.Int("echelons", len(next.order)))
	return next, nil
}

// GetModelsForGroup returns the models of one echelon, or of every echelon
// when echelon is empty
func (m *Manager) GetModelsForGroup(name, echelon string) ([]string, error) {
	g, err := m.MustGetTaskGroup(name)
	if err != nil {
		return nil, err
	}
	if echelon == "" {
		return g.AvailableModels(), nil
	}
	return g.ModelsForEchelon(echelon)
}

// GetFallbackGroups returns the fallback groups of the named group
func (m *Manager) GetFallbackGroups(name string) ([]string, error) {
	g, err := m.MustGetTaskGroup(name)
	if err != nil {
		return nil, err
	}
	return g.FallbackGroups(), nil
}

// GetEchelonConfig returns a copy of one echelon's config
func (m *Manager) GetEchelonConfig(name, echelon string) (models.EchelonConfig, error) {
	g, err := m.MustGetTaskGroup(name)
	if err != nil {
		return models.EchelonConfig{}, err
	}
	e, ok := g.Echelon(echelon)
	if !ok {
		return models.EchelonConfig{}, g.echelonNotFound(echelon)
	}
	return e.Config(), nil
}

// ListTaskGroups returns every group sorted by name
func (m *Manager) ListTaskGroups() []*TaskGroup {
	m.mu.RLock()
	out := make([]*TaskGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetTaskGroupStatistics returns statistics for one group
func (m *Manager) GetTaskGroupStatistics(name string) (GroupStatistics, error) {
	g, err := m.MustGetTaskGroup(name)
	if err != nil {
		return GroupStatistics{}, err
	}
	return safeStatistics(g, name), nil
}

// GetAllTaskGroupStatistics aggregates statistics across every group. A
// group whose statistics fail is reported with its error.
func (m *Manager) GetAllTaskGroupStatistics() Statistics {
	return aggregate(m.ListTaskGroups())
}

// GlobalHealthCheck reports the health of every group. One failing group
// never hides the others.
func (m *Manager) GlobalHealthCheck(ctx context.Context) HealthReport {
	m.mu.RLock()
	probe := m.probe
	groups := make(map[string]*TaskGroup, len(m.groups))
	for name, g := range m.groups {
		groups[name] = g
	}
	m.mu.RUnlock()

	report := HealthReport{
		TotalGroups: len(groups),
		Groups:      make(map[string]GroupHealth, len(groups)),
		CheckedAt:   m.now().UTC(),
	}
	for name, g := range groups {
		h := checkGroup(ctx, g, probe)
		if h.Healthy {
			report.HealthyGroups++
		} else {
			m.logger.Warn("task group unhealthy", zap.String("group", name), zap.Strings("errors", h.Errors))
		}
		report.Groups[name] = h
	}
	report.Healthy = report.HealthyGroups == report.TotalGroups
	return report
}

// Shutdown drops every group; later mutations fail with ErrManagerShutdown
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdown = true
	m.groups = make(map[string]*TaskGroup)
	m.logger.Info("task group manager shut down")
}
