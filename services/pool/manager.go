package pool

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
)

// Manager is the registry of flat instance pools
type Manager struct {
	logger *zap.Logger
	opts   []Option

	mu       sync.RWMutex
	pools    map[string]*Pool
	shutdown bool
}

// NewManager creates an empty pool registry. opts are applied to every pool.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	return &Manager{
		logger: logger,
		opts:   opts,
		pools:  make(map[string]*Pool),
	}
}

// CreatePool validates cfg and registers a new pool
func (m *Manager) CreatePool(cfg models.PoolConfig) (*Pool, error) {
	m.logger.Debug("creating pool", zap.String("pool", cfg.Name))

	p, err := NewPool(cfg, m.logger, m.opts...)
	if err != nil {
		m.logger.Warn("pool rejected", zap.String("pool", cfg.Name), zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, services.ErrManagerShutdown
	}
	if _, exists := m.pools[cfg.Name]; exists {
		return nil, services.Newf(services.ErrPoolAlreadyExists, "pool %q already exists", cfg.Name).
			WithDetail("pool", cfg.Name)
	}
	m.pools[cfg.Name] = p

	m.logger.Info("pool created",
		zap.String("pool", cfg.Name),
		zap.Int("instances", len(cfg.Instances)),
		zap.String("strategy", string(p.Strategy().Type())),
	)
	return p, nil
}

// GetPool returns the named pool, or nil
func (m *Manager) GetPool(name string) *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[name]
}

// MustGetPool returns the named pool or ErrPoolNotFound
func (m *Manager) MustGetPool(name string) (*Pool, error) {
	if p := m.GetPool(name); p != nil {
		return p, nil
	}
	return nil, services.Newf(services.ErrPoolNotFound, "pool %q not found", name).WithDetail("pool", name)
}

// DeletePool removes the named pool and reports whether it existed
func (m *Manager) DeletePool(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[name]; !ok {
		return false
	}
	delete(m.pools, name)
	m.logger.Info("pool deleted", zap.String("pool", name))
	return true
}

// ListPools returns every pool sorted by name
func (m *Manager) ListPools() []*Pool {
	m.mu.RLock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetAllPoolStatistics returns statistics for every pool sorted by name
func (m *Manager) GetAllPoolStatistics() []Statistics {
	pools := m.ListPools()
	out := make([]Statistics, len(pools))
	for i, p := range pools {
		out[i] = p.Statistics()
	}
	return out
}

// Shutdown drops every pool; later CreatePool calls fail
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdown = true
	m.pools = make(map[string]*Pool)
	m.logger.Info("pool manager shut down")
}
