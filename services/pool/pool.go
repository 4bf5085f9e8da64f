package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/providers"
	"github.com/upb/llm-echelon/services/rotation"
	"github.com/upb/llm-echelon/utils"
)

// DefaultCallTimeout bounds a pool call when the pool config has no timeout
const DefaultCallTimeout = 30 * time.Second

// Resolver maps an instance endpoint to the provider that serves it
type Resolver interface {
	Resolve(endpoint providers.Endpoint) (providers.Provider, error)
}

// CallResult describes a completed pool call
type CallResult struct {
	InstanceID string                  `json:"instanceId"`
	ModelName  string                  `json:"modelName"`
	Response   *providers.ChatResponse `json:"response"`
	Latency    time.Duration           `json:"latency"`
}

// Statistics summarises a pool
type Statistics struct {
	Name             string                        `json:"name"`
	Strategy         models.RotationType           `json:"strategy"`
	TotalInstances   int                           `json:"totalInstances"`
	ServingInstances int                           `json:"servingInstances"`
	StatusCounts     map[models.InstanceStatus]int `json:"statusCounts"`
	TotalLoad        int                           `json:"totalLoad"`
	TotalCapacity    int                           `json:"totalCapacity"`
	Utilization      float64                       `json:"utilization"`
	AvgHealthScore   float64                       `json:"avgHealthScore"`
	TotalRequests    int64                         `json:"totalRequests"`
	SuccessRate      float64                       `json:"successRate"`
}

// Option configures a Pool
type Option func(*Pool)

// WithClock overrides the time source for instances and time-windowed strategies
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithDefaultTimeout sets the call deadline used when the config has none
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.defaultTimeout = d
		}
	}
}

// WithRecoveryInterval sets how long a demoted instance sits out before a
// probe call; zero keeps it out until an operator resets it
func WithRecoveryInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.recoverAfter = d
	}
}

// Pool is a flat collection of instances behind one rotation strategy
type Pool struct {
	name           string
	config         models.PoolConfig
	strategy       rotation.Strategy
	logger         *zap.Logger
	now            func() time.Time
	defaultTimeout time.Duration
	recoverAfter   time.Duration

	mu        sync.RWMutex
	instances []*Instance
}

// NewPool validates cfg and builds the pool with its instances
func NewPool(cfg models.PoolConfig, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if cfg.RotationStrategy.Type == "" {
		cfg.RotationStrategy.Type = models.RotationRoundRobin
	}
	if err := utils.ValidateStruct(&cfg); err != nil {
		return nil, configurationError(cfg.Name, err)
	}

	p := &Pool{
		name:           cfg.Name,
		config:         cfg,
		logger:         logger,
		now:            time.Now,
		defaultTimeout: DefaultCallTimeout,
		recoverAfter:   DefaultRecoveryInterval,
	}
	for _, opt := range opts {
		opt(p)
	}

	strategy, err := rotation.New(cfg.RotationStrategy, rotation.WithClock(p.now))
	if err != nil {
		return nil, configurationError(cfg.Name, err)
	}
	p.strategy = strategy

	seen := make(map[string]struct{}, len(cfg.Instances))
	for _, ic := range cfg.Instances {
		inst := p.newInstance(ic)
		if _, dup := seen[inst.ID()]; dup {
			return nil, services.Newf(services.ErrPoolConfiguration, "pool %q: duplicate instance id %q", cfg.Name, inst.ID()).
				WithDetail("pool", cfg.Name).
				WithDetail("field", "id")
		}
		seen[inst.ID()] = struct{}{}
		p.instances = append(p.instances, inst)
	}

	return p, nil
}

func configurationError(name string, cause error) *services.DomainError {
	e := services.Wrapf(services.ErrPoolConfiguration, cause, "invalid pool %q", name).WithDetail("pool", name)
	if v, ok := utils.FirstViolation(cause); ok {
		e.WithDetail("field", v.Field).WithDetail("rule", v.Rule)
	} else if field, ok := services.GetErrorDetails(cause)["field"]; ok {
		e.WithDetail("field", field)
	}
	return e
}

func (p *Pool) newInstance(cfg models.InstanceConfig) *Instance {
	inst := NewInstance(cfg)
	inst.now = p.now
	inst.recoverAfter = p.recoverAfter
	return inst
}

// Name returns the pool name
func (p *Pool) Name() string { return p.name }

// Config returns the pool config as created
func (p *Pool) Config() models.PoolConfig { return p.config }

// Strategy returns the rotation strategy
func (p *Pool) Strategy() rotation.Strategy { return p.strategy }

// RegisterInstance adds an instance to the pool
func (p *Pool) RegisterInstance(cfg models.InstanceConfig) (*Instance, error) {
	if err := utils.ValidateStruct(&cfg); err != nil {
		return nil, configurationError(p.name, err)
	}

	inst := p.newInstance(cfg)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.instances {
		if existing.ID() == inst.ID() {
			return nil, services.Newf(services.ErrPoolConfiguration, "pool %q: duplicate instance id %q", p.name, inst.ID()).
				WithDetail("pool", p.name).
				WithDetail("field", "id")
		}
	}
	p.instances = append(p.instances, inst)

	p.logger.Info("instance registered",
		zap.String("pool", p.name),
		zap.String("instance_id", inst.ID()),
		zap.String("model", inst.ModelName()),
	)
	return inst, nil
}

// DeregisterInstance removes an instance; in-flight calls keep their handle
func (p *Pool) DeregisterInstance(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for idx, inst := range p.instances {
		if inst.ID() == id {
			p.instances = append(p.instances[:idx:idx], p.instances[idx+1:]...)
			p.logger.Info("instance deregistered", zap.String("pool", p.name), zap.String("instance_id", id))
			return nil
		}
	}
	return services.Newf(services.ErrInstanceNotFound, "instance %q not found in pool %q", id, p.name)
}

// Instance returns the instance with the given id
func (p *Pool) Instance(id string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, inst := range p.instances {
		if inst.ID() == id {
			return inst, true
		}
	}
	return nil, false
}

// Instances returns snapshots of every registered instance
func (p *Pool) Instances() []InstanceSnapshot {
	list := p.list()
	out := make([]InstanceSnapshot, len(list))
	for i, inst := range list {
		out[i] = inst.Snapshot()
	}
	return out
}

func (p *Pool) list() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Instance(nil), p.instances...)
}

// GetInstance selects an eligible instance and reserves capacity on it.
// The caller must release it with ReleaseInstance.
func (p *Pool) GetInstance() (*Instance, error) {
	list := p.list()
	candidates := make([]rotation.Candidate, len(list))
	for i, inst := range list {
		candidates[i] = inst
	}

	// A selected instance can fill up before TryAcquire; reselect a bounded number of times
	for attempt := 0; attempt <= len(list); attempt++ {
		idx, ok := p.strategy.Select(candidates)
		if !ok {
			break
		}
		if list[idx].TryAcquire() {
			return list[idx], nil
		}
	}

	return nil, services.Newf(services.ErrPoolExhausted, "no eligible instance in pool %q", p.name).
		WithDetail("pool", p.name)
}

// ReleaseInstance returns capacity reserved by GetInstance
func (p *Pool) ReleaseInstance(inst *Instance) {
	if inst != nil {
		inst.Release()
	}
}

// CallLLM acquires an instance, invokes client on it and releases it. The
// instance is released and a failure recorded on every error path.
func (p *Pool) CallLLM(ctx context.Context, client providers.Provider, req *providers.ChatRequest) (*CallResult, error) {
	inst, err := p.GetInstance()
	if err != nil {
		return nil, err
	}
	return p.call(ctx, inst, client, req)
}

// Complete is CallLLM with the provider resolved from the selected instance's endpoint
func (p *Pool) Complete(ctx context.Context, resolver Resolver, req *providers.ChatRequest) (*CallResult, error) {
	inst, err := p.GetInstance()
	if err != nil {
		return nil, err
	}

	client, err := resolver.Resolve(inst.Endpoint())
	if err != nil {
		inst.Release()
		return nil, services.Wrapf(services.ErrProviderUnavailable, err, "no provider for instance %q", inst.ID())
	}
	return p.call(ctx, inst, client, req)
}

func (p *Pool) call(ctx context.Context, inst *Instance, client providers.Provider, req *providers.ChatRequest) (*CallResult, error) {
	start := p.now()
	resp, err := Invoke(ctx, inst, client, req, p.config.TimeoutDuration(p.defaultTimeout))
	latency := p.now().Sub(start)

	if err != nil {
		p.logger.Warn("pool call failed",
			zap.String("pool", p.name),
			zap.String("instance_id", inst.ID()),
			zap.String("model", inst.ModelName()),
			zap.Error(err),
		)
		return nil, err
	}

	return &CallResult{
		InstanceID: inst.ID(),
		ModelName:  inst.ModelName(),
		Response:   resp,
		Latency:    latency,
	}, nil
}

// Invoke calls client on an already acquired instance under a deadline of
// timeout, records the outcome on the instance and releases it. Caller
// cancellation is returned as-is and is not counted against the instance.
func Invoke(ctx context.Context, inst *Instance, client providers.Provider, req *providers.ChatRequest, timeout time.Duration) (*providers.ChatResponse, error) {
	defer inst.Release()

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	call := req.Clone()
	call.Model = inst.ModelName()

	start := inst.now()
	resp, err := safeCall(callCtx, client, call)
	elapsed := inst.now().Sub(start)

	if err == nil {
		inst.UpdatePerformance(elapsed, true)
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	inst.UpdatePerformance(elapsed, false)

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, services.Wrapf(services.ErrProviderTimeout, err, "model %s timed out after %s", inst.ModelName(), timeout)
	}
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return nil, err
	}
	return nil, services.Wrapf(services.ErrProviderError, err, "model %s failed", inst.ModelName())
}

func safeCall(ctx context.Context, client providers.Provider, req *providers.ChatRequest) (resp *providers.ChatResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return client.ChatCompletion(ctx, req)
}

// Statistics summarises the pool
func (p *Pool) Statistics() Statistics {
	stats := Statistics{
		Name:         p.name,
		Strategy:     p.strategy.Type(),
		StatusCounts: make(map[models.InstanceStatus]int),
	}

	var healthTotal float64
	var successes int64
	for _, inst := range p.list() {
		s := inst.Snapshot()
		stats.TotalInstances++
		stats.StatusCounts[s.Status]++
		if s.Status.Serving() {
			stats.ServingInstances++
		}
		stats.TotalLoad += s.CurrentLoad
		stats.TotalCapacity += s.MaxConcurrency
		stats.TotalRequests += s.SuccessCount + s.FailureCount
		successes += s.SuccessCount
		healthTotal += s.HealthScore
	}

	if stats.TotalInstances > 0 {
		stats.AvgHealthScore = healthTotal / float64(stats.TotalInstances)
	}
	if stats.TotalCapacity > 0 {
		stats.Utilization = float64(stats.TotalLoad) / float64(stats.TotalCapacity)
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalRequests)
	}
	return stats
}
