package taskgroup

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/breaker"
	"github.com/upb/llm-echelon/services/pool"
	"github.com/upb/llm-echelon/services/ratelimit"
	"github.com/upb/llm-echelon/services/rotation"
	"github.com/upb/llm-echelon/utils"
)

// Option configures task group construction
type Option func(*settings)

type settings struct {
	now   func() time.Time
	hooks []func(group string, from, to breaker.State)
}

// WithClock overrides the time source for breakers, limiters and instances
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithBreakerHook observes circuit breaker transitions of every group.
// Hooks accumulate.
func WithBreakerHook(fn func(group string, from, to breaker.State)) Option {
	return func(s *settings) {
		s.hooks = append(s.hooks, fn)
	}
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// TaskGroup is a validated, immutable bundle of echelons with fallback and
// circuit breaker policy. Updates produce a new TaskGroup that shares the
// breaker and the runtime state of surviving echelons.
type TaskGroup struct {
	name     string
	config   models.TaskGroupConfig
	echelons map[string]*Echelon
	order    []*Echelon
	runtimes map[string]*EchelonRuntime
	breaker  *breaker.CircuitBreaker
	settings settings
	logger   *zap.Logger
}

// ValidateConfig checks every bound of cfg. The first violation is
// reported as ErrTaskGroupConfiguration naming the echelon and field.
func ValidateConfig(cfg models.TaskGroupConfig) error {
	if err := utils.ValidateStruct(&cfg); err != nil {
		return configurationError(cfg.Name, "", err)
	}

	// "." separates group and echelon in references
	if strings.Contains(cfg.Name, ".") {
		return services.Newf(services.ErrTaskGroupConfiguration, "task group name %q must not contain '.'", cfg.Name).
			WithDetail("group", cfg.Name).
			WithDetail("field", "name").
			WithDetail("rule", "no_dot")
	}

	names := make([]string, 0, len(cfg.Echelons))
	for name := range cfg.Echelons {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "" {
			return services.Newf(services.ErrTaskGroupConfiguration, "task group %q: echelon name is required", cfg.Name).
				WithDetail("group", cfg.Name).
				WithDetail("echelon", name).
				WithDetail("field", "name").
				WithDetail("rule", "required")
		}
		if strings.Contains(name, ".") {
			return services.Newf(services.ErrTaskGroupConfiguration, "task group %q: echelon name %q must not contain '.'", cfg.Name, name).
				WithDetail("group", cfg.Name).
				WithDetail("echelon", name).
				WithDetail("field", "name").
				WithDetail("rule", "no_dot")
		}
		echelon := cfg.Echelons[name]
		if err := utils.ValidateStruct(&echelon); err != nil {
			return configurationError(cfg.Name, name, err)
		}
	}

	for _, fallback := range cfg.FallbackStrategy.FallbackGroups {
		if fallback == cfg.Name {
			return services.Newf(services.ErrTaskGroupConfiguration, "task group %q lists itself as a fallback group", cfg.Name).
				WithDetail("group", cfg.Name).
				WithDetail("field", "fallbackGroups").
				WithDetail("rule", "self_reference")
		}
	}

	if cfg.RotationStrategy != nil {
		if _, err := rotation.New(*cfg.RotationStrategy); err != nil {
			e := services.Wrapf(services.ErrTaskGroupConfiguration, err, "task group %q: invalid rotation strategy", cfg.Name).
				WithDetail("group", cfg.Name).
				WithDetail("rule", "rotation")
			if field, ok := services.GetErrorDetails(err)["field"]; ok {
				e.WithDetail("field", field)
			}
			return e
		}
	}

	return nil
}

func configurationError(group, echelon string, cause error) *services.DomainError {
	var e *services.DomainError
	if echelon != "" {
		e = services.Wrapf(services.ErrTaskGroupConfiguration, cause, "task group %q echelon %q is invalid", group, echelon).
			WithDetail("echelon", echelon)
	} else {
		e = services.Wrapf(services.ErrTaskGroupConfiguration, cause, "task group %q is invalid", group)
	}
	e.WithDetail("group", group)
	if v, ok := utils.FirstViolation(cause); ok {
		e.WithDetail("field", v.Field).WithDetail("rule", v.Rule)
		e.Message = fmt.Sprintf("%s: %s", e.Message, v.Message)
	}
	return e
}

// New validates cfg and builds a task group with a fresh circuit breaker
func New(cfg models.TaskGroupConfig, logger *zap.Logger, opts ...Option) (*TaskGroup, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	s := newSettings(opts)

	breakerOpts := []breaker.Option{breaker.WithClock(s.now)}
	if len(s.hooks) > 0 {
		name := cfg.Name
		hooks := s.hooks
		breakerOpts = append(breakerOpts, breaker.WithTransitionHook(func(from, to breaker.State) {
			for _, hook := range hooks {
				hook(name, from, to)
			}
		}))
	}
	cb, err := breaker.New(*cfg.CircuitBreaker, breakerOpts...)
	if err != nil {
		return nil, services.Wrapf(services.ErrTaskGroupConfiguration, err, "task group %q: invalid circuit breaker", cfg.Name).
			WithDetail("group", cfg.Name)
	}

	return build(cfg.Clone(), cb, nil, s, logger)
}

// build assembles the group; runtimes from prev are reused for echelons
// that survive with a compatible shape
func build(cfg models.TaskGroupConfig, cb *breaker.CircuitBreaker, prev *TaskGroup, s settings, logger *zap.Logger) (*TaskGroup, error) {
	g := &TaskGroup{
		name:     cfg.Name,
		config:   cfg,
		echelons: make(map[string]*Echelon, len(cfg.Echelons)),
		runtimes: make(map[string]*EchelonRuntime, len(cfg.Echelons)),
		breaker:  cb,
		settings: s,
		logger:   logger,
	}

	for name, ec := range cfg.Echelons {
		e := newEchelon(name, ec)
		g.echelons[name] = e
		g.order = append(g.order, e)

		var old *EchelonRuntime
		if prev != nil {
			old = prev.runtimes[name]
		}
		rt, err := g.newRuntime(e, old)
		if err != nil {
			return nil, err
		}
		g.runtimes[name] = rt
	}

	sort.Slice(g.order, func(i, j int) bool {
		if g.order[i].Priority() != g.order[j].Priority() {
			return g.order[i].Priority() < g.order[j].Priority()
		}
		return g.order[i].Name() < g.order[j].Name()
	})

	return g, nil
}

func (g *TaskGroup) rotationConfig() models.RotationStrategyConfig {
	if g.config.RotationStrategy == nil {
		return models.RotationStrategyConfig{Type: models.RotationRoundRobin}
	}
	return g.config.RotationStrategy.Clone()
}

func (g *TaskGroup) newRuntime(e *Echelon, old *EchelonRuntime) (*EchelonRuntime, error) {
	cfg := e.config
	if old != nil && samePoolShape(old, e, g.rotationConfig()) {
		return &EchelonRuntime{
			group:   g.name,
			echelon: e,
			pool:    old.pool,
			gate:    old.gate,
			limiter: old.limiter,
		}, nil
	}

	instances := make([]models.InstanceConfig, len(cfg.Models))
	for i, model := range cfg.Models {
		instances[i] = models.InstanceConfig{
			ID:             fmt.Sprintf("%s.%s/%s", g.name, e.Name(), model),
			ModelName:      model,
			GroupName:      g.name,
			Echelon:        e.Name(),
			MaxConcurrency: cfg.ConcurrencyLimit,
			ModelType:      cfg.ModelType,
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
		}
	}

	p, err := pool.NewPool(models.PoolConfig{
		Name:             g.name + "." + e.Name(),
		Instances:        instances,
		RotationStrategy: g.rotationConfig(),
		Timeout:          cfg.Timeout,
	}, g.logger, pool.WithClock(g.settings.now), pool.WithRecoveryInterval(g.config.CircuitBreaker.RecoveryDuration()))
	if err != nil {
		return nil, services.Wrapf(services.ErrTaskGroupConfiguration, err, "task group %q echelon %q: cannot build instances", g.name, e.Name()).
			WithDetail("group", g.name).
			WithDetail("echelon", e.Name())
	}

	rt := &EchelonRuntime{
		group:   g.name,
		echelon: e,
		pool:    p,
		gate:    &gate{limit: cfg.ConcurrencyLimit},
		limiter: ratelimit.NewFixedWindow(cfg.RPMLimit, ratelimit.WithClock(g.settings.now)),
	}
	if old != nil {
		// in-flight and per-minute accounting outlive a model change
		rt.gate = old.gate
		rt.limiter = old.limiter
	}
	return rt, nil
}

// applyLimits pushes echelon limits into runtime state shared with the
// previous generation of the group
func (g *TaskGroup) applyLimits() {
	for name, rt := range g.runtimes {
		cfg := g.echelons[name].config
		rt.gate.setLimit(cfg.ConcurrencyLimit)
		rt.limiter.SetLimit(cfg.RPMLimit)
		for _, snap := range rt.pool.Instances() {
			if inst, ok := rt.pool.Instance(snap.InstanceID); ok {
				inst.SetMaxConcurrency(cfg.ConcurrencyLimit)
			}
		}
	}
}

func samePoolShape(old *EchelonRuntime, e *Echelon, rotationCfg models.RotationStrategyConfig) bool {
	prev := old.echelon.config
	next := e.config
	return reflect.DeepEqual(prev.Models, next.Models) &&
		prev.ModelType == next.ModelType &&
		prev.BaseURL == next.BaseURL &&
		prev.APIKey == next.APIKey &&
		reflect.DeepEqual(old.pool.Config().RotationStrategy, rotationCfg)
}

// Name returns the group name
func (g *TaskGroup) Name() string { return g.name }

// Description returns the group description
func (g *TaskGroup) Description() string { return g.config.Description }

// Config returns a copy of the group config
func (g *TaskGroup) Config() models.TaskGroupConfig { return g.config.Clone() }

// CircuitBreaker returns the breaker bound to this group
func (g *TaskGroup) CircuitBreaker() *breaker.CircuitBreaker { return g.breaker }

// Echelons returns the echelons in traversal order
func (g *TaskGroup) Echelons() []*Echelon {
	return append([]*Echelon(nil), g.order...)
}

// Echelon returns the named echelon
func (g *TaskGroup) Echelon(name string) (*Echelon, bool) {
	e, ok := g.echelons[name]
	return e, ok
}

// Runtime returns the runtime state of the named echelon
func (g *TaskGroup) Runtime(name string) (*EchelonRuntime, bool) {
	rt, ok := g.runtimes[name]
	return rt, ok
}

// EchelonsFrom returns the echelons to walk for a request that starts at
// start, in ascending priority. An empty start walks every echelon.
func (g *TaskGroup) EchelonsFrom(start string) ([]*Echelon, error) {
	if start == "" {
		return g.Echelons(), nil
	}
	for i, e := range g.order {
		if e.Name() == start {
			return append([]*Echelon(nil), g.order[i:]...), nil
		}
	}
	return nil, g.echelonNotFound(start)
}

func (g *TaskGroup) echelonNotFound(name string) error {
	return services.Newf(services.ErrEchelonNotFound, "echelon %q not found in task group %q", name, g.name).
		WithDetail("group", g.name).
		WithDetail("echelon", name)
}

// ModelsForEchelon returns the models of the named echelon
func (g *TaskGroup) ModelsForEchelon(name string) ([]string, error) {
	e, ok := g.echelons[name]
	if !ok {
		return nil, g.echelonNotFound(name)
	}
	return e.Models(), nil
}

// AvailableModels returns the union of models across echelons in traversal order
func (g *TaskGroup) AvailableModels() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range g.order {
		for _, m := range e.config.Models {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// FallbackConfig returns a copy of the fallback strategy
func (g *TaskGroup) FallbackConfig() models.FallbackStrategyConfig {
	fs := *g.config.FallbackStrategy
	fs.FallbackGroups = append([]string(nil), fs.FallbackGroups...)
	return fs
}

// FallbackGroups returns the configured fallback groups, or none when the
// strategy type is none
func (g *TaskGroup) FallbackGroups() []string {
	if g.config.FallbackStrategy.Type == models.FallbackNone {
		return nil
	}
	return append([]string(nil), g.config.FallbackStrategy.FallbackGroups...)
}

// Weight is the highest weight among the group's echelons. Priority
// fallback orders candidate groups by it.
func (g *TaskGroup) Weight() int {
	best := 0
	for _, e := range g.order {
		if w := e.Weight(); w > best {
			best = w
		}
	}
	return best
}

// ActiveEchelons counts echelons able to serve
func (g *TaskGroup) ActiveEchelons() int {
	n := 0
	for _, e := range g.order {
		if e.IsAvailable() {
			n++
		}
	}
	return n
}

// UpdateConfig merges update over the current config, re-validates and
// returns the new group. The receiver is left untouched on error.
func (g *TaskGroup) UpdateConfig(update models.TaskGroupConfigUpdate) (*TaskGroup, error) {
	merged := update.Apply(g.config)
	if err := ValidateConfig(merged); err != nil {
		return nil, err
	}

	next, err := build(merged, g.breaker, g, g.settings, g.logger)
	if err != nil {
		return nil, err
	}
	if err := g.breaker.UpdateConfig(*merged.CircuitBreaker); err != nil {
		return nil, services.Wrapf(services.ErrTaskGroupConfiguration, err, "task group %q: invalid circuit breaker", g.name).
			WithDetail("group", g.name)
	}
	next.applyLimits()
	return next, nil
}
