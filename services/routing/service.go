package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-echelon/internal/observability"
	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/pool"
	"github.com/upb/llm-echelon/services/providers"
	"github.com/upb/llm-echelon/services/taskgroup"
)

// Recorder receives one audit event per routed request
type Recorder interface {
	Record(event *models.RouteEvent) bool
}

// RouteResult describes a request that was served
type RouteResult struct {
	RouteID    string                  `json:"routeId"`
	Group      string                  `json:"group"`
	Echelon    string                  `json:"echelon"`
	Model      string                  `json:"model"`
	InstanceID string                  `json:"instanceId"`
	Attempts   int                     `json:"attempts"`
	Fallback   bool                    `json:"fallback"`
	Response   *providers.ChatResponse `json:"response"`
	Latency    time.Duration           `json:"latency"`
}

// Option configures a Service
type Option func(*Service)

// WithMetrics sets the metrics sink
func WithMetrics(m observability.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithRecorder sets the audit recorder
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithClock overrides the time source used for latency
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service resolves group references and executes requests across
// echelons and fallback groups
type Service struct {
	groups   *taskgroup.Manager
	resolver pool.Resolver
	logger   observability.Logger
	metrics  observability.Metrics
	recorder Recorder
	now      func() time.Time
}

// NewService creates a routing service over the task group registry
func NewService(groups *taskgroup.Manager, resolver pool.Resolver, logger observability.Logger, opts ...Option) *Service {
	s := &Service{
		groups:   groups,
		resolver: resolver,
		logger:   logger,
		metrics:  observability.NopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// route carries the per-request traversal state
type route struct {
	id       string
	req      *providers.ChatRequest
	attempts int
	visited  map[string]bool
	budget   int
	delay    time.Duration
	causes   map[string]string
}

// Route serves req through the group or "group.echelon" named by ref.
//
// Echelons are walked in ascending priority starting at the requested one.
// Every backend call first asks the group's circuit breaker; an open
// breaker ends the group immediately. Once the group is exhausted its
// fallback groups are tried depth-first, in configured order or by group
// weight for the priority strategy, bounded by the group's maxAttempts. Caller cancellation aborts the walk.
func (s *Service) Route(ctx context.Context, ref string, req *providers.ChatRequest) (*RouteResult, error) {
	start := s.now()
	r := &route{
		id:      uuid.New().String(),
		req:     req,
		visited: make(map[string]bool),
		causes:  make(map[string]string),
	}
	if r.req == nil {
		r.req = &providers.ChatRequest{}
	}

	s.logger.Debug(ctx, "routing request", zap.String("route_id", r.id), zap.String("reference", ref))

	result, err := s.route(ctx, r, ref)
	latency := s.now().Sub(start)
	s.finish(ctx, r, ref, result, err, latency)
	if err != nil {
		return nil, err
	}
	result.Latency = latency
	return result, nil
}

func (s *Service) route(ctx context.Context, r *route, ref string) (*RouteResult, error) {
	parsed, err := taskgroup.ParseReference(ref)
	if err != nil {
		return nil, err
	}

	g, err := s.groups.MustGetTaskGroup(parsed.Group)
	if err != nil {
		return nil, err
	}
	r.visited[g.Name()] = true

	result, groupErr := s.tryGroup(ctx, r, g, parsed.Echelon)
	if groupErr == nil {
		return result, nil
	}
	if isCallerDone(ctx, groupErr) || services.IsNotFoundError(groupErr) {
		return nil, groupErr
	}

	if len(g.FallbackGroups()) == 0 {
		return nil, groupErr
	}

	r.causes[g.Name()] = groupErr.Error()
	primary := g.FallbackConfig()
	r.budget = primary.MaxAttempts
	r.delay = primary.RetryDelayDuration()

	result, err = s.walkFallbacks(ctx, r, g)
	if err != nil {
		return nil, err
	}
	if result != nil {
		result.Fallback = true
		return result, nil
	}

	return nil, services.Newf(services.ErrPoolExhausted, "no route available for %q", ref).
		WithDetail("reference", ref).
		WithDetail("causes", r.causes)
}

// walkFallbacks tries the fallback groups of g depth-first. A nil result
// with a nil error means every reachable group was exhausted. Attempt
// budget and retry delay both come from the group the request started in.
func (s *Service) walkFallbacks(ctx context.Context, r *route, g *taskgroup.TaskGroup) (*RouteResult, error) {
	for _, name := range s.fallbackOrder(g) {
		if r.budget <= 0 {
			return nil, nil
		}
		if r.visited[name] {
			continue
		}
		r.visited[name] = true
		r.budget--

		if err := sleep(ctx, r.delay); err != nil {
			return nil, err
		}

		next := s.groups.GetTaskGroup(name)
		if next == nil {
			r.causes[name] = fmt.Sprintf("task group %q not found", name)
			continue
		}

		s.logger.Info(ctx, "trying fallback group",
			zap.String("route_id", r.id),
			zap.String("group", g.Name()),
			zap.String("fallback_group", name),
		)

		result, err := s.tryGroup(ctx, r, next, "")
		if err == nil {
			return result, nil
		}
		if isCallerDone(ctx, err) {
			return nil, err
		}
		r.causes[name] = err.Error()

		result, err = s.walkFallbacks(ctx, r, next)
		if err != nil || result != nil {
			return result, err
		}
	}
	return nil, nil
}

// fallbackOrder lists the fallback groups of g in the order they are
// tried. Sequential keeps the configured order; priority sorts by group
// weight, highest first, keeping configured order on ties. Unknown groups
// go last.
func (s *Service) fallbackOrder(g *taskgroup.TaskGroup) []string {
	names := g.FallbackGroups()
	if g.FallbackConfig().Type != models.FallbackPriority {
		return names
	}

	weights := make(map[string]int, len(names))
	for _, name := range names {
		weights[name] = -1
		if fg := s.groups.GetTaskGroup(name); fg != nil {
			weights[name] = fg.Weight()
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		return weights[names[i]] > weights[names[j]]
	})
	return names
}

// tryGroup walks the echelons of g from start. It returns ErrCircuitOpen
// as soon as the breaker refuses a call and ErrPoolExhausted once every
// echelon is spent.
func (s *Service) tryGroup(ctx context.Context, r *route, g *taskgroup.TaskGroup, start string) (*RouteResult, error) {
	echelons, err := g.EchelonsFrom(start)
	if err != nil {
		return nil, err
	}
	cb := g.CircuitBreaker()

	var lastErr error
	for _, e := range echelons {
		rt, ok := g.Runtime(e.Name())
		if !ok {
			continue
		}
		cfg := e.Config()

	retries:
		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			gen, ok := cb.CanExecute()
			if !ok {
				s.logger.Warn(ctx, "circuit open, skipping group",
					zap.String("route_id", r.id),
					zap.String("group", g.Name()),
				)
				return nil, services.Newf(services.ErrCircuitOpen, "circuit breaker for task group %q is open", g.Name()).
					WithDetail("group", g.Name())
			}

			result, err := s.call(ctx, r, g, e, rt, cfg)
			switch {
			case err == nil:
				cb.RecordSuccess(gen)
				return result, nil
			case isCallerDone(ctx, err):
				cb.Cancel(gen)
				return nil, err
			case errors.Is(err, errNotAttempted):
				cb.Cancel(gen)
				lastErr = errors.Unwrap(err)
				break retries
			}

			cb.RecordFailure(gen)
			lastErr = err
			s.logger.Warn(ctx, "backend call failed",
				zap.String("route_id", r.id),
				zap.String("group", g.Name()),
				zap.String("echelon", e.Name()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}

	e := services.Newf(services.ErrPoolExhausted, "task group %q has no route available", g.Name()).
		WithDetail("group", g.Name())
	if lastErr != nil {
		e.Err = lastErr
		e.WithDetail("last_error", lastErr.Error())
	}
	return nil, e
}

// errNotAttempted marks a call that never reached a backend; the echelon
// is skipped without counting a failure
var errNotAttempted = errors.New("not attempted")

type notAttempted struct{ cause error }

func (n notAttempted) Error() string        { return n.cause.Error() }
func (n notAttempted) Unwrap() error        { return n.cause }
func (n notAttempted) Is(target error) bool { return target == errNotAttempted }

func (s *Service) call(ctx context.Context, r *route, g *taskgroup.TaskGroup, e *taskgroup.Echelon, rt *taskgroup.EchelonRuntime, cfg models.EchelonConfig) (*RouteResult, error) {
	// rpm is charged only once a backend call is certain
	inst, err := rt.Pool().GetInstance()
	if err != nil {
		return nil, notAttempted{err}
	}

	client, err := s.resolver.Resolve(inst.Endpoint())
	if err != nil {
		inst.Release()
		return nil, notAttempted{services.Wrapf(services.ErrProviderUnavailable, err, "no provider for model type %q", cfg.ModelType)}
	}

	release, err := rt.Admit()
	if err != nil {
		inst.Release()
		return nil, notAttempted{err}
	}
	defer release()

	req := r.req.Clone()
	req.Temperature = cfg.Temperature
	req.MaxTokens = cfg.MaxTokens

	r.attempts++
	resp, err := pool.Invoke(ctx, inst, client, req, e.Timeout())
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "request routed",
		zap.String("route_id", r.id),
		zap.String("group", g.Name()),
		zap.String("echelon", e.Name()),
		zap.String("model", inst.ModelName()),
		zap.String("instance_id", inst.ID()),
	)
	return &RouteResult{
		RouteID:    r.id,
		Group:      g.Name(),
		Echelon:    e.Name(),
		Model:      inst.ModelName(),
		InstanceID: inst.ID(),
		Attempts:   r.attempts,
		Response:   resp,
	}, nil
}

func isCallerDone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) finish(ctx context.Context, r *route, ref string, result *RouteResult, err error, latency time.Duration) {
	event := models.NewRouteEvent(r.id, ref)
	event.RequestID = chimiddleware.GetReqID(ctx)
	labels := observability.RouteLabels{Group: ref}
	if parsed, ok := taskgroup.ParseGroupReference(ref); ok {
		labels.Group = parsed.Group
	}

	if err == nil {
		event.MarkSucceeded(result.Group, result.Echelon, result.Model, result.InstanceID, r.attempts, latency)
		labels = observability.RouteLabels{
			Group:   result.Group,
			Echelon: result.Echelon,
			Model:   result.Model,
			Status:  string(models.RouteStatusSucceeded),
		}
	} else {
		code := services.GetErrorCode(err)
		if code == "" {
			code = "canceled"
			if !isCallerDone(ctx, err) {
				code = "internal"
			}
		}
		event.GroupName = labels.Group
		event.MarkFailed(code, err.Error(), r.attempts, latency, r.attempts == 0)
		labels.Status = string(event.Status)

		s.logger.Warn(ctx, "route failed",
			zap.String("route_id", r.id),
			zap.String("reference", ref),
			zap.Int("attempts", r.attempts),
			zap.Error(err),
		)
	}

	s.metrics.RecordRoute(ctx, labels, latency, r.attempts)
	if s.recorder != nil {
		s.recorder.Record(event)
	}
}
