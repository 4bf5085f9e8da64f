package rotation

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
)

// MaxSeed is the largest accepted weighted_random seed (2^53 - 1)
const MaxSeed int64 = 1<<53 - 1

// Weight keys accepted by weighted_random
const (
	WeightKeyWeight         = "weight"
	WeightKeyHealthScore    = "health_score"
	WeightKeyMaxConcurrency = "max_concurrency"
)

// Stats is the view of an instance a strategy selects on
type Stats struct {
	ID                string
	Status            models.InstanceStatus
	CurrentLoad       int
	MaxConcurrency    int
	AvgResponseTimeMs float64
	SuccessCount      int64
	Weight            int
	HealthScore       float64
	LastSampleAt      time.Time
}

// Eligible reports whether the instance can take another request
func (s Stats) Eligible() bool {
	return s.Status.Serving() && s.CurrentLoad < s.MaxConcurrency
}

// Candidate is anything a strategy can select
type Candidate interface {
	Stats() Stats
}

// Strategy picks one eligible candidate. Select returns the index into the
// input slice, or false when no candidate is eligible.
type Strategy interface {
	Type() models.RotationType
	Select(candidates []Candidate) (int, bool)
}

// Option configures strategy construction
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used by fastest_response
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New validates cfg and builds the matching strategy
func New(cfg models.RotationStrategyConfig, opts ...Option) (Strategy, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Type {
	case models.RotationRoundRobin:
		return &RoundRobin{}, nil
	case models.RotationLeastConnections:
		return LeastConnections{}, nil
	case models.RotationWeightedRandom:
		w, err := newWeightedRandom(cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	case models.RotationFastestResponse:
		f, err := newFastestResponse(cfg, o.now)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "":
		return nil, invalid("type", "rotation strategy type is required")
	default:
		return nil, invalid("type", "unknown rotation strategy %q", cfg.Type)
	}
}

// Default returns the strategy used when none is configured
func Default() Strategy {
	return &RoundRobin{}
}

func invalid(field, format string, args ...interface{}) error {
	return services.Newf(services.ErrInvalidInput, format, args...).
		WithDetail("field", field)
}

func eligibleIndexes(candidates []Candidate) ([]int, []Stats) {
	idx := make([]int, 0, len(candidates))
	stats := make([]Stats, 0, len(candidates))
	for i, c := range candidates {
		s := c.Stats()
		if s.Eligible() {
			idx = append(idx, i)
			stats = append(stats, s)
		}
	}
	return idx, stats
}

// RoundRobin cycles through the eligible set in input order
type RoundRobin struct {
	mu     sync.Mutex
	cursor uint64
}

// Type implements Strategy
func (r *RoundRobin) Type() models.RotationType { return models.RotationRoundRobin }

// Select implements Strategy
func (r *RoundRobin) Select(candidates []Candidate) (int, bool) {
	idx, _ := eligibleIndexes(candidates)
	if len(idx) == 0 {
		return 0, false
	}

	r.mu.Lock()
	pick := idx[r.cursor%uint64(len(idx))]
	r.cursor++
	r.mu.Unlock()

	return pick, true
}

// LeastConnections picks the lowest current load, first occurrence on ties
type LeastConnections struct{}

// Type implements Strategy
func (LeastConnections) Type() models.RotationType { return models.RotationLeastConnections }

// Select implements Strategy
func (LeastConnections) Select(candidates []Candidate) (int, bool) {
	idx, stats := eligibleIndexes(candidates)
	if len(idx) == 0 {
		return 0, false
	}

	best := 0
	for i := 1; i < len(stats); i++ {
		if stats[i].CurrentLoad < stats[best].CurrentLoad {
			best = i
		}
	}
	return idx[best], true
}

// WeightedRandom draws proportionally to a per-instance weight
type WeightedRandom struct {
	weightKey string

	mu  sync.Mutex
	rng *rand.Rand
}

func newWeightedRandom(cfg models.RotationStrategyConfig) (*WeightedRandom, error) {
	key := cfg.WeightKey
	switch key {
	case "":
		key = WeightKeyWeight
	case WeightKeyWeight, WeightKeyHealthScore, WeightKeyMaxConcurrency:
	default:
		return nil, invalid("weightKey", "unknown weight key %q", cfg.WeightKey)
	}

	seed := time.Now().UnixNano()
	if cfg.Seed != nil {
		if *cfg.Seed < 0 || *cfg.Seed > MaxSeed {
			return nil, invalid("seed", "seed must be between 0 and %d", MaxSeed)
		}
		seed = *cfg.Seed
	}

	return &WeightedRandom{
		weightKey: key,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Type implements Strategy
func (w *WeightedRandom) Type() models.RotationType { return models.RotationWeightedRandom }

// WeightKey returns the attribute weights are read from
func (w *WeightedRandom) WeightKey() string { return w.weightKey }

func (w *WeightedRandom) weightOf(s Stats) int64 {
	var v int64
	switch w.weightKey {
	case WeightKeyHealthScore:
		v = int64(math.Round(s.HealthScore))
	case WeightKeyMaxConcurrency:
		v = int64(s.MaxConcurrency)
	default:
		v = int64(s.Weight)
	}
	if v < 1 {
		return 1
	}
	return v
}

// Select implements Strategy
func (w *WeightedRandom) Select(candidates []Candidate) (int, bool) {
	idx, stats := eligibleIndexes(candidates)
	if len(idx) == 0 {
		return 0, false
	}

	weights := make([]int64, len(stats))
	var total int64
	for i, s := range stats {
		weights[i] = w.weightOf(s)
		total += weights[i]
	}

	w.mu.Lock()
	r := w.rng.Int63n(total)
	w.mu.Unlock()

	for i, weight := range weights {
		if r < weight {
			return idx[i], true
		}
		r -= weight
	}
	return idx[len(idx)-1], true
}

// FastestResponse prefers the lowest mean latency among instances with
// enough recent samples.
type FastestResponse struct {
	window     time.Duration
	minSamples int64
	now        func() time.Time
}

func newFastestResponse(cfg models.RotationStrategyConfig, now func() time.Time) (*FastestResponse, error) {
	if cfg.TimeWindowMs <= 0 {
		return nil, invalid("timeWindowMs", "timeWindowMs must be greater than 0")
	}
	if cfg.MinSamples < 1 {
		return nil, invalid("minSamples", "minSamples must be at least 1")
	}
	return &FastestResponse{
		window:     time.Duration(cfg.TimeWindowMs) * time.Millisecond,
		minSamples: int64(cfg.MinSamples),
		now:        now,
	}, nil
}

// Type implements Strategy
func (f *FastestResponse) Type() models.RotationType { return models.RotationFastestResponse }

// Select implements Strategy
func (f *FastestResponse) Select(candidates []Candidate) (int, bool) {
	idx, stats := eligibleIndexes(candidates)
	if len(idx) == 0 {
		return 0, false
	}

	cutoff := f.now().Add(-f.window)
	qualified := make([]int, 0, len(stats))
	for i, s := range stats {
		if s.SuccessCount >= f.minSamples && !s.LastSampleAt.Before(cutoff) {
			qualified = append(qualified, i)
		}
	}
	if len(qualified) == 0 {
		qualified = make([]int, len(stats))
		for i := range stats {
			qualified[i] = i
		}
	}

	best := qualified[0]
	for _, i := range qualified[1:] {
		if stats[i].AvgResponseTimeMs < stats[best].AvgResponseTimeMs {
			best = i
		}
	}
	return idx[best], true
}
