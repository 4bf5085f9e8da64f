package breaker

import (
	"sync"
	"time"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services"
)

// State is the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Generation identifies the breaker period a call was admitted in. It
// changes on every state transition, so outcomes reported with an older
// generation are ignored.
type Generation uint64

// TransitionFunc is invoked after every state change, outside the breaker lock
type TransitionFunc func(from, to State)

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithTransitionHook registers a callback for state changes
func WithTransitionHook(fn TransitionFunc) Option {
	return func(cb *CircuitBreaker) {
		cb.onTransition = fn
	}
}

// Snapshot is a point-in-time copy of the breaker state
type Snapshot struct {
	State                        State                       `json:"state"`
	FailureCount                 int                         `json:"failureCount"`
	LastFailureAt                *time.Time                  `json:"lastFailureAt,omitempty"`
	ConsecutiveHalfOpenSuccesses int                         `json:"consecutiveHalfOpenSuccesses"`
	HalfOpenInFlight             int                         `json:"halfOpenInFlight"`
	Config                       models.CircuitBreakerConfig `json:"config"`
}

// CircuitBreaker is a three-state failure tracker scoped to one task group.
//
// closed: every call is admitted; failureThreshold failures open the breaker.
// open: calls are rejected until recoveryTime has elapsed since the last failure.
// half_open: up to halfOpenRequests probes are admitted; that many consecutive
// successes close the breaker, any failure reopens it.
type CircuitBreaker struct {
	mu     sync.Mutex
	config models.CircuitBreakerConfig

	state             State
	failureCount      int
	lastFailureAt     time.Time
	halfOpenSuccesses int
	halfOpenAdmitted  int
	generation        Generation

	now          func() time.Time
	onTransition TransitionFunc
}

// New creates a closed breaker. All three config bounds must be positive.
func New(cfg models.CircuitBreakerConfig, opts ...Option) (*CircuitBreaker, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	cb := &CircuitBreaker{
		config: cfg,
		state:  StateClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb, nil
}

func validateConfig(cfg models.CircuitBreakerConfig) error {
	var field string
	switch {
	case cfg.FailureThreshold <= 0:
		field = "failureThreshold"
	case cfg.RecoveryTime <= 0:
		field = "recoveryTime"
	case cfg.HalfOpenRequests <= 0:
		field = "halfOpenRequests"
	default:
		return nil
	}
	return services.Newf(services.ErrInvalidInput, "circuit breaker %s must be greater than 0", field).
		WithDetail("field", field)
}

// CanExecute reports whether a call may proceed and the generation it was
// admitted in. An admitted call must be followed by RecordSuccess,
// RecordFailure or Cancel with that generation.
func (cb *CircuitBreaker) CanExecute() (Generation, bool) {
	cb.mu.Lock()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureAt) >= cb.config.RecoveryDuration() {
			cb.setState(StateHalfOpen)
			cb.halfOpenAdmitted = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.halfOpenAdmitted < cb.config.HalfOpenRequests {
			cb.halfOpenAdmitted++
			allowed = true
		}
	}

	gen, to := cb.generation, cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return gen, allowed
}

// RecordSuccess registers a successful call admitted in gen
func (cb *CircuitBreaker) RecordSuccess(gen Generation) {
	cb.mu.Lock()
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenRequests {
			cb.setState(StateClosed)
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure registers a failed call admitted in gen
func (cb *CircuitBreaker) RecordFailure(gen Generation) {
	cb.mu.Lock()
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state
	cb.failureCount++

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Cancel returns a probe slot admitted in gen that never produced an
// outcome, e.g. because the caller went away before the backend answered.
func (cb *CircuitBreaker) Cancel(gen Generation) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen == cb.generation && cb.state == StateHalfOpen && cb.halfOpenAdmitted > 0 {
		cb.halfOpenAdmitted--
	}
}

// Generation returns the current breaker period
func (cb *CircuitBreaker) Generation() Generation {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.generation
}

// setState starts a new period; outcomes of calls admitted before it are
// dropped. Must hold mu.
func (cb *CircuitBreaker) setState(to State) {
	cb.state = to
	cb.generation++
	cb.halfOpenSuccesses = 0
	cb.halfOpenAdmitted = 0
	if to == StateClosed {
		cb.failureCount = 0
	}
}

// must hold mu
func (cb *CircuitBreaker) open() {
	cb.setState(StateOpen)
	cb.lastFailureAt = cb.now()
}

// State returns the current state without triggering the open -> half_open check
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Config returns the active configuration
func (cb *CircuitBreaker) Config() models.CircuitBreakerConfig {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.config
}

// UpdateConfig swaps thresholds while keeping the current state
func (cb *CircuitBreaker) UpdateConfig(cfg models.CircuitBreakerConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = cfg
	return nil
}

// Reset forces the breaker closed and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed)
	cb.lastFailureAt = time.Time{}
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Snapshot returns a copy of the breaker state
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Snapshot{
		State:                        cb.state,
		FailureCount:                 cb.failureCount,
		ConsecutiveHalfOpenSuccesses: cb.halfOpenSuccesses,
		HalfOpenInFlight:             cb.halfOpenAdmitted - cb.halfOpenSuccesses,
		Config:                       cb.config,
	}
	if !cb.lastFailureAt.IsZero() {
		t := cb.lastFailureAt
		s.LastFailureAt = &t
	}
	if s.HalfOpenInFlight < 0 {
		s.HalfOpenInFlight = 0
	}
	return s
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}
