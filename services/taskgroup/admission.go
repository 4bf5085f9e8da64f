package taskgroup

import (
	"sync"

	"github.com/upb/llm-echelon/services"
	"github.com/upb/llm-echelon/services/pool"
	"github.com/upb/llm-echelon/services/ratelimit"
)

// gate bounds the number of in-flight calls into an echelon
type gate struct {
	mu       sync.Mutex
	limit    int
	inFlight int
}

func (g *gate) tryEnter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.limit {
		return false
	}
	g.inFlight++
	return true
}

func (g *gate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

func (g *gate) setLimit(limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
}

func (g *gate) current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// EchelonRuntime is the mutable state a group keeps per echelon: the model
// instances, the in-flight bound and the requests-per-minute window.
type EchelonRuntime struct {
	group   string
	echelon *Echelon
	pool    *pool.Pool
	gate    *gate
	limiter *ratelimit.FixedWindow
}

// Echelon returns the echelon this runtime serves
func (r *EchelonRuntime) Echelon() *Echelon { return r.echelon }

// Pool returns the echelon's model instances
func (r *EchelonRuntime) Pool() *pool.Pool { return r.pool }

// InFlight returns the number of admitted calls not yet released
func (r *EchelonRuntime) InFlight() int { return r.gate.current() }

// RateUsage returns the current requests-per-minute window
func (r *EchelonRuntime) RateUsage() ratelimit.Usage { return r.limiter.Usage() }

// Admit reserves one call against concurrencyLimit and rpmLimit. The
// returned release func must be called once the call has finished.
func (r *EchelonRuntime) Admit() (func(), error) {
	if !r.gate.tryEnter() {
		return nil, services.Newf(services.ErrEchelonSaturated, "echelon %s.%s has %d calls in flight", r.group, r.echelon.Name(), r.echelon.config.ConcurrencyLimit).
			WithDetail("group", r.group).
			WithDetail("echelon", r.echelon.Name())
	}

	result := r.limiter.Allow()
	if !result.Allowed {
		r.gate.leave()
		return nil, services.Newf(services.ErrEchelonRateLimited, "echelon %s.%s reached %d requests per minute", r.group, r.echelon.Name(), r.echelon.config.RPMLimit).
			WithDetail("group", r.group).
			WithDetail("echelon", r.echelon.Name()).
			WithDetail("reset_at", result.ResetAt)
	}

	var once sync.Once
	return func() { once.Do(r.gate.leave) }, nil
}
