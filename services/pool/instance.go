package pool

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services/providers"
	"github.com/upb/llm-echelon/services/rotation"
)

// Consecutive failure counts that demote an instance
const (
	unhealthyAfter = 3
	failedAfter    = 5
)

// DefaultRecoveryInterval is how long an unhealthy or failed instance sits
// out before it is offered a probe call as recovering
const DefaultRecoveryInterval = 30 * time.Second

// InstanceSnapshot is a point-in-time copy of an instance
type InstanceSnapshot struct {
	InstanceID        string                `json:"instanceId"`
	ModelName         string                `json:"modelName"`
	GroupName         string                `json:"groupName,omitempty"`
	Echelon           string                `json:"echelon,omitempty"`
	Status            models.InstanceStatus `json:"status"`
	CurrentLoad       int                   `json:"currentLoad"`
	MaxConcurrency    int                   `json:"maxConcurrency"`
	TargetConcurrency int                   `json:"targetConcurrency,omitempty"`
	Weight            int                   `json:"weight"`
	AvgResponseTimeMs float64               `json:"avgResponseTimeMs"`
	SuccessCount      int64                 `json:"successCount"`
	FailureCount      int64                 `json:"failureCount"`
	SuccessRate       float64               `json:"successRate"`
	HealthScore       float64               `json:"healthScore"`
	LastSampleAt      *time.Time            `json:"lastSampleAt,omitempty"`
}

// Instance is a handle to one backend endpoint
type Instance struct {
	id        string
	modelName string
	groupName string
	echelon   string
	endpoint  providers.Endpoint

	mu                  sync.Mutex
	status              models.InstanceStatus
	currentLoad         int
	maxConcurrency      int
	weight              int
	avgResponseTimeMs   float64
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	lastSampleAt        time.Time
	demotedAt           time.Time
	recoverAfter        time.Duration

	now func() time.Time
}

// NewInstance creates a healthy instance from its config
func NewInstance(cfg models.InstanceConfig) *Instance {
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	return &Instance{
		id:        id,
		modelName: cfg.ModelName,
		groupName: cfg.GroupName,
		echelon:   cfg.Echelon,
		endpoint: providers.Endpoint{
			ModelType: cfg.ModelType,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
		},
		status:         models.InstanceHealthy,
		maxConcurrency: cfg.MaxConcurrency,
		weight:         weight,
		recoverAfter:   DefaultRecoveryInterval,
		now:            time.Now,
	}
}

// ID returns the instance id
func (i *Instance) ID() string { return i.id }

// ModelName returns the backend model name
func (i *Instance) ModelName() string { return i.modelName }

// Endpoint returns where calls for this instance are sent
func (i *Instance) Endpoint() providers.Endpoint { return i.endpoint }

// TryAcquire reserves one unit of capacity if the instance can serve
func (i *Instance) TryAcquire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.refresh()
	if !i.status.Serving() || i.currentLoad >= i.maxConcurrency {
		return false
	}
	i.currentLoad++
	return true
}

// Release returns one unit of capacity
func (i *Instance) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.currentLoad > 0 {
		i.currentLoad--
	}
}

// UpdatePerformance records the outcome of a completed call and derives
// the new status from the consecutive failure streak.
func (i *Instance) UpdatePerformance(responseTime time.Duration, success bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ms := float64(responseTime) / float64(time.Millisecond)
	samples := i.successCount + i.failureCount
	i.avgResponseTimeMs = (i.avgResponseTimeMs*float64(samples) + ms) / float64(samples+1)
	i.lastSampleAt = i.now()

	if success {
		i.successCount++
		i.consecutiveFailures = 0
		switch i.status {
		case models.InstanceUnhealthy, models.InstanceFailed:
			i.status = models.InstanceRecovering
		case models.InstanceRecovering, models.InstanceDegraded:
			i.status = models.InstanceHealthy
		}
		return
	}

	i.failureCount++
	i.consecutiveFailures++
	switch {
	case i.consecutiveFailures >= failedAfter:
		i.status = models.InstanceFailed
		i.demotedAt = i.lastSampleAt
	case i.consecutiveFailures >= unhealthyAfter:
		i.status = models.InstanceUnhealthy
		i.demotedAt = i.lastSampleAt
	case i.status == models.InstanceHealthy:
		i.status = models.InstanceDegraded
	}
}

// SetStatus overrides the health status. An operator demotion does not
// recover on its own.
func (i *Instance) SetStatus(status models.InstanceStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.status = status
	i.demotedAt = time.Time{}
	if status == models.InstanceHealthy {
		i.consecutiveFailures = 0
	}
}

// SetMaxConcurrency changes capacity. Calls already in flight above the new
// limit keep running; no new ones are admitted until the load drains below it.
func (i *Instance) SetMaxConcurrency(n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.maxConcurrency = n
}

// refresh moves an instance demoted by failures to recovering once it
// has sat out recoverAfter. Must hold mu.
func (i *Instance) refresh() {
	if i.demotedAt.IsZero() || i.recoverAfter <= 0 {
		return
	}
	if i.status != models.InstanceUnhealthy && i.status != models.InstanceFailed {
		i.demotedAt = time.Time{}
		return
	}
	if i.now().Sub(i.demotedAt) >= i.recoverAfter {
		i.status = models.InstanceRecovering
		i.demotedAt = time.Time{}
	}
}

// capacity is the reported maximum concurrency. It never drops below the
// current load, which can exceed a freshly lowered limit. Must hold mu.
func (i *Instance) capacity() int {
	if i.currentLoad > i.maxConcurrency {
		return i.currentLoad
	}
	return i.maxConcurrency
}

// must hold mu
func (i *Instance) successRate() float64 {
	total := i.successCount + i.failureCount
	if total == 0 {
		return 0
	}
	return float64(i.successCount) / float64(total)
}

// must hold mu
func (i *Instance) healthScore() float64 {
	score := i.status.StatusWeight() + i.successRate()*30
	if c := i.capacity(); c > 0 {
		score += (1 - float64(i.currentLoad)/float64(c)) * 20
	}
	score += math.Max(0, 50-i.avgResponseTimeMs/100)
	return math.Max(0, math.Min(100, score))
}

// SuccessRate returns successes over all samples, 0 without samples
func (i *Instance) SuccessRate() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.successRate()
}

// HealthScore returns the composite health score in [0, 100]
func (i *Instance) HealthScore() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.healthScore()
}

// Stats implements rotation.Candidate
func (i *Instance) Stats() rotation.Stats {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.refresh()
	return rotation.Stats{
		ID:                i.id,
		Status:            i.status,
		CurrentLoad:       i.currentLoad,
		MaxConcurrency:    i.capacity(),
		AvgResponseTimeMs: i.avgResponseTimeMs,
		SuccessCount:      i.successCount,
		Weight:            i.weight,
		HealthScore:       i.healthScore(),
		LastSampleAt:      i.lastSampleAt,
	}
}

// Snapshot returns a copy of the instance state
func (i *Instance) Snapshot() InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.refresh()
	s := InstanceSnapshot{
		InstanceID:        i.id,
		ModelName:         i.modelName,
		GroupName:         i.groupName,
		Echelon:           i.echelon,
		Status:            i.status,
		CurrentLoad:       i.currentLoad,
		MaxConcurrency:    i.capacity(),
		Weight:            i.weight,
		AvgResponseTimeMs: i.avgResponseTimeMs,
		SuccessCount:      i.successCount,
		FailureCount:      i.failureCount,
		SuccessRate:       i.successRate(),
		HealthScore:       i.healthScore(),
	}
	if i.maxConcurrency != s.MaxConcurrency {
		s.TargetConcurrency = i.maxConcurrency
	}
	if !i.lastSampleAt.IsZero() {
		t := i.lastSampleAt
		s.LastSampleAt = &t
	}
	return s
}
