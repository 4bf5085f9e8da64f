package taskgroup

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/llm-echelon/services/breaker"
)

// HealthProbe runs an extra check against one group during GlobalHealthCheck
type HealthProbe func(ctx context.Context, group *TaskGroup) error

// GroupHealth is the health entry of one task group
type GroupHealth struct {
	Healthy        bool          `json:"healthy"`
	ActiveEchelons int           `json:"activeEchelons"`
	TotalEchelons  int           `json:"totalEchelons"`
	CircuitState   breaker.State `json:"circuitState,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
}

// HealthReport is the result of a global health check
type HealthReport struct {
	Healthy       bool                   `json:"healthy"`
	TotalGroups   int                    `json:"totalGroups"`
	HealthyGroups int                    `json:"healthyGroups"`
	Groups        map[string]GroupHealth `json:"groups"`
	CheckedAt     time.Time              `json:"checkedAt"`
}

// checkGroup never panics; a failure while computing health is reported
// in the entry itself
func checkGroup(ctx context.Context, g *TaskGroup, probe HealthProbe) (h GroupHealth) {
	defer func() {
		if r := recover(); r != nil {
			h.Healthy = false
			h.Errors = append(h.Errors, fmt.Sprintf("health check panicked: %v", r))
		}
	}()

	h.TotalEchelons = len(g.order)
	h.ActiveEchelons = g.ActiveEchelons()
	h.CircuitState = g.breaker.State()
	h.Healthy = h.ActiveEchelons > 0
	if !h.Healthy {
		h.Errors = append(h.Errors, "no available echelons")
	}

	if probe != nil {
		if err := probe(ctx, g); err != nil {
			h.Healthy = false
			h.Errors = append(h.Errors, err.Error())
		}
	}
	return h
}
