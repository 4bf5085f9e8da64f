package models

import "time"

// RotationType names a rotation strategy variant
type RotationType string

const (
	RotationRoundRobin       RotationType = "round_robin"
	RotationWeightedRandom   RotationType = "weighted_random"
	RotationLeastConnections RotationType = "least_connections"
	RotationFastestResponse  RotationType = "fastest_response"
)

// RotationStrategyConfig selects and parameterises a rotation strategy.
// Variant-specific bounds are checked when the strategy is built.
type RotationStrategyConfig struct {
	Type         RotationType `json:"type" yaml:"type" validate:"required,oneof=round_robin weighted_random least_connections fastest_response"`
	WeightKey    string       `json:"weightKey,omitempty" yaml:"weightKey,omitempty"`
	Seed         *int64       `json:"seed,omitempty" yaml:"seed,omitempty"`
	TimeWindowMs int          `json:"timeWindowMs,omitempty" yaml:"timeWindowMs,omitempty"`
	MinSamples   int          `json:"minSamples,omitempty" yaml:"minSamples,omitempty"`
}

// Clone returns a deep copy of the strategy config
func (c RotationStrategyConfig) Clone() RotationStrategyConfig {
	if c.Seed != nil {
		seed := *c.Seed
		c.Seed = &seed
	}
	return c
}

// InstanceConfig registers one backend endpoint into a pool
type InstanceConfig struct {
	ID             string `json:"id,omitempty" yaml:"id,omitempty"`
	ModelName      string `json:"modelName" yaml:"modelName" validate:"required"`
	GroupName      string `json:"groupName,omitempty" yaml:"groupName,omitempty"`
	Echelon        string `json:"echelon,omitempty" yaml:"echelon,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency" yaml:"maxConcurrency" validate:"gt=0"`
	Weight         int    `json:"weight,omitempty" yaml:"weight,omitempty" validate:"gte=0"`
	ModelType      string `json:"modelType,omitempty" yaml:"modelType,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty" validate:"omitempty,url"`
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

// PoolConfig describes a flat instance pool. Timeout is in milliseconds;
// zero selects the service default.
type PoolConfig struct {
	Name             string                 `json:"name" yaml:"name" validate:"required"`
	Instances        []InstanceConfig       `json:"instances" yaml:"instances" validate:"dive"`
	RotationStrategy RotationStrategyConfig `json:"rotationStrategy" yaml:"rotationStrategy"`
	Timeout          int                    `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
}

// TimeoutDuration returns the configured call deadline, or fallback when unset
func (c PoolConfig) TimeoutDuration(fallback time.Duration) time.Duration {
	if c.Timeout <= 0 {
		return fallback
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// InstanceStatus is the health state of a backend instance
type InstanceStatus string

const (
	InstanceHealthy    InstanceStatus = "healthy"
	InstanceDegraded   InstanceStatus = "degraded"
	InstanceUnhealthy  InstanceStatus = "unhealthy"
	InstanceFailed     InstanceStatus = "failed"
	InstanceRecovering InstanceStatus = "recovering"
)

// Serving reports whether an instance in this state may receive traffic
func (s InstanceStatus) Serving() bool {
	switch s {
	case InstanceHealthy, InstanceDegraded, InstanceRecovering:
		return true
	}
	return false
}

// StatusWeight is the status component of an instance health score
func (s InstanceStatus) StatusWeight() float64 {
	switch s {
	case InstanceHealthy:
		return 100
	case InstanceDegraded:
		return 60
	case InstanceRecovering:
		return 40
	case InstanceUnhealthy:
		return 20
	}
	return 0
}
