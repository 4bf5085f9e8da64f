package models

import "time"

// FallbackType controls how a task group degrades once its echelons are exhausted
type FallbackType string

const (
	FallbackSequential FallbackType = "sequential"
	FallbackPriority   FallbackType = "priority"
	FallbackNone       FallbackType = "none"
)

// EchelonConfig describes one priority tier of equivalent models.
// Timeout is expressed in milliseconds.
type EchelonConfig struct {
	Models           []string `json:"models" yaml:"models" validate:"required,min=1,unique,dive,required"`
	ConcurrencyLimit int      `json:"concurrencyLimit" yaml:"concurrencyLimit" validate:"gt=0"`
	RPMLimit         int      `json:"rpmLimit" yaml:"rpmLimit" validate:"gt=0"`
	Priority         int      `json:"priority" yaml:"priority" validate:"gt=0"`
	Timeout          int      `json:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxRetries       int      `json:"maxRetries" yaml:"maxRetries" validate:"gte=0"`
	Temperature      float64  `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int      `json:"maxTokens" yaml:"maxTokens" validate:"gt=0"`
	ModelType        string   `json:"modelType" yaml:"modelType" validate:"required"`
	APIKey           string   `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL          string   `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty" validate:"omitempty,url"`
	FunctionCalling  bool     `json:"functionCalling,omitempty" yaml:"functionCalling,omitempty"`
}

// TimeoutDuration returns the per-call deadline for this echelon
func (c EchelonConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// Clone returns a deep copy of the echelon config
func (c EchelonConfig) Clone() EchelonConfig {
	c.Models = append([]string(nil), c.Models...)
	return c
}

// FallbackStrategyConfig configures fallback group traversal.
// RetryDelay is expressed in milliseconds.
type FallbackStrategyConfig struct {
	Type           FallbackType `json:"type" yaml:"type" validate:"required,oneof=sequential priority none"`
	FallbackGroups []string     `json:"fallbackGroups" yaml:"fallbackGroups" validate:"dive,required"`
	MaxAttempts    int          `json:"maxAttempts" yaml:"maxAttempts" validate:"gte=1"`
	RetryDelay     int          `json:"retryDelay" yaml:"retryDelay" validate:"gte=0"`
}

// RetryDelayDuration returns the pause between fallback group attempts
func (c FallbackStrategyConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

// CircuitBreakerConfig configures the per-group breaker.
// RecoveryTime is expressed in milliseconds.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failureThreshold" yaml:"failureThreshold" validate:"gt=0"`
	RecoveryTime     int `json:"recoveryTime" yaml:"recoveryTime" validate:"gt=0"`
	HalfOpenRequests int `json:"halfOpenRequests" yaml:"halfOpenRequests" validate:"gt=0"`
}

// RecoveryDuration returns how long the breaker stays open before probing
func (c CircuitBreakerConfig) RecoveryDuration() time.Duration {
	return time.Duration(c.RecoveryTime) * time.Millisecond
}

// TaskGroupConfig is the unit of task group configuration
type TaskGroupConfig struct {
	Name             string                   `json:"name" yaml:"name" validate:"required"`
	Description      string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Echelons         map[string]EchelonConfig `json:"echelons" yaml:"echelons" validate:"required,min=1"`
	FallbackStrategy *FallbackStrategyConfig  `json:"fallbackStrategy" yaml:"fallbackStrategy" validate:"required"`
	CircuitBreaker   *CircuitBreakerConfig    `json:"circuitBreaker" yaml:"circuitBreaker" validate:"required"`
	RotationStrategy *RotationStrategyConfig  `json:"rotationStrategy,omitempty" yaml:"rotationStrategy,omitempty"`
}

// Clone returns a deep copy so callers never share mutable config
func (c TaskGroupConfig) Clone() TaskGroupConfig {
	out := c
	if c.Echelons != nil {
		out.Echelons = make(map[string]EchelonConfig, len(c.Echelons))
		for name, e := range c.Echelons {
			out.Echelons[name] = e.Clone()
		}
	}
	if c.FallbackStrategy != nil {
		fs := *c.FallbackStrategy
		fs.FallbackGroups = append([]string(nil), c.FallbackStrategy.FallbackGroups...)
		out.FallbackStrategy = &fs
	}
	if c.CircuitBreaker != nil {
		cb := *c.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	if c.RotationStrategy != nil {
		rs := c.RotationStrategy.Clone()
		out.RotationStrategy = &rs
	}
	return out
}

// TaskGroupConfigUpdate is a partial update merged over an existing config.
// Echelons are merged by key; RemoveEchelons drops keys after the merge.
type TaskGroupConfigUpdate struct {
	Description      *string                  `json:"description,omitempty"`
	Echelons         map[string]EchelonConfig `json:"echelons,omitempty"`
	RemoveEchelons   []string                 `json:"removeEchelons,omitempty"`
	FallbackStrategy *FallbackStrategyConfig  `json:"fallbackStrategy,omitempty"`
	CircuitBreaker   *CircuitBreakerConfig    `json:"circuitBreaker,omitempty"`
	RotationStrategy *RotationStrategyConfig  `json:"rotationStrategy,omitempty"`
}

// Apply merges the update over base and returns the merged copy; base is untouched
func (u TaskGroupConfigUpdate) Apply(base TaskGroupConfig) TaskGroupConfig {
	merged := base.Clone()
	if u.Description != nil {
		merged.Description = *u.Description
	}
	if len(u.Echelons) > 0 && merged.Echelons == nil {
		merged.Echelons = make(map[string]EchelonConfig, len(u.Echelons))
	}
	for name, e := range u.Echelons {
		merged.Echelons[name] = e.Clone()
	}
	for _, name := range u.RemoveEchelons {
		delete(merged.Echelons, name)
	}
	if u.FallbackStrategy != nil {
		fs := *u.FallbackStrategy
		fs.FallbackGroups = append([]string(nil), u.FallbackStrategy.FallbackGroups...)
		merged.FallbackStrategy = &fs
	}
	if u.CircuitBreaker != nil {
		cb := *u.CircuitBreaker
		merged.CircuitBreaker = &cb
	}
	if u.RotationStrategy != nil {
		rs := u.RotationStrategy.Clone()
		merged.RotationStrategy = &rs
	}
	return merged
}
