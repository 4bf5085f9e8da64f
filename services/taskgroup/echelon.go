package taskgroup

import (
	"time"

	"github.com/upb/llm-echelon/models"
)

// Echelon is one immutable priority tier of equivalent models
type Echelon struct {
	name   string
	config models.EchelonConfig
}

func newEchelon(name string, cfg models.EchelonConfig) *Echelon {
	return &Echelon{name: name, config: cfg.Clone()}
}

// Name returns the echelon name
func (e *Echelon) Name() string { return e.name }

// Priority returns the priority; lower is tried first
func (e *Echelon) Priority() int { return e.config.Priority }

// Timeout returns the per-call deadline
func (e *Echelon) Timeout() time.Duration { return e.config.TimeoutDuration() }

// Models returns a copy of the model list
func (e *Echelon) Models() []string {
	return append([]string(nil), e.config.Models...)
}

// Config returns a copy of the echelon config
func (e *Echelon) Config() models.EchelonConfig { return e.config.Clone() }

// IsAvailable reports whether the echelon has any model to serve
func (e *Echelon) IsAvailable() bool { return len(e.config.Models) > 0 }

// Weight ranks echelons: higher priority and more models weigh more
func (e *Echelon) Weight() int {
	return max(0, 100-e.config.Priority*10) + min(50, len(e.config.Models)*5)
}
