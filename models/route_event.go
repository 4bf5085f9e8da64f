package models

import (
	"time"

	"github.com/google/uuid"
)

// RouteStatus represents the outcome of a routed request
type RouteStatus string

const (
	RouteStatusSucceeded RouteStatus = "succeeded"
	RouteStatusFailed    RouteStatus = "failed"
	RouteStatusRejected  RouteStatus = "rejected" // fail-fast, no backend call made
)

// RouteEvent is the audit record written for every routed request
type RouteEvent struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	RouteID      string      `json:"route_id" db:"route_id"`
	RequestID    string      `json:"request_id" db:"request_id"`
	Reference    string      `json:"reference" db:"reference"`
	GroupName    string      `json:"group_name" db:"group_name"`
	Echelon      string      `json:"echelon" db:"echelon"`
	Model        string      `json:"model" db:"model"`
	InstanceID   string      `json:"instance_id" db:"instance_id"`
	Status       RouteStatus `json:"status" db:"status"`
	Attempts     int         `json:"attempts" db:"attempts"`
	LatencyMs    int         `json:"latency_ms" db:"latency_ms"`
	ErrorCode    *string     `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage *string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the RouteEvent model
func (RouteEvent) TableName() string {
	return "route_events"
}

// NewRouteEvent creates a new RouteEvent for the given route
func NewRouteEvent(routeID, reference string) *RouteEvent {
	return &RouteEvent{
		ID:        uuid.New(),
		RouteID:   routeID,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkSucceeded records a successful route
func (e *RouteEvent) MarkSucceeded(group, echelon, model, instanceID string, attempts int, latency time.Duration) {
	e.Status = RouteStatusSucceeded
	e.GroupName = group
	e.Echelon = echelon
	e.Model = model
	e.InstanceID = instanceID
	e.Attempts = attempts
	e.LatencyMs = int(latency.Milliseconds())
}

// MarkFailed records a route that ended in error. Rejected marks a
// fail-fast outcome where no backend call was made.
func (e *RouteEvent) MarkFailed(code, message string, attempts int, latency time.Duration, rejected bool) {
	e.Status = RouteStatusFailed
	if rejected {
		e.Status = RouteStatusRejected
	}
	e.ErrorCode = &code
	e.ErrorMessage = &message
	e.Attempts = attempts
	e.LatencyMs = int(latency.Milliseconds())
}
