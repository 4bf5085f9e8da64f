package repositories

import (
	"context"

	"github.com/upb/llm-echelon/models"
)

// RouteEventRepository persists the audit trail of routed requests
type RouteEventRepository interface {
	// Insert inserts a new route event
	Insert(ctx context.Context, event *models.RouteEvent) error

	// ListRecent returns the newest events first. An empty group matches
	// every group.
	ListRecent(ctx context.Context, group string, limit int) ([]*models.RouteEvent, error)
}
