package postgres

import (
	"context"
	"fmt"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/repositories"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RouteEventRepository implements repositories.RouteEventRepository
type RouteEventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRouteEventRepository creates a new route event repository
func NewRouteEventRepository(db *DB, logger *zap.Logger) repositories.RouteEventRepository {
	return &RouteEventRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new route event
func (r *RouteEventRepository) Insert(ctx context.Context, event *models.RouteEvent) error {
	query := `
		INSERT INTO route_events (
			id, route_id, request_id, reference, group_name, echelon, model,
			instance_id, status, attempts, latency_ms, error_code, error_message, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.RouteID,
		event.RequestID,
		event.Reference,
		event.GroupName,
		event.Echelon,
		event.Model,
		event.InstanceID,
		event.Status,
		event.Attempts,
		event.LatencyMs,
		event.ErrorCode,
		event.ErrorMessage,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert route event: %w", err)
	}

	r.logger.Debug("route event inserted",
		zap.String("route_id", event.RouteID),
		zap.String("status", string(event.Status)))
	return nil
}

// ListRecent returns the newest events first
func (r *RouteEventRepository) ListRecent(ctx context.Context, group string, limit int) ([]*models.RouteEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := `
		SELECT id, route_id, request_id, reference, group_name, echelon, model,
		       instance_id, status, attempts, latency_ms, error_code, error_message, created_at
		FROM route_events
		WHERE ($1 = '' OR group_name = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, group, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list route events: %w", err)
	}
	defer rows.Close()

	var events []*models.RouteEvent
	for rows.Next() {
		event := &models.RouteEvent{}
		err := rows.Scan(
			&event.ID,
			&event.RouteID,
			&event.RequestID,
			&event.Reference,
			&event.GroupName,
			&event.Echelon,
			&event.Model,
			&event.InstanceID,
			&event.Status,
			&event.Attempts,
			&event.LatencyMs,
			&event.ErrorCode,
			&event.ErrorMessage,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route events: %w", err)
	}

	return events, nil
}
