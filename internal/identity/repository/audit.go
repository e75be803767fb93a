package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/pkg/database"
)

// AuditRepository appends to the security journal. The table has no UPDATE
// or DELETE paths.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends one journal record. The ID and timestamp are assigned
// here so callers can hand over partially filled events.
func (r *AuditRepository) Insert(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO audit_events (
			id, actor_id, session_id, action, resource_type, resource_id,
			details, ip_address, user_agent, success, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.ActorID, event.SessionID, event.Action,
		event.ResourceType, event.ResourceID, event.Details,
		event.IPAddress, event.UserAgent, event.Success,
		event.ErrorMessage, event.CreatedAt,
	)
	return err
}

// ListByActor returns the most recent journal entries for an actor, newest
// first.
func (r *AuditRepository) ListByActor(ctx context.Context, actorID string, limit int) ([]*domain.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, actor_id, session_id, action, resource_type, resource_id,
		       details, ip_address, user_agent, success, error_message, created_at
		FROM audit_events
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var events []*domain.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query, actorID, limit); err != nil {
		return nil, err
	}
	return events, nil
}
