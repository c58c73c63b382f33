package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles moderation_audit.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores e. Re-delivered entries (same id) are ignored so worker
// retries stay idempotent.
func (r *Repository) Insert(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO moderation_audit (id, action, session_id, actor_id, target_id, detail, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Action), e.SessionID, e.ActorID, e.TargetID, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListBySession returns the most recent entries for a session, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, action, session_id, COALESCE(actor_id, ''), COALESCE(target_id, ''), COALESCE(detail, ''), created_at
		 FROM moderation_audit WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &action, &e.SessionID, &e.ActorID, &e.TargetID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		list = append(list, e)
	}
	return list, rows.Err()
}
