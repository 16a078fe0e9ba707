package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/forge-db/forge/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Open(ctx context.Context, sessionID, nodeID string, userID *string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, node_id, user_id, connected_at, last_activity)
		VALUES ($1, $2, $3, NOW(), NOW())`, sessionID, nodeID, userID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Touch(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET last_activity = NOW() WHERE id = $1`, sessionID)
	return err
}

func (r *SessionRepository) Close(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	return err
}

func (r *SessionRepository) CloseForNode(ctx context.Context, nodeID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("close sessions for node: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session
	err := r.pool.QueryRow(ctx,
		`SELECT id, node_id, user_id, connected_at, last_activity FROM sessions WHERE id = $1`, sessionID).
		Scan(&s.ID, &s.NodeID, &s.UserID, &s.ConnectedAt, &s.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}
