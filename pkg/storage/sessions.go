package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/easycicd/easycicd/pkg/types"
)

func (s *SQLiteStore) CreateSession(ctx context.Context, session *types.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (token, user_id, expires_at, created_at)
		VALUES (:token, :user_id, :expires_at, :created_at)`, session)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession returns the session only while it is still valid.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*types.Session, error) {
	var session types.Session
	err := s.db.GetContext(ctx, &session,
		`SELECT * FROM sessions WHERE token = ? AND expires_at > ?`,
		token, time.Now().UTC())
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// DeleteExpiredSessions removes sessions past their expiry and reports how
// many were swept.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
