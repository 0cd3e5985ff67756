// ABOUTME: Active session rows created when an authorization succeeds
// ABOUTME: Looked up by token digest; expiry is a read-time check, cleanup is housekeeping

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session doesn't exist or is expired.
var ErrSessionNotFound = errors.New("session not found")

// Session is a long-lived login held by a client.
type Session struct {
	ID             string
	UserID         string
	DeviceInfo     string
	IPAddress      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionStore defines session persistence. Only the session issuer writes here.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session, token string) error
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

const sessionColumns = `id, user_id, device_info, ip_address, created_at, expires_at, last_activity_at`

// CreateSession persists a session keyed by the digest of token.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session, token string) error {
	if token == "" {
		return errors.New("session token is required")
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}

	query := `
		INSERT INTO sessions (id, token_hash, user_id, device_info, ip_address, created_at, expires_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		s.hasher.digest(token),
		session.UserID,
		nullString(session.DeviceInfo),
		nullString(session.IPAddress),
		formatTime(session.CreatedAt),
		formatTime(session.ExpiresAt),
		formatTime(session.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "user_id", session.UserID)
	return nil
}

// GetSessionByToken retrieves a live session. Expired sessions are ErrSessionNotFound.
func (s *SQLiteStore) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = ? AND expires_at > ?`

	row := s.db.QueryRowContext(ctx, query, s.hasher.digest(token), formatTime(s.now()))
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// ListSessionsByUser returns a user's sessions, newest first, expired included.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

// TouchSession records activity. It never moves last_activity_at backwards.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`

	ts := formatTime(at)
	if _, err := s.db.ExecContext(ctx, query, ts, id, ts); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// DeleteSession removes a session. Deleting a missing session is ErrSessionNotFound.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}

	s.logger.Debug("deleted session", "id", id)
	return nil
}

// DeleteExpiredSessions removes sessions past their expiry and returns how many went.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var deviceInfo, ipAddress sql.NullString
	var createdAt, expiresAt, lastActivityAt string

	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&deviceInfo,
		&ipAddress,
		&createdAt,
		&expiresAt,
		&lastActivityAt,
	); err != nil {
		return nil, err
	}

	session.DeviceInfo = deviceInfo.String
	session.IPAddress = ipAddress.String

	var err error
	if session.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if session.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	if session.LastActivityAt, err = parseTime("last_activity_at", lastActivityAt); err != nil {
		return nil, err
	}
	return &session, nil
}
