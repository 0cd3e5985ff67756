// ABOUTME: Single-use, expiring service tokens handed to third-party services
// ABOUTME: Consume is one conditional UPDATE so concurrent redeemers race in the database, not in Go

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTokenNotFound is returned when no service token matches.
var ErrTokenNotFound = errors.New("service token not found")

// ErrTokenExpired is returned when a service token is past its expiry.
var ErrTokenExpired = errors.New("service token expired")

// ErrTokenUsed is returned when a service token was already redeemed.
var ErrTokenUsed = errors.New("service token already used")

// ServiceToken is a one-time credential bound to a user and a target scope.
// The clear token is only ever returned by IssueServiceToken.
type ServiceToken struct {
	ID        string
	UserID    string
	ScopeID   string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// ServiceTokenStore defines one-time token persistence.
type ServiceTokenStore interface {
	IssueServiceToken(ctx context.Context, userID, scopeID string, ttl time.Duration) (*ServiceToken, string, error)
	ConsumeServiceToken(ctx context.Context, token string) (*ServiceToken, error)
	GetServiceToken(ctx context.Context, token string) (*ServiceToken, error)
	DeleteExpiredServiceTokens(ctx context.Context, before time.Time) (int64, error)
}

const serviceTokenColumns = `id, user_id, scope_id, created_at, expires_at, used_at`

// IssueServiceToken generates a token, stores its digest unused, and returns
// the record alongside the clear token.
func (s *SQLiteStore) IssueServiceToken(ctx context.Context, userID, scopeID string, ttl time.Duration) (*ServiceToken, string, error) {
	if ttl <= 0 {
		return nil, "", fmt.Errorf("service token ttl must be positive, got %s", ttl)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("generating service token: %w", err)
	}

	now := s.now()
	st := &ServiceToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		ScopeID:   scopeID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	query := `
		INSERT INTO service_tokens (id, token_hash, user_id, scope_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		st.ID,
		s.hasher.digest(token),
		st.UserID,
		st.ScopeID,
		formatTime(st.CreatedAt),
		formatTime(st.ExpiresAt),
	)
	if err != nil {
		return nil, "", fmt.Errorf("inserting service token: %w", err)
	}

	s.logger.Debug("issued service token", "id", st.ID, "user_id", userID, "scope", scopeID)
	return st, token, nil
}

// ConsumeServiceToken marks a token used and returns it. Exactly one caller
// can succeed per token; the rest get ErrTokenUsed. A token past its expiry is
// ErrTokenExpired whether or not it was used.
func (s *SQLiteStore) ConsumeServiceToken(ctx context.Context, token string) (*ServiceToken, error) {
	hash := s.hasher.digest(token)
	now := formatTime(s.now())

	query := `
		UPDATE service_tokens
		SET used_at = ?
		WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?
		RETURNING ` + serviceTokenColumns

	st, err := scanServiceToken(s.db.QueryRowContext(ctx, query, now, hash, now))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consuming service token: %w", err)
	}

	// Nothing matched; read the row back to say why.
	st, err = s.getServiceTokenByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	switch {
	case now >= formatTime(st.ExpiresAt):
		return nil, ErrTokenExpired
	case st.UsedAt != nil:
		return nil, ErrTokenUsed
	default:
		return nil, fmt.Errorf("consuming service token %s: no row updated", st.ID)
	}
}

// GetServiceToken reads a token without consuming it.
func (s *SQLiteStore) GetServiceToken(ctx context.Context, token string) (*ServiceToken, error) {
	return s.getServiceTokenByHash(ctx, s.hasher.digest(token))
}

func (s *SQLiteStore) getServiceTokenByHash(ctx context.Context, hash string) (*ServiceToken, error) {
	query := `SELECT ` + serviceTokenColumns + ` FROM service_tokens WHERE token_hash = ?`

	st, err := scanServiceToken(s.db.QueryRowContext(ctx, query, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service token: %w", err)
	}
	return st, nil
}

// DeleteExpiredServiceTokens removes tokens that expired or were used before the cutoff.
func (s *SQLiteStore) DeleteExpiredServiceTokens(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM service_tokens WHERE expires_at <= ? OR used_at <= ?`,
		cutoff, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired service tokens: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func scanServiceToken(row rowScanner) (*ServiceToken, error) {
	var st ServiceToken
	var createdAt, expiresAt string
	var usedAt sql.NullString

	if err := row.Scan(
		&st.ID,
		&st.UserID,
		&st.ScopeID,
		&createdAt,
		&expiresAt,
		&usedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if st.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if st.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t, err := parseTime("used_at", usedAt.String)
		if err != nil {
			return nil, err
		}
		st.UsedAt = &t
	}
	return &st, nil
}
