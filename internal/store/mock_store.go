// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory, mutex-guarded, with an injectable failure for infrastructure-error paths

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User         // keyed by user ID
	sessions map[string]*Session      // keyed by token
	tokens   map[string]*ServiceToken // keyed by token
	events   []AuditEvent

	// Err, when set, is returned by every method. Tests use it to stand in
	// for an unreachable database.
	Err error

	// AuditErr, when set, is returned by AppendAuditEvent only.
	AuditErr error

	// Now overrides time.Now.
	Now func() time.Time
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
		tokens:   make(map[string]*ServiceToken),
		Now:      time.Now,
	}
}

// CreateUser stores a user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, u := range m.users {
		if u.Email == email {
			return ErrEmailExists
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = m.Now()
	}
	user.Email = email

	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			result := *u
			return &result, nil
		}
	}
	return nil, ErrUserNotFound
}

// ListUsers returns all users ordered by creation time.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		result := *u
		users = append(users, &result)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// SetUserDisabled flips the disabled flag.
func (m *MockStore) SetUserDisabled(ctx context.Context, id string, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Disabled = disabled
	return nil
}

// CreateSession stores a session under its token.
func (m *MockStore) CreateSession(ctx context.Context, session *Session, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if token == "" {
		return errors.New("session token is required")
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}

	s := *session
	m.sessions[token] = &s
	return nil
}

// GetSessionByToken retrieves a live session.
func (m *MockStore) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	s, ok := m.sessions[token]
	if !ok || s.Expired(m.Now()) {
		return nil, ErrSessionNotFound
	}
	result := *s
	return &result, nil
}

// ListSessionsByUser returns a user's sessions, newest first.
func (m *MockStore) ListSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var sessions []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			result := *s
			sessions = append(sessions, &result)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// TouchSession records activity.
func (m *MockStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	for _, s := range m.sessions {
		if s.ID == id && s.LastActivityAt.Before(at) {
			s.LastActivityAt = at
		}
	}
	return nil
}

// DeleteSession removes a session by ID.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	for token, s := range m.sessions {
		if s.ID == id {
			delete(m.sessions, token)
			return nil
		}
	}
	return ErrSessionNotFound
}

// DeleteExpiredSessions removes expired sessions.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	now := m.Now()
	var n int64
	for token, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

// IssueServiceToken stores a fresh unused token.
func (m *MockStore) IssueServiceToken(ctx context.Context, userID, scopeID string, ttl time.Duration) (*ServiceToken, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, "", m.Err
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	now := m.Now()
	st := &ServiceToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		ScopeID:   scopeID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	stored := *st
	m.tokens[token] = &stored
	return st, token, nil
}

// ConsumeServiceToken marks a token used under the store lock.
func (m *MockStore) ConsumeServiceToken(ctx context.Context, token string) (*ServiceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	st, ok := m.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	now := m.Now()
	if !now.Before(st.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if st.UsedAt != nil {
		return nil, ErrTokenUsed
	}
	st.UsedAt = &now

	result := *st
	return &result, nil
}

// GetServiceToken reads a token without consuming it.
func (m *MockStore) GetServiceToken(ctx context.Context, token string) (*ServiceToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	st, ok := m.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	result := *st
	return &result, nil
}

// DeleteExpiredServiceTokens removes tokens expired or used before the cutoff.
func (m *MockStore) DeleteExpiredServiceTokens(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for token, st := range m.tokens {
		if !st.ExpiresAt.After(before) || (st.UsedAt != nil && !st.UsedAt.After(before)) {
			delete(m.tokens, token)
			n++
		}
	}
	return n, nil
}

// AppendAuditEvent records an event.
func (m *MockStore) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.AuditErr != nil {
		return m.AuditErr
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.Now()
	}
	m.events = append(m.events, *e)
	return nil
}

// ListAuditEvents returns events matching the filter, newest first.
func (m *MockStore) ListAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	limit := normalizeLimit(f.Limit)
	events := []AuditEvent{}
	for i := len(m.events) - 1; i >= 0 && len(events) < limit; i-- {
		e := m.events[i]
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.CreatedAt.After(*f.Until) {
			continue
		}
		if f.ActorUserID != nil && e.ActorUserID != *f.ActorUserID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Ping reports m.Err.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Err
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// SetErr sets the injected failure under the lock.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
