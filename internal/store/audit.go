// ABOUTME: Append-only audit events for channel grants, token issue/redeem and logouts
// ABOUTME: Records who did what, from where, and the outcome as a JSON detail map

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditChannelAuthorize   AuditAction = "channel_authorize"
	AuditServiceTokenIssue  AuditAction = "service_token_issue"
	AuditServiceTokenRedeem AuditAction = "service_token_redeem"
	AuditSessionRevoke      AuditAction = "session_revoke"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditChannelAuthorize,
	AuditServiceTokenIssue,
	AuditServiceTokenRedeem,
	AuditSessionRevoke,
}

// AuditEvent is a single audit log row. ActorUserID is empty for anonymous callers.
type AuditEvent struct {
	ID          string
	ActorUserID string
	Action      AuditAction
	Description string
	IPAddress   string
	CreatedAt   time.Time
	Detail      map[string]any
}

// AuditFilter specifies filtering options for listing audit events.
type AuditFilter struct {
	Since       *time.Time
	Until       *time.Time
	ActorUserID *string
	Action      *AuditAction
	Limit       int // default 100, max 1000
}

// AuditStore defines audit persistence. There is no update or delete.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, e *AuditEvent) error
	ListAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
}

// AppendAuditEvent appends a new event to the audit log.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_events (id, actor_user_id, action, description, ip_address, created_at, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		nullString(e.ActorUserID),
		string(e.Action),
		e.Description,
		nullString(e.IPAddress),
		formatTime(e.CreatedAt),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	s.logger.Debug("appended audit event",
		"id", e.ID,
		"actor", e.ActorUserID,
		"action", e.Action,
	)
	return nil
}

const auditEventsQuery = `
	SELECT id, actor_user_id, action, description, ip_address, created_at, detail_json
	FROM audit_events
	WHERE (? IS NULL OR created_at >= ?)
	  AND (? IS NULL OR created_at <= ?)
	  AND (? IS NULL OR actor_user_id = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
`

// ListAuditEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	var since, until, action *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}
	if f.Until != nil {
		v := formatTime(*f.Until)
		until = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		action = &v
	}

	rows, err := s.db.QueryContext(ctx, auditEventsQuery,
		since, since,
		until, until,
		f.ActorUserID, f.ActorUserID,
		action, action,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []AuditEvent{}
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}

	return events, nil
}

func scanAuditEvent(row rowScanner) (AuditEvent, error) {
	var e AuditEvent
	var action, createdAt string
	var actor, ip, detailJSON sql.NullString

	if err := row.Scan(
		&e.ID,
		&actor,
		&action,
		&e.Description,
		&ip,
		&createdAt,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit event: %w", err)
	}

	e.ActorUserID = actor.String
	e.IPAddress = ip.String
	e.Action = AuditAction(action)

	var err error
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return e, err
	}

	if detailJSON.Valid {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
