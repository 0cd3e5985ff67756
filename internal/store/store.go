// ABOUTME: Store interfaces and shared helpers for handoff-gateway persistence
// ABOUTME: Each component depends on the narrow interface it needs; SQLiteStore implements all of them

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface used by the gateway.
type Store interface {
	UserStore
	SessionStore
	ServiceTokenStore
	AuditStore

	// Ping reports whether the underlying database is reachable.
	Ping(ctx context.Context) error

	// Close releases the database handle.
	Close() error
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// timeLayout is a fixed-width UTC layout. Fixed width keeps lexicographic
// comparison in SQL equal to chronological comparison, and nanoseconds keep
// short token lifetimes exact.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t in the storage layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp. Field names the column for error messages.
func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
