// Package store provides persistent storage for the handoff gateway using SQLite.
//
// # Architecture
//
// Each consumer depends on the narrow interface it needs:
//
//   - UserStore: Identities that authorize channels and own tokens
//   - SessionStore: Active sessions, written only by the session issuer
//   - ServiceTokenStore: Single-use service tokens with atomic consume
//   - AuditStore: Append-only audit events
//
// SQLiteStore implements all of them in a single struct; Store is the union.
//
// # Secrets at Rest
//
// Session tokens and service tokens are never stored in clear. Rows hold a
// keyed BLAKE2b-256 digest of the token (see WithTokenPepper) and lookups
// hash the presented token first.
//
// # Single Use
//
// ConsumeServiceToken is a single statement:
//
//	UPDATE service_tokens SET used_at = ?
//	WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?
//	RETURNING ...
//
// Concurrent redeemers, in this process or another one sharing the database
// file, serialize on the SQLite write lock; exactly one sees a row come back.
// Losers re-read the row to learn whether it was used, expired or missing.
//
// # SQLite Configuration
//
// Pragmas are passed in the DSN so every pooled connection gets them:
//
//	busy_timeout (WithBusyTimeout, default 5s)
//	foreign_keys = ON
//	journal_mode = WAL
//
// Two drivers are supported: modernc.org/sqlite ("sqlite", default, no cgo)
// and mattn/go-sqlite3 ("sqlite3"), selected with WithDriver.
//
// Timestamps are stored as fixed-width UTC text with nanoseconds, so string
// comparison in SQL matches time order.
//
// # Errors
//
//   - ErrUserNotFound, ErrEmailExists
//   - ErrSessionNotFound (missing or expired)
//   - ErrTokenNotFound, ErrTokenExpired, ErrTokenUsed
//
// Anything else is an infrastructure failure wrapped with context.
//
// # Testing
//
// Use NewSQLiteStore(":memory:") or a file under t.TempDir().
package store
