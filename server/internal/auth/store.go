// Package auth persists login sessions, rotates refresh tokens, pins
// access tokens to a single live jti per session, and gates repeated
// auth failures behind an exponential-backoff lockout.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when no session row matches a lookup.
var ErrSessionNotFound = errors.New("auth session not found")

// DefaultMaxSessionsPerUser is used when PARACORD_MAX_SESSIONS_PER_USER is
// unset or invalid.
const DefaultMaxSessionsPerUser = 20

// Session is one row of the auth_sessions table.
type Session struct {
	ID               string
	UserID           int64
	RefreshTokenHash string
	CurrentJTI       string
	PubKey           string
	DeviceID         string
	UserAgent        string
	IPAddress        string
	IssuedAt         time.Time
	LastSeenAt       time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevokedReason    string
}

// Store owns the auth_sessions table. Safe for concurrent use; all
// mutation goes through SQLite's own locking.
type Store struct {
	db               *sql.DB
	maxSessionsPerUser int64
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string, maxSessionsPerUser int64) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if maxSessionsPerUser <= 0 {
		maxSessionsPerUser = DefaultMaxSessionsPerUser
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	st := &Store{db: db, maxSessionsPerUser: maxSessionsPerUser}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("auth store opened", "path", path, "max_sessions_per_user", maxSessionsPerUser)
	return st, nil
}

// OpenDB wraps an already-open database handle (used when the auth store
// shares a connection pool with the rest of the server's persistence).
func OpenDB(db *sql.DB, maxSessionsPerUser int64) (*Store, error) {
	if maxSessionsPerUser <= 0 {
		maxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	st := &Store{db: db, maxSessionsPerUser: maxSessionsPerUser}
	if err := st.migrate(context.Background()); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying connection pool so callers can share it with a
// Guard or run ad-hoc maintenance queries without opening a second handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	refresh_token_hash TEXT NOT NULL UNIQUE,
	current_jti TEXT NOT NULL,
	pub_key TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	issued_at_unix_ms INTEGER NOT NULL,
	last_seen_at_unix_ms INTEGER NOT NULL,
	expires_at_unix_ms INTEGER NOT NULL,
	revoked_at_unix_ms INTEGER,
	revoked_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_user ON auth_sessions(user_id, revoked_at_unix_ms, expires_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_last_seen ON auth_sessions(user_id, last_seen_at_unix_ms);

CREATE TABLE IF NOT EXISTS auth_guard_state (
	guard_key TEXT PRIMARY KEY,
	failures INTEGER NOT NULL DEFAULT 0,
	locked_until_unix INTEGER NOT NULL DEFAULT 0,
	last_seen_unix INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run auth store migrations: %w", err)
	}
	slog.Debug("auth store migrations applied")
	return nil
}

// CreateSession enforces the per-user active-session cap (revoking the
// oldest sessions by last_seen_at first when over the limit, reason
// "session_limit") and then inserts the new session row.
func (s *Store) CreateSession(ctx context.Context, id string, userID int64, refreshTokenHash, currentJTI, pubKey, deviceID, userAgent, ipAddress string, expiresAt time.Time) (Session, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin create session tx: %w", err)
	}
	defer tx.Rollback()

	var activeCount int64
	err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM auth_sessions
WHERE user_id = ? AND revoked_at_unix_ms IS NULL AND expires_at_unix_ms > ?
`, userID, now.UnixMilli()).Scan(&activeCount)
	if err != nil {
		return Session{}, fmt.Errorf("count active sessions: %w", err)
	}

	if activeCount >= s.maxSessionsPerUser {
		revokeCount := activeCount - s.maxSessionsPerUser + 1
		_, err = tx.ExecContext(ctx, `
UPDATE auth_sessions
SET revoked_at_unix_ms = ?, revoked_reason = 'session_limit'
WHERE id IN (
	SELECT id FROM auth_sessions
	WHERE user_id = ? AND revoked_at_unix_ms IS NULL
	ORDER BY last_seen_at_unix_ms ASC
	LIMIT ?
)`, now.UnixMilli(), userID, revokeCount)
		if err != nil {
			return Session{}, fmt.Errorf("revoke oldest sessions over limit: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO auth_sessions (
	id, user_id, refresh_token_hash, current_jti, pub_key, device_id, user_agent, ip_address,
	issued_at_unix_ms, last_seen_at_unix_ms, expires_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, id, userID, refreshTokenHash, currentJTI, pubKey, deviceID, userAgent, ipAddress,
		now.UnixMilli(), now.UnixMilli(), expiresAt.UnixMilli())
	if err != nil {
		return Session{}, fmt.Errorf("insert auth session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit create session tx: %w", err)
	}

	slog.Info("auth session created", "session_id", id, "user_id", userID)
	return Session{
		ID: id, UserID: userID, RefreshTokenHash: refreshTokenHash, CurrentJTI: currentJTI,
		PubKey: pubKey, DeviceID: deviceID, UserAgent: userAgent, IPAddress: ipAddress,
		IssuedAt: now, LastSeenAt: now, ExpiresAt: expiresAt,
	}, nil
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		sess               Session
		issuedMs, lastMs   int64
		expiresMs          int64
		revokedMs          sql.NullInt64
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.RefreshTokenHash, &sess.CurrentJTI, &sess.PubKey,
		&sess.DeviceID, &sess.UserAgent, &sess.IPAddress,
		&issuedMs, &lastMs, &expiresMs, &revokedMs, &sess.RevokedReason,
	)
	if err != nil {
		return Session{}, err
	}
	sess.IssuedAt = time.UnixMilli(issuedMs).UTC()
	sess.LastSeenAt = time.UnixMilli(lastMs).UTC()
	sess.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	if revokedMs.Valid {
		t := time.UnixMilli(revokedMs.Int64).UTC()
		sess.RevokedAt = &t
	}
	return sess, nil
}

const sessionColumns = `id, user_id, refresh_token_hash, current_jti, pub_key, device_id, user_agent, ip_address,
	issued_at_unix_ms, last_seen_at_unix_ms, expires_at_unix_ms, revoked_at_unix_ms, revoked_reason`

// GetSessionByRefreshHash looks up a session by its current refresh token
// hash, regardless of revoked/expired state (callers check that).
func (s *Store) GetSessionByRefreshHash(ctx context.Context, refreshTokenHash string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM auth_sessions WHERE refresh_token_hash = ?`, refreshTokenHash)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session by refresh hash: %w", err)
	}
	return sess, nil
}

// GetSessionByID looks up a session by its primary key.
func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM auth_sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session by id: %w", err)
	}
	return sess, nil
}

// ListUserSessions returns a user's active (non-revoked, unexpired)
// sessions, most recently seen first.
func (s *Store) ListUserSessions(ctx context.Context, userID int64) ([]Session, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM auth_sessions
WHERE user_id = ? AND revoked_at_unix_ms IS NULL AND expires_at_unix_ms > ?
ORDER BY last_seen_at_unix_ms DESC
`, userID, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query user sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RotateRefreshToken performs the single-use refresh rotation: it only
// succeeds if sessionID's stored hash still equals oldRefreshTokenHash and
// the session is live. A false return with a nil error means the rotation
// failed — the caller MUST treat that as a possible token-reuse event and
// call RevokeAllUserSessionsExcept for the owning user.
func (s *Store) RotateRefreshToken(ctx context.Context, sessionID, oldRefreshTokenHash, newRefreshTokenHash, newJTI string, expiresAt time.Time) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
UPDATE auth_sessions
SET refresh_token_hash = ?, current_jti = ?, last_seen_at_unix_ms = ?, expires_at_unix_ms = ?
WHERE id = ? AND refresh_token_hash = ? AND revoked_at_unix_ms IS NULL AND expires_at_unix_ms > ?
`, newRefreshTokenHash, newJTI, now.UnixMilli(), expiresAt.UnixMilli(), sessionID, oldRefreshTokenHash, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("rotate refresh token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate refresh token rows affected: %w", err)
	}
	if n == 0 {
		slog.Warn("refresh token rotation failed, possible reuse", "session_id", sessionID)
		return false, nil
	}
	return true, nil
}

// UpdateSessionJTI pins a freshly-issued access token's jti to the session,
// invalidating any earlier access token for that session.
func (s *Store) UpdateSessionJTI(ctx context.Context, sessionID, newJTI string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
UPDATE auth_sessions
SET current_jti = ?, last_seen_at_unix_ms = ?
WHERE id = ? AND revoked_at_unix_ms IS NULL AND expires_at_unix_ms > ?
`, newJTI, now.UnixMilli(), sessionID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("update session jti: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// RevokeSession revokes one session owned by userID, if still live.
func (s *Store) RevokeSession(ctx context.Context, sessionID string, userID int64, reason string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
UPDATE auth_sessions SET revoked_at_unix_ms = ?, revoked_reason = ?
WHERE id = ? AND user_id = ? AND revoked_at_unix_ms IS NULL
`, now.UnixMilli(), reason, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// RevokeAllUserSessionsExcept revokes every live session for userID, except
// keepSessionID when non-empty. Used for password/email changes, account
// deletion, and as the response to a detected refresh-token reuse.
func (s *Store) RevokeAllUserSessionsExcept(ctx context.Context, userID int64, keepSessionID, reason string) (int64, error) {
	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	if keepSessionID != "" {
		result, err = s.db.ExecContext(ctx, `
UPDATE auth_sessions SET revoked_at_unix_ms = ?, revoked_reason = ?
WHERE user_id = ? AND id != ? AND revoked_at_unix_ms IS NULL
`, now.UnixMilli(), reason, userID, keepSessionID)
	} else {
		result, err = s.db.ExecContext(ctx, `
UPDATE auth_sessions SET revoked_at_unix_ms = ?, revoked_reason = ?
WHERE user_id = ? AND revoked_at_unix_ms IS NULL
`, now.UnixMilli(), reason, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("revoke all user sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke all user sessions rows affected: %w", err)
	}
	slog.Info("mass session revocation", "user_id", userID, "reason", reason, "revoked", n)
	return n, nil
}

// IsAccessTokenActive reports whether a presented jti for sessionID is
// still the session's current jti, and the session is unrevoked and
// unexpired.
func (s *Store) IsAccessTokenActive(ctx context.Context, userID int64, sessionID, jti string) (bool, error) {
	now := time.Now().UTC()
	var one int64
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM auth_sessions
WHERE id = ? AND user_id = ? AND current_jti = ? AND revoked_at_unix_ms IS NULL AND expires_at_unix_ms > ?
LIMIT 1
`, sessionID, userID, jti, now.UnixMilli()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check access token active: %w", err)
	}
	return true, nil
}

// PurgeExpiredSessions deletes expired sessions, and revoked sessions older
// than 7 days, up to limit rows at a time.
func (s *Store) PurgeExpiredSessions(ctx context.Context, limit int64) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-7 * 24 * time.Hour)
	result, err := s.db.ExecContext(ctx, `
DELETE FROM auth_sessions WHERE id IN (
	SELECT id FROM auth_sessions
	WHERE expires_at_unix_ms <= ? OR (revoked_at_unix_ms IS NOT NULL AND revoked_at_unix_ms <= ?)
	LIMIT ?
)`, now.UnixMilli(), cutoff.UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	return n, err
}
