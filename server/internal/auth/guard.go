package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lockout guard tuning. A key locks out once it accumulates
// LockThreshold consecutive failures; backoff then doubles per failure
// above the threshold, starting at BaseBackoff and capped at MaxBackoff.
const (
	LockThreshold   = 5
	BaseBackoff     = 10 * time.Second
	MaxBackoff      = 300 * time.Second
	maxBackoffShift = 6 // 10s * 2^6 = 640s > MaxBackoff, so the cap always binds by here
	maxGuardKeys    = 32
)

// ErrTooManyGuardKeys is returned when a batch call names more than
// maxGuardKeys keys, bounding worst-case query cost.
var ErrTooManyGuardKeys = errors.New("too many auth guard keys in one call")

// GuardState is one row of the auth_guard_state table.
type GuardState struct {
	GuardKey    string
	Failures    int64
	LockedUntil time.Time // zero when not locked
	LastSeen    time.Time
}

// Locked reports whether the guard state is presently in its lockout
// window as of now.
func (g GuardState) Locked(now time.Time) bool {
	return !g.LockedUntil.IsZero() && now.Before(g.LockedUntil)
}

// backoffFor computes the lockout duration for a failure count. Zero
// below the threshold; doubling above it, capped at MaxBackoff.
func backoffFor(failures int64) time.Duration {
	if failures < LockThreshold {
		return 0
	}
	exp := failures - LockThreshold
	if exp > maxBackoffShift {
		exp = maxBackoffShift
	}
	backoff := BaseBackoff * time.Duration(int64(1)<<uint(exp))
	if backoff > MaxBackoff {
		backoff = MaxBackoff
	}
	return backoff
}

// Guard is the failure-window lockout tracker, keyed by caller-chosen
// strings (e.g. "ip:1.2.3.4" or "acct:alice@example.com").
type Guard struct {
	db *sql.DB
}

// NewGuard wraps db, which must already have the auth_guard_state table
// (Store.migrate creates it alongside auth_sessions).
func NewGuard(db *sql.DB) *Guard {
	return &Guard{db: db}
}

// RecordFailure increments guardKey's failure count and recomputes its
// lockout window, returning the updated state.
func (g *Guard) RecordFailure(ctx context.Context, guardKey string, now time.Time) (GuardState, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return GuardState{}, fmt.Errorf("begin guard failure tx: %w", err)
	}
	defer tx.Rollback()

	var failures int64
	var lockedUnixPrev sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT failures, locked_until_unix FROM auth_guard_state WHERE guard_key = ?`, guardKey).
		Scan(&failures, &lockedUnixPrev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		failures = 0
	case err != nil:
		return GuardState{}, fmt.Errorf("load guard state: %w", err)
	}

	failures++
	backoff := backoffFor(failures)
	var lockedUntilUnix int64
	if backoff > 0 {
		lockedUntilUnix = now.Add(backoff).Unix()
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO auth_guard_state (guard_key, failures, locked_until_unix, last_seen_unix)
VALUES (?, ?, ?, ?)
ON CONFLICT(guard_key) DO UPDATE SET
	failures = excluded.failures,
	locked_until_unix = excluded.locked_until_unix,
	last_seen_unix = excluded.last_seen_unix
`, guardKey, failures, lockedUntilUnix, now.Unix())
	if err != nil {
		return GuardState{}, fmt.Errorf("store guard state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return GuardState{}, fmt.Errorf("commit guard failure tx: %w", err)
	}

	state := GuardState{GuardKey: guardKey, Failures: failures, LastSeen: now}
	if lockedUntilUnix > 0 {
		state.LockedUntil = time.Unix(lockedUntilUnix, 0).UTC()
	}
	return state, nil
}

// Get loads the guard states for up to maxGuardKeys keys at once.
func (g *Guard) Get(ctx context.Context, keys []string) ([]GuardState, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > maxGuardKeys {
		return nil, ErrTooManyGuardKeys
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := `SELECT guard_key, failures, locked_until_unix, last_seen_unix FROM auth_guard_state WHERE guard_key IN (` + joinPlaceholders(placeholders) + `)`
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query guard states: %w", err)
	}
	defer rows.Close()

	var out []GuardState
	for rows.Next() {
		var (
			state          GuardState
			lockedUnix     int64
			lastSeenUnix   int64
		)
		if err := rows.Scan(&state.GuardKey, &state.Failures, &lockedUnix, &lastSeenUnix); err != nil {
			return nil, fmt.Errorf("scan guard state: %w", err)
		}
		if lockedUnix > 0 {
			state.LockedUntil = time.Unix(lockedUnix, 0).UTC()
		}
		state.LastSeen = time.Unix(lastSeenUnix, 0).UTC()
		out = append(out, state)
	}
	return out, rows.Err()
}

// Clear removes guard state for up to maxGuardKeys keys at once — used on
// successful auth or an explicit admin clear.
func (g *Guard) Clear(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if len(keys) > maxGuardKeys {
		return 0, ErrTooManyGuardKeys
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	query := `DELETE FROM auth_guard_state WHERE guard_key IN (` + joinPlaceholders(placeholders) + `)`
	result, err := g.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear guard states: %w", err)
	}
	return result.RowsAffected()
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}
