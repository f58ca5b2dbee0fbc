package gatekeeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is a user's subscription state.
type Status string

// Subscription states.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ParseStatus validates a status string from an external caller.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	}
	return "", fmt.Errorf("invalid subscription status %q", s)
}

// User is one row of the users table, without the token bundle.
type User struct {
	ID        string
	Status    Status
	HasToken  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Users persists subscriptions, sealed OAuth tokens, and pending login
// sessions.
type Users interface {
	// Upsert records userID with an inactive subscription if unknown.
	Upsert(ctx context.Context, userID string) error
	SetSubscription(ctx context.Context, userID string, status Status) error
	// IsActive is false for unknown users.
	IsActive(ctx context.Context, userID string) (bool, error)
	// Token returns the stored token bundle, or nil if there is none.
	Token(ctx context.Context, userID string) ([]byte, error)
	// SaveToken stores the bundle from a completed login and marks the
	// subscription active.
	SaveToken(ctx context.Context, userID string, token []byte) error
	// UpdateToken replaces a stored bundle after a refresh. The
	// subscription status is left alone.
	UpdateToken(ctx context.Context, userID string, token []byte) error

	OpenSession(ctx context.Context, userID, state string, ttl time.Duration) error
	// SessionActive reports whether an unexpired session exists.
	SessionActive(ctx context.Context, userID string) (bool, error)
	ClearSession(ctx context.Context, userID string) error
	// PruneSessions deletes expired sessions and reports how many.
	PruneSessions(ctx context.Context) (int64, error)
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLUsers implements [Users] over database/sql. The same queries run on
// SQLite and Postgres; only placeholders and column types differ.
// Timestamps are unix seconds.
type SQLUsers struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLiteUsers creates the users and auth_sessions tables if needed.
func NewSQLiteUsers(db *sql.DB) (*SQLUsers, error) {
	s := &SQLUsers{db: db, dialect: dialectSQLite, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return s, nil
}

// NewPostgresUsers creates the users and auth_sessions tables if needed.
func NewPostgresUsers(ctx context.Context, db *sql.DB) (*SQLUsers, error) {
	s := &SQLUsers{db: db, dialect: dialectPostgres, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return s, nil
}

func (s *SQLUsers) migrate(ctx context.Context) error {
	blob, integer := "BLOB", "INTEGER"
	if s.dialect == dialectPostgres {
		blob, integer = "BYTEA", "BIGINT"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			user_id             TEXT PRIMARY KEY,
			subscription_status TEXT NOT NULL DEFAULT 'inactive',
			google_token        %s,
			created_at          %s NOT NULL,
			updated_at          %s NOT NULL
		)`, blob, integer, integer),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS auth_sessions (
			user_id    TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			created_at %s NOT NULL,
			expires_at %s NOT NULL
		)`, integer, integer),
		`CREATE INDEX IF NOT EXISTS idx_auth_sessions_expiry ON auth_sessions(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (s *SQLUsers) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLUsers) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLUsers) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Upsert implements [Users].
func (s *SQLUsers) Upsert(ctx context.Context, userID string) error {
	now := s.now().Unix()
	_, err := s.exec(ctx, `
		INSERT INTO users (user_id, subscription_status, created_at, updated_at)
		VALUES (?, 'inactive', ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", userID, err)
	}
	return nil
}

// SetSubscription implements [Users]. Unknown users are created.
func (s *SQLUsers) SetSubscription(ctx context.Context, userID string, status Status) error {
	now := s.now().Unix()
	_, err := s.exec(ctx, `
		INSERT INTO users (user_id, subscription_status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			subscription_status = excluded.subscription_status,
			updated_at = excluded.updated_at`,
		userID, string(status), now, now,
	)
	if err != nil {
		return fmt.Errorf("set subscription for %s: %w", userID, err)
	}
	return nil
}

// IsActive implements [Users].
func (s *SQLUsers) IsActive(ctx context.Context, userID string) (bool, error) {
	var status string
	err := s.queryRow(ctx, `SELECT subscription_status FROM users WHERE user_id = ?`, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subscription for %s: %w", userID, err)
	}
	return Status(status) == StatusActive, nil
}

// Token implements [Users].
func (s *SQLUsers) Token(ctx context.Context, userID string) ([]byte, error) {
	var tok []byte
	err := s.queryRow(ctx, `SELECT google_token FROM users WHERE user_id = ?`, userID).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %w", userID, err)
	}
	if len(tok) == 0 {
		return nil, nil
	}
	return tok, nil
}

// SaveToken implements [Users].
func (s *SQLUsers) SaveToken(ctx context.Context, userID string, token []byte) error {
	now := s.now().Unix()
	_, err := s.exec(ctx, `
		INSERT INTO users (user_id, subscription_status, google_token, created_at, updated_at)
		VALUES (?, 'active', ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			subscription_status = 'active',
			google_token = excluded.google_token,
			updated_at = excluded.updated_at`,
		userID, token, now, now,
	)
	if err != nil {
		return fmt.Errorf("save token for %s: %w", userID, err)
	}
	return nil
}

// UpdateToken implements [Users]. Unknown users are not created.
func (s *SQLUsers) UpdateToken(ctx context.Context, userID string, token []byte) error {
	_, err := s.exec(ctx,
		`UPDATE users SET google_token = ?, updated_at = ? WHERE user_id = ?`,
		token, s.now().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("update token for %s: %w", userID, err)
	}
	return nil
}

// OpenSession implements [Users]. An existing session is replaced.
func (s *SQLUsers) OpenSession(ctx context.Context, userID, state string, ttl time.Duration) error {
	now := s.now()
	_, err := s.exec(ctx, `
		INSERT INTO auth_sessions (user_id, state, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			state = excluded.state,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		userID, state, now.Unix(), now.Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("open auth session for %s: %w", userID, err)
	}
	return nil
}

// SessionActive implements [Users].
func (s *SQLUsers) SessionActive(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM auth_sessions WHERE user_id = ? AND expires_at > ?`,
		userID, s.now().Unix(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check auth session for %s: %w", userID, err)
	}
	return n > 0, nil
}

// ClearSession implements [Users].
func (s *SQLUsers) ClearSession(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM auth_sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear auth session for %s: %w", userID, err)
	}
	return nil
}

// PruneSessions implements [Users].
func (s *SQLUsers) PruneSessions(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM auth_sessions WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune auth sessions: %w", err)
	}
	return res.RowsAffected()
}

// List returns every known user, newest first.
func (s *SQLUsers) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, subscription_status, google_token IS NOT NULL, created_at, updated_at
		FROM users
		ORDER BY created_at DESC, user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u                User
			status           string
			created, updated int64
		)
		if err := rows.Scan(&u.ID, &status, &u.HasToken, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Status = Status(status)
		u.CreatedAt = time.Unix(created, 0).UTC()
		u.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}
