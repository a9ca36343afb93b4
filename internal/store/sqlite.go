package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite DB
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serialises writers and keeps ":memory:" databases shared
	d.SetMaxOpenConns(1)
	s := &SQLite{db: d}
	if err := s.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Init(ctx context.Context) error {
	queries := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			password_changed_at TEXT,
			refresh_token TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS users_refresh_token_idx ON users(refresh_token);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}

func sqliteTime(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLite) Create(ctx context.Context, u *User) (*User, error) {
	n := prepareNew(u, time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,name,email,password,role,refresh_token,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?)`,
		n.ID, n.Name, n.Email, n.PasswordHash, string(n.Role), n.RefreshToken, sqliteTime(n.CreatedAt), sqliteTime(n.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return n, nil
}

func (s *SQLite) FindByID(ctx context.Context, id string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLite) FindByField(ctx context.Context, field Field, value string) (*User, error) {
	if !field.valid() {
		return nil, ErrUnknownField
	}
	if value == "" {
		return nil, ErrNotFound
	}
	if field == FieldEmail {
		value = NormalizeEmail(value)
	}
	q := fmt.Sprintf(`SELECT %s FROM users WHERE %s = ? LIMIT 1`, userColumns, field)
	return s.scanOne(s.db.QueryRowContext(ctx, q, value))
}

func (s *SQLite) Update(ctx context.Context, id string, upd Update) (*User, error) {
	find := func() (*User, error) { return s.FindByID(ctx, id) }
	if upd.empty() {
		u, err := find()
		if err == nil && !upd.precondition(u) {
			return nil, ErrConflict
		}
		return u, err
	}
	ph := func(int) string { return "?" }
	set, args := setClause(upd, time.Now(), ph, sqliteTime)
	where, args := whereClause(id, upd, args, ph)
	q := fmt.Sprintf(`UPDATE users SET %s WHERE %s RETURNING %s`, set, where, userColumns)
	u, err := s.scanOne(s.db.QueryRowContext(ctx, q, args...))
	return conditionalResult(u, err, upd, find)
}

func (s *SQLite) RevokeRefreshToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	q := fmt.Sprintf(revokeRefreshTokenSQL, "?", "?")
	return s.scanOne(s.db.QueryRowContext(ctx, q, sqliteTime(time.Now()), token))
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) scanOne(row *sql.Row) (*User, error) {
	var (
		u                  User
		role               string
		changedAt          sql.NullString
		created, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &changedAt, &u.RefreshToken, &created, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = Role(role)
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if changedAt.Valid && changedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, changedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse password_changed_at: %w", err)
		}
		u.PasswordChangedAt = &t
	}
	return &u, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLite) Close() error                   { return s.db.Close() }
