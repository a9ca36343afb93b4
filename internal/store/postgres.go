package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// Postgres stores users in PostgreSQL. The schema is owned by the
// migrations directory; see ApplyMigrations.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &Postgres{db: d}
	// rely on migrations to create tables; just verify connectivity
	if err := p.Ping(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func pgTime(t time.Time) any { return t.UTC() }

func (p *Postgres) Create(ctx context.Context, u *User) (*User, error) {
	n := prepareNew(u, time.Now())
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users(id,name,email,password,role,refresh_token,created_at,updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.Name, n.Email, n.PasswordHash, string(n.Role), n.RefreshToken, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return n, nil
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*User, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) FindByField(ctx context.Context, field Field, value string) (*User, error) {
	if !field.valid() {
		return nil, ErrUnknownField
	}
	if value == "" {
		return nil, ErrNotFound
	}
	if field == FieldEmail {
		value = NormalizeEmail(value)
	}
	q := fmt.Sprintf(`SELECT %s FROM users WHERE %s = $1 LIMIT 1`, userColumns, field)
	return p.scanOne(p.db.QueryRowContext(ctx, q, value))
}

// Update is a single UPDATE ... RETURNING statement, so the write is atomic
// and a cancelled context rolls the whole statement back.
func (p *Postgres) Update(ctx context.Context, id string, upd Update) (*User, error) {
	find := func() (*User, error) { return p.FindByID(ctx, id) }
	if upd.empty() {
		u, err := find()
		if err == nil && !upd.precondition(u) {
			return nil, ErrConflict
		}
		return u, err
	}
	ph := func(n int) string { return fmt.Sprintf("$%d", n) }
	set, args := setClause(upd, time.Now(), ph, pgTime)
	where, args := whereClause(id, upd, args, ph)
	q := fmt.Sprintf(`UPDATE users SET %s WHERE %s RETURNING %s`, set, where, userColumns)
	u, err := p.scanOne(p.db.QueryRowContext(ctx, q, args...))
	return conditionalResult(u, err, upd, find)
}

// RevokeRefreshToken compares and clears the slot in one statement.
func (p *Postgres) RevokeRefreshToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	q := fmt.Sprintf(revokeRefreshTokenSQL, "$1", "$2")
	return p.scanOne(p.db.QueryRowContext(ctx, q, pgTime(time.Now()), token))
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) scanOne(row *sql.Row) (*User, error) {
	var (
		u         User
		role      string
		changedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &changedAt, &u.RefreshToken, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = Role(role)
	if changedAt.Valid {
		t := changedAt.Time.UTC()
		u.PasswordChangedAt = &t
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }
