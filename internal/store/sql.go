package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id,name,email,password,role,password_changed_at,refresh_token,created_at,updated_at`

// setClause renders the SET list for upd. ph returns the placeholder for the
// n-th (1-based) argument.
func setClause(upd Update, now time.Time, ph func(n int) string, encodeTime func(time.Time) any) (string, []any) {
	var (
		parts []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		parts = append(parts, fmt.Sprintf("%s = %s", col, ph(len(args))))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.PasswordHash != nil {
		add("password", *upd.PasswordHash)
	}
	if upd.PasswordChangedAt != nil {
		add("password_changed_at", encodeTime(upd.PasswordChangedAt.UTC()))
	}
	if upd.RefreshToken != nil {
		add("refresh_token", *upd.RefreshToken)
	}
	if upd.Role != nil {
		add("role", string(*upd.Role))
	}
	add("updated_at", encodeTime(now.UTC()))
	return strings.Join(parts, ", "), args
}

// whereClause renders the row filter for an update of id, including the
// password precondition when upd carries one.
func whereClause(id string, upd Update, args []any, ph func(n int) string) (string, []any) {
	args = append(args, id)
	where := "id = " + ph(len(args))
	if upd.ExpectPasswordHash != nil {
		args = append(args, *upd.ExpectPasswordHash)
		where += " AND password = " + ph(len(args))
	}
	return where, args
}

// conditionalResult tells a missing row from a failed precondition after a
// conditional UPDATE matched nothing.
func conditionalResult(u *User, err error, upd Update, find func() (*User, error)) (*User, error) {
	if !errors.Is(err, ErrNotFound) || upd.ExpectPasswordHash == nil {
		return u, err
	}
	if _, ferr := find(); ferr != nil {
		return nil, ferr
	}
	return nil, ErrConflict
}

const revokeRefreshTokenSQL = `UPDATE users SET refresh_token = '', updated_at = %s WHERE refresh_token = %s AND refresh_token <> '' RETURNING ` + userColumns
