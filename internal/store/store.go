// Package store persists user records for the auth service.
//
// Every adapter implements Users. Update is a single atomic find-and-update
// keyed by user id, so concurrent refresh/logout writes to the refresh-token
// slot resolve as last-writer-wins without lost fields.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrUnknownField   = errors.New("unknown lookup field")
	// ErrConflict means an Update precondition no longer held.
	ErrConflict = errors.New("user changed concurrently")
)

// Role is the user's authorization flag.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents a user in the system
type User struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	Role              Role       `json:"role"`
	PasswordChangedAt *time.Time `json:"passwordChangedAt,omitempty"`
	RefreshToken      string     `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Field names a column that FindByField may look users up by.
type Field string

const (
	FieldEmail        Field = "email"
	FieldRefreshToken Field = "refresh_token"
)

func (f Field) valid() bool {
	return f == FieldEmail || f == FieldRefreshToken
}

// Update lists the fields to change. Nil pointers are left untouched.
type Update struct {
	Name              *string
	PasswordHash      *string
	PasswordChangedAt *time.Time
	RefreshToken      *string
	Role              *Role

	// ExpectPasswordHash, when set, makes the update conditional on the
	// stored hash still being this value. A mismatch yields ErrConflict.
	ExpectPasswordHash *string
}

// precondition reports whether dst still satisfies upd's expectations.
func (u Update) precondition(dst *User) bool {
	return u.ExpectPasswordHash == nil || dst.PasswordHash == *u.ExpectPasswordHash
}

func (u Update) empty() bool {
	return u.Name == nil && u.PasswordHash == nil && u.PasswordChangedAt == nil &&
		u.RefreshToken == nil && u.Role == nil
}

func (u Update) apply(dst *User, now time.Time) {
	if u.Name != nil {
		dst.Name = *u.Name
	}
	if u.PasswordHash != nil {
		dst.PasswordHash = *u.PasswordHash
	}
	if u.PasswordChangedAt != nil {
		t := *u.PasswordChangedAt
		dst.PasswordChangedAt = &t
	}
	if u.RefreshToken != nil {
		dst.RefreshToken = *u.RefreshToken
	}
	if u.Role != nil {
		dst.Role = *u.Role
	}
	dst.UpdatedAt = now
}

// Users is the persistence contract for user records.
type Users interface {
	// Create stores a new user and returns it with ID and timestamps set.
	Create(ctx context.Context, u *User) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	// FindByField returns the user whose field equals value exactly.
	FindByField(ctx context.Context, field Field, value string) (*User, error)
	// Update applies upd in one atomic write and returns the updated record.
	Update(ctx context.Context, id string, upd Update) (*User, error)
	// RevokeRefreshToken empties the slot of the user whose slot holds token,
	// comparing and clearing in one atomic write. ErrNotFound when no slot
	// holds token.
	RevokeRefreshToken(ctx context.Context, token string) (*User, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeEmail lower-cases and trims an address before storage or lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func clone(u *User) *User {
	c := *u
	if u.PasswordChangedAt != nil {
		t := *u.PasswordChangedAt
		c.PasswordChangedAt = &t
	}
	return &c
}
