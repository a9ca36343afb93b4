package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps users in process memory. It is owned by its creator and safe
// for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*User
	// email -> id
	emails map[string]string
}

func NewMemory() *Memory {
	return &Memory{users: map[string]*User{}, emails: map[string]string{}}
}

func (m *Memory) Create(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := NormalizeEmail(u.Email)
	if _, ok := m.emails[email]; ok {
		return nil, ErrDuplicateEmail
	}
	n := prepareNew(u, time.Now())
	n.Email = email
	m.users[n.ID] = n
	m.emails[email] = n.ID
	return clone(n), nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return clone(u), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) FindByField(_ context.Context, field Field, value string) (*User, error) {
	if !field.valid() {
		return nil, ErrUnknownField
	}
	if value == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch field {
	case FieldEmail:
		if id, ok := m.emails[NormalizeEmail(value)]; ok {
			return clone(m.users[id]), nil
		}
	case FieldRefreshToken:
		for _, u := range m.users {
			if u.RefreshToken == value {
				return clone(u), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Update(_ context.Context, id string, upd Update) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !upd.precondition(u) {
		return nil, ErrConflict
	}
	if !upd.empty() {
		upd.apply(u, time.Now().UTC())
	}
	return clone(u), nil
}

func (m *Memory) RevokeRefreshToken(_ context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.RefreshToken == token {
			u.RefreshToken = ""
			u.UpdatedAt = time.Now().UTC()
			return clone(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.emails, u.Email)
	delete(m.users, id)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error              { return nil }

// prepareNew copies u and fills the fields every adapter assigns on create.
func prepareNew(u *User, now time.Time) *User {
	n := clone(u)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Role == "" {
		n.Role = RoleUser
	}
	n.Email = NormalizeEmail(n.Email)
	n.PasswordChangedAt = nil
	n.RefreshToken = ""
	n.CreatedAt = now.UTC()
	n.UpdatedAt = n.CreatedAt
	return n
}
