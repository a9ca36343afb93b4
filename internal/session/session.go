// Package session keeps the single active refresh-token slot of each user.
package session

import (
	"context"
	"crypto/subtle"

	"github.com/example/nileauth/internal/store"
)

// Store reads and writes the refresh-token slot on the user record.
type Store struct {
	users store.Users
}

func NewStore(users store.Users) *Store {
	return &Store{users: users}
}

// SetRefreshToken overwrites the slot, rotating away any previous token.
func (s *Store) SetRefreshToken(ctx context.Context, userID, token string) (*store.User, error) {
	return s.users.Update(ctx, userID, store.Update{RefreshToken: &token})
}

// ClearRefreshToken empties the slot, revoking the session.
func (s *Store) ClearRefreshToken(ctx context.Context, userID string) (*store.User, error) {
	empty := ""
	return s.users.Update(ctx, userID, store.Update{RefreshToken: &empty})
}

// ClearIfMatches revokes the session holding token. The comparison and the
// clear are one store write, so a login that rotated the slot in between
// is left alone. Returns store.ErrNotFound when no slot holds token.
func (s *Store) ClearIfMatches(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	return s.users.RevokeRefreshToken(ctx, token)
}

// FindByRefreshToken returns the user whose slot holds exactly token.
func (s *Store) FindByRefreshToken(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	return s.users.FindByField(ctx, store.FieldRefreshToken, token)
}

// Matches reports whether presented is the token currently held in u's slot.
func Matches(u *store.User, presented string) bool {
	if u == nil || u.RefreshToken == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(u.RefreshToken), []byte(presented)) == 1
}
