// Package credential hashes and checks passwords and tracks when a user's
// password last changed.
package credential

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/nileauth/internal/store"
)

// DefaultCost is the bcrypt work factor used for new hashes.
const DefaultCost = 12

// changeSkew backdates PasswordChangedAt so a token minted in the same
// request as the change is not treated as stale.
const changeSkew = time.Second

var ErrEmptyPassword = errors.New("password is empty")

// Hasher is a bcrypt-backed CredentialVerifier.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher using cost, or DefaultCost when cost is zero.
func NewHasher(cost int) (*Hasher, error) {
	if cost == 0 {
		cost = DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, errors.New("bcrypt cost out of range")
	}
	return &Hasher{cost: cost}, nil
}

func (h *Hasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	return string(b), err
}

// Verify reports whether plaintext matches hash.
func (h *Hasher) Verify(plaintext, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// OnPasswordSet returns the update that records a new password hash. For
// existing users it also stamps PasswordChangedAt one second before now.
func OnPasswordSet(hash string, isNew bool, now time.Time) store.Update {
	upd := store.Update{PasswordHash: &hash}
	if !isNew {
		changed := now.Add(-changeSkew).UTC()
		upd.PasswordChangedAt = &changed
	}
	return upd
}

// ChangedAfter reports whether u changed their password at or after iat,
// meaning a token issued at iat must no longer be accepted.
func ChangedAfter(u *store.User, iat time.Time) bool {
	if u.PasswordChangedAt == nil {
		return false
	}
	return !u.PasswordChangedAt.Before(iat)
}
