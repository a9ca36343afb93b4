package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// testUsers runs the behaviour every Users adapter must share.
func testUsers(t *testing.T, newStore func(t *testing.T) Users) {
	t.Run("create and find", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u, err := s.Create(ctx, &User{Name: "Ada", Email: "  Ada@Example.com ", PasswordHash: "hash", RefreshToken: "ignored"})
		require.NoError(t, err)
		require.NotEmpty(t, u.ID)
		assert.Equal(t, "ada@example.com", u.Email)
		assert.Equal(t, RoleUser, u.Role)
		assert.Empty(t, u.RefreshToken)
		assert.Nil(t, u.PasswordChangedAt)

		byID, err := s.FindByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Email, byID.Email)
		assert.Equal(t, "hash", byID.PasswordHash)

		byEmail, err := s.FindByField(ctx, FieldEmail, "ADA@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)
	})

	t.Run("duplicate email", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Create(ctx, &User{Name: "a", Email: "dup@example.com", PasswordHash: "h"})
		require.NoError(t, err)
		_, err = s.Create(ctx, &User{Name: "b", Email: "DUP@example.com", PasswordHash: "h"})
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	})

	t.Run("missing records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.FindByID(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByField(ctx, FieldEmail, "nobody@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByField(ctx, FieldRefreshToken, "")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByField(ctx, Field("password"), "x")
		assert.ErrorIs(t, err, ErrUnknownField)
		_, err = s.Update(ctx, "nope", Update{RefreshToken: strPtr("t")})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrNotFound)
	})

	t.Run("refresh slot rotation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.Create(ctx, &User{Name: "r", Email: "r@example.com", PasswordHash: "h"})
		require.NoError(t, err)

		got, err := s.Update(ctx, u.ID, Update{RefreshToken: strPtr("first")})
		require.NoError(t, err)
		assert.Equal(t, "first", got.RefreshToken)

		_, err = s.Update(ctx, u.ID, Update{RefreshToken: strPtr("second")})
		require.NoError(t, err)

		_, err = s.FindByField(ctx, FieldRefreshToken, "first")
		assert.ErrorIs(t, err, ErrNotFound)
		found, err := s.FindByField(ctx, FieldRefreshToken, "second")
		require.NoError(t, err)
		assert.Equal(t, u.ID, found.ID)

		cleared, err := s.Update(ctx, u.ID, Update{RefreshToken: strPtr("")})
		require.NoError(t, err)
		assert.Empty(t, cleared.RefreshToken)
		_, err = s.FindByField(ctx, FieldRefreshToken, "second")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("password fields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.Create(ctx, &User{Name: "p", Email: "p@example.com", PasswordHash: "old"})
		require.NoError(t, err)

		changed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		got, err := s.Update(ctx, u.ID, Update{PasswordHash: strPtr("new"), PasswordChangedAt: &changed})
		require.NoError(t, err)
		assert.Equal(t, "new", got.PasswordHash)
		require.NotNil(t, got.PasswordChangedAt)
		assert.True(t, changed.Equal(*got.PasswordChangedAt))
		assert.Equal(t, "p", got.Name, "untouched fields survive")

		again, err := s.FindByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, again.PasswordChangedAt)
		assert.True(t, changed.Equal(*again.PasswordChangedAt))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.Create(ctx, &User{Name: "d", Email: "d@example.com", PasswordHash: "h"})
		require.NoError(t, err)
		_, err = s.Update(ctx, u.ID, Update{RefreshToken: strPtr("tok")})
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, u.ID))
		_, err = s.FindByID(ctx, u.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByField(ctx, FieldRefreshToken, "tok")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Create(ctx, &User{Name: "d2", Email: "d@example.com", PasswordHash: "h"})
		assert.NoError(t, err, "email is free again after delete")
	})

	t.Run("revoke refresh token", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.Create(ctx, &User{Name: "v", Email: "v@example.com", PasswordHash: "h"})
		require.NoError(t, err)
		_, err = s.Update(ctx, u.ID, Update{RefreshToken: strPtr("old")})
		require.NoError(t, err)
		_, err = s.Update(ctx, u.ID, Update{RefreshToken: strPtr("new")})
		require.NoError(t, err)

		// a token that lost the slot revokes nothing
		_, err = s.RevokeRefreshToken(ctx, "old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.RevokeRefreshToken(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)
		kept, err := s.FindByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "new", kept.RefreshToken)

		revoked, err := s.RevokeRefreshToken(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, u.ID, revoked.ID)
		assert.Empty(t, revoked.RefreshToken)
		_, err = s.FindByField(ctx, FieldRefreshToken, "new")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.RevokeRefreshToken(ctx, "new")
		assert.ErrorIs(t, err, ErrNotFound, "second revoke is a no-op")

		// the slot is usable again afterwards
		_, err = s.Update(ctx, u.ID, Update{RefreshToken: strPtr("again")})
		require.NoError(t, err)
		found, err := s.FindByField(ctx, FieldRefreshToken, "again")
		require.NoError(t, err)
		assert.Equal(t, u.ID, found.ID)
	})

	t.Run("conditional password update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.Create(ctx, &User{Name: "k", Email: "k@example.com", PasswordHash: "h1"})
		require.NoError(t, err)

		_, err = s.Update(ctx, u.ID, Update{PasswordHash: strPtr("h2"), RefreshToken: strPtr("s2"), ExpectPasswordHash: strPtr("h1")})
		require.NoError(t, err)

		// a writer that read h1 before the change above loses
		_, err = s.Update(ctx, u.ID, Update{PasswordHash: strPtr("h3"), RefreshToken: strPtr("s3"), ExpectPasswordHash: strPtr("h1")})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.FindByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "h2", got.PasswordHash)
		assert.Equal(t, "s2", got.RefreshToken)
		_, err = s.FindByField(ctx, FieldRefreshToken, "s3")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Update(ctx, "nope", Update{PasswordHash: strPtr("x"), ExpectPasswordHash: strPtr("h2")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent slot writes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.Create(ctx, &User{Name: "c", Email: "c@example.com", PasswordHash: "h"})
		require.NoError(t, err)

		tokens := []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"}
		var wg sync.WaitGroup
		for _, tok := range tokens {
			wg.Add(1)
			go func(tok string) {
				defer wg.Done()
				_, err := s.Update(ctx, u.ID, Update{RefreshToken: strPtr(tok)})
				assert.NoError(t, err)
			}(tok)
		}
		wg.Wait()

		final, err := s.FindByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Contains(t, tokens, final.RefreshToken)
		assert.Equal(t, "h", final.PasswordHash)

		// only the winning token is still indexed
		found, err := s.FindByField(ctx, FieldRefreshToken, final.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, u.ID, found.ID)
	})

	t.Run("concurrent revoke and rotate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.Create(ctx, &User{Name: "cr", Email: "cr@example.com", PasswordHash: "h"})
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			_, err := s.Update(ctx, u.ID, Update{RefreshToken: strPtr("stale")})
			require.NoError(t, err)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = s.RevokeRefreshToken(ctx, "stale")
			}()
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, u.ID, Update{RefreshToken: strPtr("fresh")})
				assert.NoError(t, err)
			}()
			wg.Wait()

			// whichever ran first, the fresh session is never wiped
			got, err := s.FindByID(ctx, u.ID)
			require.NoError(t, err)
			require.Equal(t, "fresh", got.RefreshToken)
		}
	})
}
