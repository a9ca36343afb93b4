// Package auth implements the session state machine: login, register,
// refresh, logout, password change and the protect guard.
//
// A request moves Anonymous -> Authenticating -> Authenticated through
// Authenticate. Independently each user is SessionActive while their
// refresh-token slot holds a value and SessionRevoked once it is cleared.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/nileauth/internal/credential"
	"github.com/example/nileauth/internal/session"
	"github.com/example/nileauth/internal/store"
	"github.com/example/nileauth/internal/token"
)

const defaultWriteTimeout = 5 * time.Second

// Hasher hashes and verifies passwords.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

// Result is the outcome of a successful login, register, refresh or
// password change. RefreshToken is empty when no new refresh token was
// issued.
type Result struct {
	AccessToken  string
	RefreshToken string
	User         *store.User
}

// RegisterInput carries the fields needed to create an account.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Flow orchestrates the auth operations.
type Flow struct {
	users    store.Users
	sessions *session.Store
	issuer   *token.Issuer
	verifier *token.Verifier
	hasher   Hasher
	log      *zap.Logger

	now          func() time.Time
	writeTimeout time.Duration
	// compared against when the email is unknown so both failure paths cost one hash check
	dummyHash string
}

// Option configures a Flow.
type Option func(*Flow)

// WithClock replaces time.Now. The issuer and verifier should share it.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// WithWriteTimeout bounds slot writes that run detached from the request.
func WithWriteTimeout(d time.Duration) Option {
	return func(f *Flow) { f.writeTimeout = d }
}

// NewFlow builds the auth flow over users. It hashes a dummy password once
// so unknown-email logins cost the same as wrong-password ones.
func NewFlow(users store.Users, issuer *token.Issuer, verifier *token.Verifier, hasher Hasher, log *zap.Logger, opts ...Option) (*Flow, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Flow{
		users:        users,
		sessions:     session.NewStore(users),
		issuer:       issuer,
		verifier:     verifier,
		hasher:       hasher,
		log:          log.Named("auth"),
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	dummy, err := hasher.Hash("nileauth-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	f.dummyHash = dummy
	return f, nil
}

// RefreshTTL is the lifetime of issued refresh tokens.
func (f *Flow) RefreshTTL() time.Duration { return f.issuer.RefreshTTL() }

// detached returns a context that survives client disconnects but is still
// bounded, so a slot write either completes or fails as a whole.
func (f *Flow) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), f.writeTimeout)
}

// startSession mints an access/refresh pair and stores the refresh token in
// the user's slot. This is the rotation point.
func (f *Flow) startSession(ctx context.Context, u *store.User) (*Result, error) {
	pair, err := f.issuer.IssuePair(u.ID)
	if err != nil {
		return nil, err
	}
	wctx, cancel := f.detached(ctx)
	defer cancel()
	updated, err := f.sessions.SetRefreshToken(wctx, u.ID, pair.Refresh)
	if err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}
	return &Result{AccessToken: pair.Access, RefreshToken: pair.Refresh, User: updated}, nil
}

// Login checks email and password and starts a new session. Unknown email
// and wrong password fail with the same error.
func (f *Flow) Login(ctx context.Context, email, password string) (*Result, error) {
	if email == "" || password == "" {
		return nil, ErrMissingCredentials
	}
	u, err := f.users.FindByField(ctx, store.FieldEmail, email)
	if errors.Is(err, store.ErrNotFound) {
		f.hasher.Verify(password, f.dummyHash)
		f.log.Info("login failed")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	if !f.hasher.Verify(password, u.PasswordHash) {
		f.log.Info("login failed", zap.String("user_id", u.ID))
		return nil, ErrInvalidCredentials
	}

	res, err := f.startSession(ctx, u)
	if err != nil {
		return nil, err
	}
	f.log.Info("login succeeded", zap.String("user_id", u.ID))
	return res, nil
}

// Register creates a user and starts their first session.
func (f *Flow) Register(ctx context.Context, in RegisterInput) (*Result, error) {
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return nil, ErrRegistrationFailed
	}
	hash, err := f.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	upd := credential.OnPasswordSet(hash, true, f.now())
	u, err := f.users.Create(ctx, &store.User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: *upd.PasswordHash,
		Role:         store.RoleUser,
	})
	if errors.Is(err, store.ErrDuplicateEmail) {
		return nil, ErrRegistrationFailed.wrap(err)
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	res, err := f.startSession(ctx, u)
	if err != nil {
		return nil, err
	}
	f.log.Info("user registered", zap.String("user_id", u.ID))
	return res, nil
}

// Authenticate is the protect guard. It resolves the user behind a bearer
// access token and rejects tokens minted before the last password change.
func (f *Flow) Authenticate(ctx context.Context, bearer string) (*store.User, error) {
	if bearer == "" {
		return nil, ErrNotAuthenticated
	}
	claims, err := f.verifier.VerifyAccess(bearer)
	if err != nil {
		return nil, ErrNotAuthenticated.wrap(err)
	}
	u, err := f.users.FindByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserGone
	}
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	if credential.ChangedAfter(u, claims.IssuedAt) {
		f.log.Info("stale access token", zap.String("user_id", u.ID))
		return nil, ErrStalePassword
	}
	return u, nil
}

// Refresh mints a new access token for the holder of the user's current
// refresh token. The presented token must equal the stored slot, so a
// rotated-away or logged-out token is refused even while unexpired.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	if refreshToken == "" {
		return nil, ErrNotAuthenticated
	}
	claims, err := f.verifier.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrRefreshInvalid.wrap(err)
	}
	u, err := f.users.FindByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRefreshInvalid.wrap(err)
	}
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	if !session.Matches(u, refreshToken) {
		f.log.Warn("refresh token does not match session slot", zap.String("user_id", u.ID))
		return nil, ErrRefreshInvalid
	}

	access, err := f.issuer.IssueAccess(u.ID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	return &Result{AccessToken: access, User: u}, nil
}

// Logout clears the slot holding refreshToken. It reports whether a session
// was actually revoked; an empty or unknown token is a successful no-op.
func (f *Flow) Logout(ctx context.Context, refreshToken string) (bool, error) {
	if refreshToken == "" {
		return false, nil
	}
	wctx, cancel := f.detached(ctx)
	defer cancel()
	u, err := f.sessions.ClearIfMatches(wctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clear session: %w", err)
	}
	f.log.Info("session revoked", zap.String("user_id", u.ID))
	return true, nil
}

// ChangePassword replaces the password of an authenticated user. The new
// hash, the change timestamp and a freshly rotated refresh token are
// written in one update, so every earlier access and refresh token stops
// working at once.
func (f *Flow) ChangePassword(ctx context.Context, userID, current, next string) (*Result, error) {
	if current == "" || next == "" {
		return nil, BadRequest("Please provide your current and new password")
	}
	u, err := f.users.FindByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserGone
	}
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	if !f.hasher.Verify(current, u.PasswordHash) {
		return nil, ErrWrongPassword
	}

	hash, err := f.hasher.Hash(next)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	pair, err := f.issuer.IssuePair(u.ID)
	if err != nil {
		return nil, err
	}
	upd := credential.OnPasswordSet(hash, false, f.now())
	upd.RefreshToken = &pair.Refresh
	// only applies if nobody changed the password since it was verified
	upd.ExpectPasswordHash = &u.PasswordHash

	wctx, cancel := f.detached(ctx)
	defer cancel()
	updated, err := f.users.Update(wctx, u.ID, upd)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserGone
	}
	if errors.Is(err, store.ErrConflict) {
		f.log.Info("concurrent password change lost", zap.String("user_id", u.ID))
		return nil, ErrWrongPassword.wrap(err)
	}
	if err != nil {
		return nil, fmt.Errorf("update password: %w", err)
	}
	f.log.Info("password changed", zap.String("user_id", u.ID))
	return &Result{AccessToken: pair.Access, RefreshToken: pair.Refresh, User: updated}, nil
}

// Authorize fails with ErrForbidden unless u has one of roles.
func Authorize(u *store.User, roles ...store.Role) error {
	if u == nil {
		return ErrNotAuthenticated
	}
	for _, r := range roles {
		if u.Role == r {
			return nil
		}
	}
	return ErrForbidden
}

// DeleteUser removes a user record. Only admins may call it.
func (f *Flow) DeleteUser(ctx context.Context, actor *store.User, id string) error {
	if err := Authorize(actor, store.RoleAdmin); err != nil {
		return err
	}
	err := f.users.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	f.log.Info("user deleted", zap.String("user_id", id), zap.String("actor_id", actor.ID))
	return nil
}
