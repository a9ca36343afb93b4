// Package token issues and verifies the signed access and refresh tokens.
//
// Access and refresh tokens are HS256 JWTs signed with two distinct secrets,
// so a leak of one secret cannot be used to forge the other kind of token.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")

	errMissingSecret = errors.New("access and refresh secrets are required")
	errSharedSecret  = errors.New("access and refresh secrets must differ")
)

var signingMethod = jwt.SigningMethodHS256

// Config holds signing material and lifetimes for both token kinds.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (c *Config) normalize() error {
	if len(c.AccessSecret) == 0 || len(c.RefreshSecret) == 0 {
		return errMissingSecret
	}
	if string(c.AccessSecret) == string(c.RefreshSecret) {
		return errSharedSecret
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// AccessClaims is what a verified access token tells the caller.
type AccessClaims struct {
	UserID   string
	IssuedAt time.Time
}

// RefreshClaims is what a verified refresh token tells the caller.
type RefreshClaims struct {
	UserID string
}

// Pair is a freshly minted access/refresh token pair.
type Pair struct {
	Access  string
	Refresh string
}

// Issuer mints tokens.
type Issuer struct {
	cfg Config
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg}, nil
}

// RefreshTTL is the lifetime of refresh tokens, used for cookie expiry.
func (i *Issuer) RefreshTTL() time.Duration { return i.cfg.RefreshTTL }

// IssueAccess signs a token carrying sub and iat that expires after AccessTTL.
func (i *Issuer) IssueAccess(userID string) (string, error) {
	now := i.cfg.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    i.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
	}
	return jwt.NewWithClaims(signingMethod, claims).SignedString(i.cfg.AccessSecret)
}

// IssueRefresh signs a refresh token with the refresh secret. Each token
// carries a random jti, so two issuances never produce the same value.
func (i *Issuer) IssueRefresh(userID string) (string, error) {
	now := i.cfg.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		Issuer:    i.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.RefreshTTL)),
	}
	return jwt.NewWithClaims(signingMethod, claims).SignedString(i.cfg.RefreshSecret)
}

func (i *Issuer) IssuePair(userID string) (Pair, error) {
	access, err := i.IssueAccess(userID)
	if err != nil {
		return Pair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := i.IssueRefresh(userID)
	if err != nil {
		return Pair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// Verifier checks tokens produced by an Issuer with the same Config.
type Verifier struct {
	cfg    Config
	parser *jwt.Parser
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

func (v *Verifier) parse(tokenString string, secret []byte) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyAccess checks signature and expiry of an access token.
func (v *Verifier) VerifyAccess(tokenString string) (AccessClaims, error) {
	claims, err := v.parse(tokenString, v.cfg.AccessSecret)
	if err != nil {
		return AccessClaims{}, err
	}
	if claims.IssuedAt == nil {
		return AccessClaims{}, ErrTokenInvalid
	}
	return AccessClaims{UserID: claims.Subject, IssuedAt: claims.IssuedAt.Time}, nil
}

// VerifyRefresh checks signature and expiry of a refresh token. A valid
// result is necessary but not sufficient: the caller must also match it
// against the user's stored slot.
func (v *Verifier) VerifyRefresh(tokenString string) (RefreshClaims, error) {
	claims, err := v.parse(tokenString, v.cfg.RefreshSecret)
	if err != nil {
		return RefreshClaims{}, err
	}
	return RefreshClaims{UserID: claims.Subject}, nil
}
