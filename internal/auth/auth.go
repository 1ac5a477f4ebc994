package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"

	"meeshy/internal/content"
	"meeshy/internal/models"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	DefaultSessionTTL  = 5 * time.Minute
)

// Credentials are presented once, at connection time.
type Credentials struct {
	Token        string
	SessionToken string
}

// Store is the part of persistence the auth service reads.
type Store interface {
	GetUser(id string) (models.User, error)
	GetParticipantBySession(token string) (models.AnonymousParticipant, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	SessionTTL  time.Duration `json:"sessionTTL"`
}

type AuthService struct {
	Config
	store    Store
	sessions geche.Geche[string, models.AnonymousParticipant]
	now      func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		store:    store,
		sessions: geche.NewMapTTLCache[string, models.AnonymousParticipant](ctx, config.SessionTTL, time.Minute),
		now:      time.Now,
	}, nil
}

// Authenticate resolves handshake credentials to an identity.
// A JWT takes precedence over a session token when both are given.
// Every failure wraps models.ErrAuthenticationFailed.
func (as *AuthService) Authenticate(ctx context.Context, creds Credentials) (models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
	}

	switch {
	case creds.Token != "":
		return as.authenticateUser(creds.Token)
	case creds.SessionToken != "":
		return as.authenticateParticipant(creds.SessionToken)
	}
	return models.Identity{}, fmt.Errorf("%w: no credentials", models.ErrAuthenticationFailed)
}

func (as *AuthService) authenticateUser(raw string) (models.Identity, error) {
	userID, err := as.VerifyToken(raw)
	if err != nil {
		return models.Identity{}, err
	}

	user, err := as.store.GetUser(userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("user lookup failed", "user_id", userID, "error", err)
		}
		return models.Identity{}, fmt.Errorf("%w: unknown user", models.ErrAuthenticationFailed)
	}
	user.DisplayName = content.Sanitize(user.DisplayName)
	return models.UserIdentity(user), nil
}

func (as *AuthService) authenticateParticipant(token string) (models.Identity, error) {
	if p, err := as.sessions.Get(token); err == nil {
		return models.AnonymousIdentity(p), nil
	}

	p, err := as.store.GetParticipantBySession(token)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("session lookup failed", "error", err)
		}
		return models.Identity{}, fmt.Errorf("%w: unknown session", models.ErrAuthenticationFailed)
	}
	if p.ConversationID == "" {
		return models.Identity{}, fmt.Errorf("%w: session has no conversation", models.ErrAuthenticationFailed)
	}

	p.DisplayName = content.Sanitize(p.DisplayName)
	as.sessions.Set(token, p)
	return models.AnonymousIdentity(p), nil
}

// InvalidateSession drops a cached session so the next handshake hits the store.
func (as *AuthService) InvalidateSession(token string) {
	_ = as.sessions.Del(token)
}

// VerifyToken checks an HS256 JWT and returns its subject.
func (as *AuthService) VerifyToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return []byte(as.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", models.ErrAuthenticationFailed)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID valid for TokenExpiry.
func (as *AuthService) IssueToken(userID string) (string, int64, error) {
	now := as.now()
	expiry := now.Add(as.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	signed, err := token.SignedString([]byte(as.Secret))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiry.Unix(), nil
}
