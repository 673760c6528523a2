// ABOUTME: JWT access and refresh token issuance and validation
// ABOUTME: Tokens carry the signing key id in the kid header so they verify across rotations

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/hoa/internal/metrics"
	"github.com/2389/hoa/internal/store"
)

// Token errors
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrPrincipalDisabled = errors.New("principal is disabled")
)

// Kind discriminates access tokens from refresh tokens.
type Kind string

// Token kinds
const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the signed payload of every token.
type Claims struct {
	jwt.RegisteredClaims
	Kind Kind `json:"type"`
}

// KeySource supplies signing keys. *keys.Manager implements it.
type KeySource interface {
	GetOrCreateActiveKey(ctx context.Context, alg string) (*store.SigningKey, error)
	KeyByID(ctx context.Context, kid string) (*store.SigningKey, error)
	SigningKey(k *store.SigningKey) (any, error)
	VerificationKey(k *store.SigningKey) (any, error)
}

// PrincipalResolver looks principals up when issuing token pairs.
type PrincipalResolver interface {
	GetPrincipal(ctx context.Context, id string) (*store.Principal, error)
}

// TokenConfig holds issuance settings.
type TokenConfig struct {
	Algorithm  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenPair is the result of a successful sign-in or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

var validMethods = []string{"HS256", "RS256", "ES256", "EdDSA"}

// TokenService issues and validates signed tokens.
type TokenService struct {
	keys       KeySource
	principals PrincipalResolver
	cfg        TokenConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewTokenService creates a TokenService. m may be nil.
func NewTokenService(keys KeySource, principals PrincipalResolver, cfg TokenConfig, m *metrics.Metrics) *TokenService {
	return &TokenService{
		keys:       keys,
		principals: principals,
		cfg:        cfg,
		metrics:    m,
		logger:     slog.Default().With("component", "tokens"),
		now:        time.Now,
	}
}

// IssueAccessToken signs an access token for principalID. A nil ttl uses
// the configured lifetime; a zero or negative ttl yields an already expired
// token.
func (s *TokenService) IssueAccessToken(ctx context.Context, principalID string, ttl *time.Duration) (string, time.Time, error) {
	return s.issue(ctx, principalID, KindAccess, s.cfg.AccessTTL, ttl)
}

// IssueRefreshToken signs a refresh token for principalID.
func (s *TokenService) IssueRefreshToken(ctx context.Context, principalID string, ttl *time.Duration) (string, time.Time, error) {
	return s.issue(ctx, principalID, KindRefresh, s.cfg.RefreshTTL, ttl)
}

func (s *TokenService) issue(ctx context.Context, principalID string, kind Kind, def time.Duration, override *time.Duration) (string, time.Time, error) {
	if principalID == "" {
		return "", time.Time{}, fmt.Errorf("principal id is required")
	}
	lifetime := def
	if override != nil {
		lifetime = *override
	}

	key, err := s.keys.GetOrCreateActiveKey(ctx, s.cfg.Algorithm)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("getting signing key: %w", err)
	}
	signer, err := s.keys.SigningKey(key)
	if err != nil {
		return "", time.Time{}, err
	}
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", time.Time{}, fmt.Errorf("no signing method for %s", key.Algorithm)
	}

	now := s.now()
	expiresAt := now.Add(lifetime)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
		Kind: kind,
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = key.KID
	signed, err := token.SignedString(signer)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	s.metrics.TokenIssued(string(kind))
	return signed, expiresAt, nil
}

// Validate returns the claims of a valid token of the expected kind, or nil.
// Malformed tokens, unknown key ids, bad signatures, expiry and kind
// mismatches all produce nil.
func (s *TokenService) Validate(ctx context.Context, tokenString string, kind Kind) *Claims {
	claims := s.validate(ctx, tokenString, kind)
	s.metrics.TokenValidated(string(kind), claims != nil)
	return claims
}

func (s *TokenService) validate(ctx context.Context, tokenString string, kind Kind) *Claims {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, err := s.keys.KeyByID(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("key %s is %s, token is %s", kid, key.Algorithm, t.Method.Alg())
		}
		return s.keys.VerificationKey(key)
	},
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		s.logger.Debug("token rejected", "error", err)
		return nil
	}
	if claims.Kind != kind || claims.Subject == "" {
		return nil
	}
	return claims
}

// PrincipalIDFromToken returns the subject of a valid access token.
func (s *TokenService) PrincipalIDFromToken(ctx context.Context, tokenString string) (string, bool) {
	claims := s.Validate(ctx, tokenString, KindAccess)
	if claims == nil {
		return "", false
	}
	return claims.Subject, true
}

// IssuePair issues an access and refresh token for an enabled principal.
func (s *TokenService) IssuePair(ctx context.Context, principalID string) (*TokenPair, error) {
	p, err := s.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("resolving principal: %w", err)
	}
	if !p.Enabled {
		return nil, ErrPrincipalDisabled
	}

	access, accessExp, err := s.IssueAccessToken(ctx, p.ID, nil)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.IssueRefreshToken(ctx, p.ID, nil)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		TokenType:        "Bearer",
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims := s.Validate(ctx, refreshToken, KindRefresh)
	if claims == nil {
		return nil, ErrInvalidToken
	}
	return s.IssuePair(ctx, claims.Subject)
}

// Authenticate validates an access token and resolves its principal into an
// AuthContext.
func (s *TokenService) Authenticate(ctx context.Context, accessToken string) (*AuthContext, error) {
	claims := s.Validate(ctx, accessToken, KindAccess)
	if claims == nil {
		return nil, ErrInvalidToken
	}
	p, err := s.principals.GetPrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("resolving principal: %w", err)
	}
	if !p.Enabled {
		return nil, ErrPrincipalDisabled
	}
	return &AuthContext{
		PrincipalID: p.ID,
		Admin:       p.Admin,
		TokenID:     claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
