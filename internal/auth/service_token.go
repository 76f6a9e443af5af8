package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultServiceTokenTTL = 30 * time.Minute
	// tokens are re-minted once less than this fraction of their lifetime remains
	serviceTokenRefreshDivisor = 5
)

var (
	ErrMissingServiceSigningSecret = errors.New("service token: signing secret required")
	ErrMissingServiceIssuer        = errors.New("service token: issuer required")
	ErrMissingServiceAudience      = errors.New("service token: audience required")
	ErrMissingServiceSubject       = errors.New("service token: subject required")
	ErrInvalidServiceToken         = errors.New("service token: invalid token")
)

// ServiceTokenConfig configures the issuer of tokens presented to the
// snapshot, history and live endpoints.
type ServiceTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Subject       string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// ServiceTokenIssuer mints HS256 service tokens and caches the current one.
type ServiceTokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	subject       string
	ttl           time.Duration
	clock         func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewServiceTokenIssuer validates cfg.
func NewServiceTokenIssuer(cfg ServiceTokenConfig) (*ServiceTokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingServiceSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingServiceIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingServiceAudience
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, ErrMissingServiceSubject
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultServiceTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ServiceTokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		subject:       subject,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Token returns a valid token for the configured subject, minting a new one
// when the cached token is close to expiry.
func (i *ServiceTokenIssuer) Token(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.clock().UTC()
	if i.cached != "" && i.expiresAt.Sub(now) > i.ttl/serviceTokenRefreshDivisor {
		return i.cached, nil
	}
	token, expiresAt, err := i.IssueToken(ctx, i.subject)
	if err != nil {
		return "", err
	}
	i.cached = token
	i.expiresAt = expiresAt
	return token, nil
}

// AuthorizationHeader returns a header carrying the current bearer token.
func (i *ServiceTokenIssuer) AuthorizationHeader(ctx context.Context) (http.Header, error) {
	token, err := i.Token(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// IssueToken produces a signed JWT for subject and its expiry.
func (i *ServiceTokenIssuer) IssueToken(_ context.Context, subject string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, ErrMissingServiceSubject
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, registered).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies a service token and returns its subject.
func (i *ServiceTokenIssuer) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServiceToken, err)
	}
	if claims.Subject == "" {
		return "", ErrMissingServiceSubject
	}
	return claims.Subject, nil
}

// BearerToken extracts the token of an `Authorization: Bearer` header.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
