// Package auth validates the bearer tokens producers present to the publish
// endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/polyglot-sync/relay/internal/config"
)

// PublishScope must appear in a token's space-separated scope claim.
const PublishScope = "relay:publish"

// ErrUnauthorized is returned for any token that fails validation.
var ErrUnauthorized = errors.New("unauthorized")

// Publisher identifies the producer behind a validated token.
type Publisher struct {
	Subject string
}

// Validator checks publisher tokens.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Publisher, error)
}

// Claims are the claims carried by relay-issued publisher tokens.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// NewValidator builds the validator named by cfg: JWKS when a URL is set,
// otherwise HMAC with the shared secret.
func NewValidator(cfg config.PublisherConfig) (Validator, error) {
	if cfg.JWKSURL != "" {
		return NewJWKSValidator(cfg.JWKSURL, cfg.Issuer)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("publisher auth: no jwt_secret or jwks_url configured")
	}
	return NewHMACValidator(cfg.JWTSecret, cfg.Issuer), nil
}

// HMACValidator validates HS256 tokens signed with a shared secret.
type HMACValidator struct {
	secret []byte
	issuer string
}

func NewHMACValidator(secret, issuer string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret), issuer: issuer}
}

func (v *HMACValidator) ValidateToken(ctx context.Context, tokenStr string) (*Publisher, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !hasScope(claims.Scope) {
		return nil, ErrUnauthorized
	}
	return &Publisher{Subject: claims.Subject}, nil
}

// Issue signs an HS256 publisher token. It is used by the publish command and
// by deployments that mint tokens for their producers.
func Issue(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: PublishScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// JWKSValidator validates tokens against keys fetched from a JWKS endpoint.
type JWKSValidator struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

func NewJWKSValidator(jwksURL, issuer string) (*JWKSValidator, error) {
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSValidator{issuer: issuer, jwks: jwks}, nil
}

func (v *JWKSValidator) ValidateToken(ctx context.Context, tokenStr string) (*Publisher, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	scope, _ := claims["scope"].(string)
	if !hasScope(scope) {
		return nil, ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	return &Publisher{Subject: sub}, nil
}

func hasScope(scope string) bool {
	return slices.Contains(strings.Fields(scope), PublishScope)
}
