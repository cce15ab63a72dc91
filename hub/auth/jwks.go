package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSResolver validates externally issued JWTs against a JWKS endpoint.
type JWKSResolver struct {
	issuer string
	jwks   keyfunc.Keyfunc
	cancel context.CancelFunc
}

// NewJWKSResolver creates a resolver that fetches and refreshes keys from
// jwksURL in the background until Close is called.
func NewJWKSResolver(jwksURL, issuer string) (*JWKSResolver, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	r := newJWKSResolver(jwks, issuer)
	r.cancel = cancel
	return r, nil
}

func newJWKSResolver(jwks keyfunc.Keyfunc, issuer string) *JWKSResolver {
	return &JWKSResolver{issuer: issuer, jwks: jwks}
}

// Name returns the provider name.
func (j *JWKSResolver) Name() string { return "jwks" }

// Resolve parses an externally issued JWT and returns its principal.
func (j *JWKSResolver) Resolve(ctx context.Context, tokenStr string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.Parse(tokenStr, j.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrAuthenticationFailure
	}
	return principalFromClaims(claims)
}

// Close stops the JWKS background refresh goroutine.
func (j *JWKSResolver) Close() error {
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}
