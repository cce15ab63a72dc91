package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetrelay/fleetrelay/hub/config"
)

// NewResolver returns the resolver selected by cfg.Provider. The builtin
// service always exists because it issues device credentials; with the jwks
// provider it keeps resolving the tokens it issued itself.
func NewResolver(cfg config.AuthConfig, svc *Service) (Resolver, error) {
	switch cfg.Provider {
	case "jwks":
		jwks, err := NewJWKSResolver(cfg.JWKSURL, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		return &Chain{resolvers: []Resolver{jwks, svc}, closers: []func() error{jwks.Close}}, nil
	case "builtin", "":
		return svc, nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

// Chain tries each resolver in order and returns the first success.
type Chain struct {
	resolvers []Resolver
	closers   []func() error
}

// NewChain builds a resolver chain.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, token string) (Principal, error) {
	err := ErrAuthenticationFailure
	for _, r := range c.resolvers {
		p, rerr := r.Resolve(ctx, token)
		if rerr == nil {
			return p, nil
		}
		err = rerr
	}
	return Principal{}, err
}

// Close releases background resources held by chained resolvers.
func (c *Chain) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
