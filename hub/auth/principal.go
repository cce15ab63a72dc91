// Package auth resolves connection credentials into principals and gates
// operations on the principal kind.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUserExists            = errors.New("user already exists")
	ErrDeviceRevoked         = errors.New("device revoked")
)

// Claim names shared by every token source.
const (
	claimSubject  = "sub"
	claimTenantID = "tenant_id"
	claimDevice   = "device" // presence marks a device principal
	claimTokenUse = "token_use"
)

// Kind distinguishes interactive users from autonomous devices.
type Kind = protocol.PrincipalKind

const (
	KindUser   = protocol.PrincipalUser
	KindDevice = protocol.PrincipalDevice
)

// Principal is the identity resolved for one connection or request.
type Principal struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Kind     Kind
}

// IsZero reports whether p is the anonymous principal.
func (p Principal) IsZero() bool {
	return p.ID == uuid.Nil
}

func (p Principal) String() string {
	return fmt.Sprintf("%s:%s@%s", p.Kind, p.ID, p.TenantID)
}

// Resolver turns a bearer credential into a Principal. Implementations only
// read the credential; they never mutate external state.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

type principalKey struct{}

// WithPrincipal attaches p to ctx for the lifetime of a connection or request.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.IsZero() {
		return Principal{}, false
	}
	return p, true
}

// principalFromClaims applies the resolution rules: subject and tenant must
// be UUIDs, and a device claim of any value marks a device.
func principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, _ := claims[claimSubject].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: subject is not a uuid", ErrAuthenticationFailure)
	}
	tenant, _ := claims[claimTenantID].(string)
	tenantID, err := uuid.Parse(tenant)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: tenant is not a uuid", ErrAuthenticationFailure)
	}
	if id == uuid.Nil || tenantID == uuid.Nil {
		return Principal{}, fmt.Errorf("%w: nil identifier", ErrAuthenticationFailure)
	}

	kind := KindUser
	if _, ok := claims[claimDevice]; ok {
		kind = KindDevice
	}
	return Principal{ID: id, TenantID: tenantID, Kind: kind}, nil
}
