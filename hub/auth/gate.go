package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Policy is a capability check over the ambient principal.
type Policy int

const (
	// DeviceOnly admits device principals only.
	DeviceOnly Policy = iota + 1
	// UserOnly admits user principals only.
	UserOnly
)

func (p Policy) String() string {
	switch p {
	case DeviceOnly:
		return "device_only"
	case UserOnly:
		return "user_only"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Allows reports whether pr satisfies the policy. The anonymous principal
// satisfies neither.
func (p Policy) Allows(pr Principal) bool {
	if pr.IsZero() {
		return false
	}
	switch p {
	case DeviceOnly:
		return pr.Kind == KindDevice
	case UserOnly:
		return pr.Kind == KindUser
	default:
		return false
	}
}

// Check applies the policy to the principal attached to ctx.
func (p Policy) Check(ctx context.Context) error {
	pr, _ := PrincipalFrom(ctx)
	if !p.Allows(pr) {
		return fmt.Errorf("%w: %s", ErrAuthorizationDenied, p)
	}
	return nil
}

// RequirePolicy is HTTP middleware rejecting requests whose principal fails p.
// It must run after the authentication middleware has attached a principal.
func RequirePolicy(p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := p.Check(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "authorization denied",
					"code":  "authorization_denied",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
