package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// Claims represents the JWT token claims issued by the hub.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Device   *bool  `json:"device,omitempty"`
	TokenUse string `json:"token_use,omitempty"`
	Username string `json:"usr,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Service is the builtin credential authority. It resolves HMAC-signed
// tokens and issues user tokens and device credential pairs.
type Service struct {
	store         store.Store
	jwtSecret     []byte
	userExpiry    time.Duration
	deviceExpiry  time.Duration
	refreshExpiry time.Duration
	initialAdmin  *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:         s,
		jwtSecret:     []byte(cfg.JWTSecret),
		userExpiry:    cfg.JWTExpiry.Duration,
		deviceExpiry:  cfg.DeviceTokenExpiry.Duration,
		refreshExpiry: cfg.RefreshTokenExpiry.Duration,
		initialAdmin:  cfg.InitialAdmin,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Resolve validates an access token and returns its principal.
func (s *Service) Resolve(_ context.Context, tokenStr string) (Principal, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return Principal{}, err
	}
	if use, _ := claims[claimTokenUse].(string); use == tokenUseRefresh {
		return Principal{}, fmt.Errorf("%w: refresh token used as access token", ErrAuthenticationFailure)
	}
	return principalFromClaims(claims)
}

func (s *Service) parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrAuthenticationFailure
	}
	return claims, nil
}

// Bootstrap creates the initial user if configured and not yet present.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.BootstrapAdmin(ctx, s.initialAdmin)
}

// BootstrapAdmin creates the initial admin user from the given config.
func (s *Service) BootstrapAdmin(ctx context.Context, admin *config.InitialAdmin) error {
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUser(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	tenantID := admin.TenantID
	if tenantID == "" {
		tenantID = uuid.New().String()
	} else if _, err := uuid.Parse(tenantID); err != nil {
		return fmt.Errorf("initial admin tenant_id: %w", err)
	}

	_, err = s.Register(ctx, tenantID, admin.Username, admin.Password, "admin")
	return err
}

// Register creates a new user account in tenantID.
func (s *Service) Register(ctx context.Context, tenantID, username, password, role string) (*store.User, error) {
	existing, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login authenticates a user and returns an access token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.IssueUserToken(user)
}

// IssueUserToken signs an access token for a console user.
func (s *Service) IssueUserToken(user *store.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: user.TenantID,
		TokenUse: tokenUseAccess,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.userExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	return s.sign(claims)
}

// IssueDeviceCredentials signs an access/refresh pair for a device.
func (s *Service) IssueDeviceCredentials(deviceID, tenantID uuid.UUID) (protocol.CredentialsIssued, error) {
	now := time.Now()
	device := true
	expiresAt := now.Add(s.deviceExpiry)

	access, err := s.sign(&Claims{
		TenantID: tenantID.String(),
		Device:   &device,
		TokenUse: tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	})
	if err != nil {
		return protocol.CredentialsIssued{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := s.sign(&Claims{
		TenantID: tenantID.String(),
		Device:   &device,
		TokenUse: tokenUseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	})
	if err != nil {
		return protocol.CredentialsIssued{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return protocol.CredentialsIssued{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh exchanges a device refresh token for a new credential pair.
// Revoked devices are refused.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (protocol.CredentialsIssued, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return protocol.CredentialsIssued{}, err
	}
	if use, _ := claims[claimTokenUse].(string); use != tokenUseRefresh {
		return protocol.CredentialsIssued{}, fmt.Errorf("%w: not a refresh token", ErrAuthenticationFailure)
	}
	p, err := principalFromClaims(claims)
	if err != nil {
		return protocol.CredentialsIssued{}, err
	}
	if p.Kind != KindDevice {
		return protocol.CredentialsIssued{}, fmt.Errorf("%w: refresh is for devices only", ErrAuthenticationFailure)
	}

	revoked, err := s.store.DeviceRevoked(ctx, p.ID.String())
	if err != nil {
		return protocol.CredentialsIssued{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return protocol.CredentialsIssued{}, fmt.Errorf("%w: %w", ErrAuthenticationFailure, ErrDeviceRevoked)
	}

	return s.IssueDeviceCredentials(p.ID, p.TenantID)
}

func (s *Service) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
