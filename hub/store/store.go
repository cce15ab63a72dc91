// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
//
// The relay core only reads through it: device identity for tenant checks,
// revocation at handshake and names for presence enrichment.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by mutations addressing a row that does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)

	// Buildings and rooms
	CreateBuilding(ctx context.Context, b *Building) error
	CreateRoom(ctx context.Context, r *Room) error

	// Devices
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	RevokeDevice(ctx context.Context, id string) error
	DeviceRevoked(ctx context.Context, id string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// User is a console account belonging to one tenant.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Building groups rooms of one tenant.
type Building struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Room belongs to a building.
type Room struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	BuildingID string    `json:"building_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Device is a managed machine. RoomName, BuildingID and BuildingName are
// filled by GetDevice from the room and building it is placed in.
type Device struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	RoomID    string    `json:"room_id,omitempty"`
	Name      string    `json:"name"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RoomName     string `json:"room_name,omitempty"`
	BuildingID   string `json:"building_id,omitempty"`
	BuildingName string `json:"building_name,omitempty"`
}
