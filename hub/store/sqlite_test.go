package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestPlacement inserts a building with one room and returns both.
func createTestPlacement(t *testing.T, s Store, tenantID string) (*Building, *Room) {
	t.Helper()
	ctx := context.Background()
	b := &Building{ID: uuid.New().String(), TenantID: tenantID, Name: "HQ", CreatedAt: time.Now()}
	if err := s.CreateBuilding(ctx, b); err != nil {
		t.Fatalf("CreateBuilding: %v", err)
	}
	r := &Room{ID: uuid.New().String(), TenantID: tenantID, BuildingID: b.ID, Name: "Server Room", CreatedAt: time.Now()}
	if err := s.CreateRoom(ctx, r); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return b, r
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	username := "alice-" + uuid.New().String()[:8]
	u := &User{
		ID:           uuid.New().String(),
		TenantID:     uuid.New().String(),
		Username:     username,
		PasswordHash: "hash",
		Role:         "admin",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, username)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil {
		t.Fatal("GetUser returned nil")
	}
	if got.ID != u.ID || got.TenantID != u.TenantID || got.Role != "admin" {
		t.Errorf("GetUser: got %+v", got)
	}

	// Usernames are unique.
	dup := *u
	dup.ID = uuid.New().String()
	if err := s.CreateUser(ctx, &dup); err == nil {
		t.Error("expected error for duplicate username")
	}

	missing, err := s.GetUser(ctx, "nobody-"+uuid.New().String())
	if err != nil {
		t.Fatalf("GetUser (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}
}

func TestDeviceEnrichment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := uuid.New().String()
	b, r := createTestPlacement(t, s, tenantID)

	d := &Device{ID: uuid.New().String(), TenantID: tenantID, RoomID: r.ID, Name: "kiosk-1"}
	if err := s.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	got, err := s.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got == nil {
		t.Fatal("GetDevice returned nil")
	}
	if got.TenantID != tenantID || got.Name != "kiosk-1" {
		t.Errorf("GetDevice: got %+v", got)
	}
	if got.RoomName != "Server Room" || got.BuildingID != b.ID || got.BuildingName != "HQ" {
		t.Errorf("enrichment: room=%q building=%q/%q", got.RoomName, got.BuildingID, got.BuildingName)
	}

	// Rename through upsert.
	d.Name = "kiosk-1b"
	if err := s.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice (update): %v", err)
	}
	got, _ = s.GetDevice(ctx, d.ID)
	if got.Name != "kiosk-1b" {
		t.Errorf("name after upsert: got %q", got.Name)
	}
}

func TestDeviceWithoutRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Device{ID: uuid.New().String(), TenantID: uuid.New().String(), Name: "loose"}
	if err := s.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	got, err := s.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.RoomID != "" || got.RoomName != "" || got.BuildingName != "" {
		t.Errorf("expected empty placement, got %+v", got)
	}

	missing, err := s.GetDevice(ctx, uuid.New().String())
	if err != nil {
		t.Fatalf("GetDevice (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil, got %+v", missing)
	}
}

func TestRevokeDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Device{ID: uuid.New().String(), TenantID: uuid.New().String(), Name: "laptop"}
	if err := s.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	revoked, err := s.DeviceRevoked(ctx, d.ID)
	if err != nil {
		t.Fatalf("DeviceRevoked: %v", err)
	}
	if revoked {
		t.Error("fresh device reported revoked")
	}

	if err := s.RevokeDevice(ctx, d.ID); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	revoked, err = s.DeviceRevoked(ctx, d.ID)
	if err != nil {
		t.Fatalf("DeviceRevoked: %v", err)
	}
	if !revoked {
		t.Error("revoked device reported not revoked")
	}

	// Unknown devices are not revoked, and cannot be revoked.
	unknown := uuid.New().String()
	if revoked, _ := s.DeviceRevoked(ctx, unknown); revoked {
		t.Error("unknown device reported revoked")
	}
	if err := s.RevokeDevice(ctx, unknown); !errors.Is(err, ErrNotFound) {
		t.Errorf("RevokeDevice (unknown): got %v, want ErrNotFound", err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
