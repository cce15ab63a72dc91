package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS buildings (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			building_id TEXT NOT NULL REFERENCES buildings(id),
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			room_id TEXT REFERENCES rooms(id),
			name TEXT NOT NULL DEFAULT '',
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_tenant_id ON devices(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_building_id ON rooms(building_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, tenant_id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.TenantID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, username, password_hash, role, created_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.TenantID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Buildings and rooms ---

func (s *SQLiteStore) CreateBuilding(ctx context.Context, b *Building) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO buildings (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)",
		b.ID, b.TenantID, b.Name, b.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, r *Room) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, tenant_id, building_id, name, created_at) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.TenantID, r.BuildingID, r.Name, r.CreatedAt,
	)
	return err
}

// --- Devices ---

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, tenant_id, room_id, name, revoked, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, room_id=excluded.room_id,
		 name=excluded.name, revoked=excluded.revoked, updated_at=excluded.updated_at`,
		d.ID, d.TenantID, nullString(d.RoomID), d.Name, d.Revoked, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT d.id, d.tenant_id, COALESCE(d.room_id, ''), d.name, d.revoked, d.created_at, d.updated_at,
		        COALESCE(r.name, ''), COALESCE(b.id, ''), COALESCE(b.name, '')
		 FROM devices d
		 LEFT JOIN rooms r ON r.id = d.room_id
		 LEFT JOIN buildings b ON b.id = r.building_id
		 WHERE d.id = ?`, id,
	).Scan(&d.ID, &d.TenantID, &d.RoomID, &d.Name, &d.Revoked, &d.CreatedAt, &d.UpdatedAt,
		&d.RoomName, &d.BuildingID, &d.BuildingName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *SQLiteStore) RevokeDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET revoked = 1, updated_at = ? WHERE id = ?", time.Now(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeviceRevoked reports whether the device's credentials were revoked.
// Devices unknown to the store are not revoked.
func (s *SQLiteStore) DeviceRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, "SELECT revoked FROM devices WHERE id = ?", id).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return revoked, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}
