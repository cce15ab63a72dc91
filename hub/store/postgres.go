package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS buildings (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			building_id TEXT NOT NULL REFERENCES buildings(id),
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			room_id TEXT REFERENCES rooms(id),
			name TEXT NOT NULL DEFAULT '',
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, tenant_id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.TenantID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, username, password_hash, role, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.TenantID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Buildings and rooms ---

func (s *PostgresStore) CreateBuilding(ctx context.Context, b *Building) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO buildings (id, tenant_id, name, created_at) VALUES ($1, $2, $3, $4)",
		b.ID, b.TenantID, b.Name, b.CreatedAt,
	)
	return err
}

func (s *PostgresStore) CreateRoom(ctx context.Context, r *Room) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, tenant_id, building_id, name, created_at) VALUES ($1, $2, $3, $4, $5)",
		r.ID, r.TenantID, r.BuildingID, r.Name, r.CreatedAt,
	)
	return err
}

// --- Devices ---

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, tenant_id, room_id, name, revoked, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, room_id=EXCLUDED.room_id,
		 name=EXCLUDED.name, revoked=EXCLUDED.revoked, updated_at=EXCLUDED.updated_at`,
		d.ID, d.TenantID, nullString(d.RoomID), d.Name, d.Revoked, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT d.id, d.tenant_id, COALESCE(d.room_id, ''), d.name, d.revoked, d.created_at, d.updated_at,
		        COALESCE(r.name, ''), COALESCE(b.id, ''), COALESCE(b.name, '')
		 FROM devices d
		 LEFT JOIN rooms r ON r.id = d.room_id
		 LEFT JOIN buildings b ON b.id = r.building_id
		 WHERE d.id = $1`, id,
	).Scan(&d.ID, &d.TenantID, &d.RoomID, &d.Name, &d.Revoked, &d.CreatedAt, &d.UpdatedAt,
		&d.RoomName, &d.BuildingID, &d.BuildingName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *PostgresStore) RevokeDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET revoked = TRUE, updated_at = $1 WHERE id = $2", time.Now(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *PostgresStore) DeviceRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, "SELECT revoked FROM devices WHERE id = $1", id).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return revoked, err
}
