package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/pkg/cli"
)

func runWizard(t *testing.T, answers ...string) *config.Config {
	t.Helper()
	p := &cli.Prompter{In: strings.NewReader(strings.Join(answers, "\n") + "\n"), Out: &bytes.Buffer{}}
	path := filepath.Join(t.TempDir(), "hub-config.json")
	if err := New(p).Run(path); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	return cfg
}

func TestWizardSQLiteMemory(t *testing.T) {
	cfg := runWizard(t,
		":9090",      // listen address
		"myadmin",    // admin username
		"secretpass", // admin password
		"",           // tenant id: generated
		"1",          // sqlite
		"./data/fleet.db",
		"n", // no redis
		"10",
		"45s",
	)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	admin := cfg.Auth.InitialAdmin
	if admin == nil || admin.Username != "myadmin" || admin.Password != "secretpass" {
		t.Fatalf("initial admin = %+v", admin)
	}
	if _, err := uuid.Parse(admin.TenantID); err != nil {
		t.Errorf("tenant id %q: %v", admin.TenantID, err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "./data/fleet.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Backplane.Driver != "memory" {
		t.Errorf("backplane = %q", cfg.Backplane.Driver)
	}
	if cfg.Relay.MaxTargets != 10 || cfg.Relay.BatchTimeout.Duration != 45*time.Second {
		t.Errorf("relay = %+v", cfg.Relay)
	}
}

func TestWizardPostgresRedis(t *testing.T) {
	tenant := uuid.NewString()
	cfg := runWizard(t,
		"", "", "pass123", tenant,
		"2", "postgres://fleet:pass@db:5432/fleet",
		"y", "redis:6379",
		"", "",
	)

	if cfg.Server.Addr != ":8080" || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("defaults not applied: addr=%q user=%q", cfg.Server.Addr, cfg.Auth.InitialAdmin.Username)
	}
	if cfg.Auth.InitialAdmin.TenantID != tenant {
		t.Errorf("tenant = %q", cfg.Auth.InitialAdmin.TenantID)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://fleet:pass@db:5432/fleet" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Backplane.Driver != "redis" || cfg.Backplane.RedisAddr != "redis:6379" {
		t.Errorf("backplane = %+v", cfg.Backplane)
	}
	if cfg.Relay.MaxTargets != 20 || cfg.Relay.BatchTimeout.Duration != 30*time.Second {
		t.Errorf("relay = %+v", cfg.Relay)
	}
}

func TestWizardRejectsBadTenant(t *testing.T) {
	p := &cli.Prompter{In: strings.NewReader(":8080\nadmin\npw\nnot-a-uuid\n"), Out: &bytes.Buffer{}}
	if err := New(p).Run(filepath.Join(t.TempDir(), "c.json")); err == nil {
		t.Fatal("expected error for malformed tenant id")
	}
}

func TestRunDefaults(t *testing.T) {
	t.Setenv("FLEET_ADDR", ":7000")
	t.Setenv("FLEET_ADMIN_PASSWORD", "from-env")
	t.Setenv("FLEET_STORAGE_DSN", filepath.Join(t.TempDir(), "fleet.db"))
	t.Setenv("FLEET_REDIS_ADDR", "cache:6379")
	t.Setenv("FLEET_MAX_TARGETS", "50")

	out := &bytes.Buffer{}
	path := filepath.Join(t.TempDir(), "hub-config.json")
	if err := New(&cli.Prompter{Out: out}).RunDefaults(path); err != nil {
		t.Fatalf("RunDefaults: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Auth.InitialAdmin.Password != "from-env" {
		t.Errorf("env not applied: %+v %+v", cfg.Server, cfg.Auth.InitialAdmin)
	}
	if cfg.Backplane.Driver != "redis" || cfg.Backplane.RedisAddr != "cache:6379" {
		t.Errorf("backplane = %+v", cfg.Backplane)
	}
	if cfg.Relay.MaxTargets != 50 {
		t.Errorf("max targets = %d", cfg.Relay.MaxTargets)
	}
}

func TestRunDefaultsPostgresNeedsDSN(t *testing.T) {
	t.Setenv("FLEET_STORAGE_DRIVER", "postgres")
	t.Setenv("FLEET_STORAGE_DSN", "")
	if err := New(&cli.Prompter{Out: &bytes.Buffer{}}).RunDefaults(filepath.Join(t.TempDir(), "c.json")); err == nil {
		t.Fatal("expected error without DSN")
	}
}
