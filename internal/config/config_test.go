package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev environment, got %q", cfg.Environment)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("expected sqlite default, got %q", cfg.DBDriver)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("unexpected cache ttl %v", cfg.CacheTTL)
	}
	if cfg.WorkerConcurrency != 4 || cfg.JobMaxAttempts != 3 {
		t.Fatalf("unexpected worker defaults: %+v", cfg)
	}
}

func TestLoadEnvironmentFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = prod\nlog_level = warn\n")
	writeFile(t, filepath.Join(root, "config/prod/tokend.ini"), `
listen_addr = :9090
db_driver = postgres
postgres_dsn = postgres://tokend:secret@db/tokend
redis_addr = redis:6379
cache_ttl = 90s
worker_concurrency = 8
ledger_retention_days = 180
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "prod" {
		t.Fatalf("expected prod, got %q", cfg.Environment)
	}
	if cfg.ListenAddr != ":9090" || cfg.DBDriver != "postgres" {
		t.Fatalf("env file not applied: %+v", cfg)
	}
	if cfg.PostgresDSN != "postgres://tokend:secret@db/tokend" {
		t.Fatalf("unexpected dsn %q", cfg.PostgresDSN)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.RedisAddr)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Fatalf("unexpected cache ttl %v", cfg.CacheTTL)
	}
	if cfg.WorkerConcurrency != 8 || cfg.LedgerRetentionDays != 180 {
		t.Fatalf("numeric keys not applied: %+v", cfg)
	}
	// setting.ini defaults survive when the env file leaves them unset.
	if cfg.LogLevel != "warn" {
		t.Fatalf("defaults from setting.ini lost: %q", cfg.LogLevel)
	}
}

func TestEnvVarsWin(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = dev\n")
	writeFile(t, filepath.Join(root, "config/dev/tokend.ini"), "listen_addr = :9090\n")
	t.Setenv("TOKEND_LISTEN_ADDR", ":7070")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env var should win, got %q", cfg.ListenAddr)
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = dev\ndb_driver = postgres\n")
	if _, err := Load(root); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
}

func TestUnknownDriverRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = dev\ndb_driver = oracle\n")
	if _, err := Load(root); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), `
environment = dev
worker_concurrency = many
cache_ttl = soon
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("malformed int should fall back, got %d", cfg.WorkerConcurrency)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("malformed duration should fall back, got %v", cfg.CacheTTL)
	}
}
