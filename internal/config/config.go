package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/tokend.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the API and worker daemons.
// Values resolve as env var > environment ini > setting.ini defaults >
// built-in default. Env vars use the TOKEND_ prefix.
type Config struct {
	Environment string

	// HTTP
	ListenAddr string

	// Accounting database: sqlite or postgres.
	DBDriver        string
	SQLitePath      string
	PostgresDSN     string
	PostgresMaxOpen int
	PostgresMaxIdle int

	// Redis backs rate limiting and the cache; empty addr selects the
	// in-process implementations.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Plans table override; empty uses the built-in table.
	PlansFile string

	// Cache
	CacheTTL       time.Duration
	CacheNamespace string

	// Jobs
	WorkerConcurrency int
	JobMaxAttempts    int

	// Ledger retention for the purge loop; 0 disables purging.
	LedgerRetentionDays int

	// Logging
	LogFile  string
	LogLevel string
}

// Load reads the current environment and resolves the daemon config.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:         s.Environment,
		ListenAddr:          firstNonEmpty(os.Getenv("TOKEND_LISTEN_ADDR"), merged["listen_addr"], ":8080"),
		DBDriver:            strings.ToLower(firstNonEmpty(os.Getenv("TOKEND_DB_DRIVER"), merged["db_driver"], "sqlite")),
		SQLitePath:          firstNonEmpty(os.Getenv("TOKEND_SQLITE_PATH"), merged["sqlite_path"], defaultSQLitePath()),
		PostgresDSN:         firstNonEmpty(os.Getenv("TOKEND_POSTGRES_DSN"), merged["postgres_dsn"]),
		PostgresMaxOpen:     parseOptionalInt(firstNonEmpty(os.Getenv("TOKEND_POSTGRES_MAX_OPEN"), merged["postgres_max_open"]), 20),
		PostgresMaxIdle:     parseOptionalInt(firstNonEmpty(os.Getenv("TOKEND_POSTGRES_MAX_IDLE"), merged["postgres_max_idle"]), 5),
		RedisAddr:           firstNonEmpty(os.Getenv("TOKEND_REDIS_ADDR"), merged["redis_addr"]),
		RedisPassword:       firstNonEmpty(os.Getenv("TOKEND_REDIS_PASSWORD"), merged["redis_password"]),
		RedisDB:             parseOptionalInt(firstNonEmpty(os.Getenv("TOKEND_REDIS_DB"), merged["redis_db"]), 0),
		PlansFile:           firstNonEmpty(os.Getenv("TOKEND_PLANS_FILE"), merged["plans_file"]),
		CacheNamespace:      firstNonEmpty(os.Getenv("TOKEND_CACHE_NAMESPACE"), merged["cache_namespace"], "tokend"),
		WorkerConcurrency:   parseOptionalInt(firstNonEmpty(os.Getenv("TOKEND_WORKER_CONCURRENCY"), merged["worker_concurrency"]), 4),
		JobMaxAttempts:      parseOptionalInt(firstNonEmpty(os.Getenv("TOKEND_JOB_MAX_ATTEMPTS"), merged["job_max_attempts"]), 3),
		LedgerRetentionDays: parseOptionalInt(firstNonEmpty(os.Getenv("TOKEND_LEDGER_RETENTION_DAYS"), merged["ledger_retention_days"]), 0),
		LogFile:             firstNonEmpty(os.Getenv("TOKEND_LOG_FILE"), merged["log_file"]),
		LogLevel:            strings.ToLower(firstNonEmpty(os.Getenv("TOKEND_LOG_LEVEL"), merged["log_level"], "info")),
	}

	cfg.CacheTTL = parseOptionalDuration(firstNonEmpty(os.Getenv("TOKEND_CACHE_TTL"), merged["cache_ttl"]), 5*time.Minute)

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unknown db_driver %q (want sqlite or postgres)", cfg.DBDriver)
	}
	if cfg.DBDriver == "postgres" && cfg.PostgresDSN == "" {
		return Config{}, errors.New("db_driver=postgres requires postgres_dsn")
	}
	return cfg, nil
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tokend.db"
	}
	return filepath.Join(home, ".tokend", "tokend.db")
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("TOKEND_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
