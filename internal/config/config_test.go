package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Database defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "jobservice.db" {
		t.Errorf("expected DSN jobservice.db, got %s", cfg.Database.DSN)
	}
	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("expected max_open_conns 25, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MigrationsDir != "" {
		t.Errorf("expected embedded migrations by default, got %s", cfg.Database.MigrationsDir)
	}

	// Scheduler defaults
	if cfg.Scheduler.LoopInterval != 1*time.Second {
		t.Errorf("expected loop_interval 1s, got %v", cfg.Scheduler.LoopInterval)
	}
	if cfg.Scheduler.InboxBufferSize != 10000 {
		t.Errorf("expected inbox_buffer_size 10000, got %d", cfg.Scheduler.InboxBufferSize)
	}

	// Dispatcher and job defaults
	if cfg.Dispatcher.Workers != 16 {
		t.Errorf("expected 16 workers, got %d", cfg.Dispatcher.Workers)
	}
	if cfg.Jobs.DefaultMaxRetries != 3 {
		t.Errorf("expected default_max_retries 3, got %d", cfg.Jobs.DefaultMaxRetries)
	}

	// HTTP defaults
	if !cfg.HTTP.Enabled {
		t.Error("expected HTTP enabled by default")
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Errorf("expected addr 0.0.0.0:8080, got %s", cfg.HTTP.Addr())
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[database]
driver = "postgres"
dsn = "postgres://localhost/test"
max_open_conns = 50

[scheduler]
loop_interval = "2s"
inbox_buffer_size = 5000

[dispatcher]
workers = 4
backoff = "exponential"
rate_limit = 12.5

[jobs]
default_timeout = "1m"

[http]
enabled = false
port = 9000
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Check overridden values
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Database.MaxOpenConns != 50 {
		t.Errorf("expected max_open_conns 50, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Scheduler.LoopInterval != 2*time.Second {
		t.Errorf("expected loop_interval 2s, got %v", cfg.Scheduler.LoopInterval)
	}
	if cfg.Scheduler.InboxBufferSize != 5000 {
		t.Errorf("expected inbox_buffer_size 5000, got %d", cfg.Scheduler.InboxBufferSize)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Dispatcher.Workers)
	}
	if cfg.Dispatcher.Backoff != "exponential" {
		t.Errorf("expected exponential backoff, got %s", cfg.Dispatcher.Backoff)
	}
	if cfg.Dispatcher.RateLimit != 12.5 {
		t.Errorf("expected rate_limit 12.5, got %v", cfg.Dispatcher.RateLimit)
	}
	if cfg.Jobs.DefaultTimeout != time.Minute {
		t.Errorf("expected default_timeout 1m, got %v", cfg.Jobs.DefaultTimeout)
	}
	if cfg.HTTP.Enabled {
		t.Error("expected HTTP disabled")
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("expected HTTP port 9000, got %d", cfg.HTTP.Port)
	}

	// Check defaults are preserved for unspecified values
	if cfg.Database.MaxIdleConns != 5 {
		t.Errorf("expected default max_idle_conns 5, got %d", cfg.Database.MaxIdleConns)
	}
	if cfg.Scheduler.BatchSize != 500 {
		t.Errorf("expected default batch_size 500, got %d", cfg.Scheduler.BatchSize)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
[scheduler]
loop_intervall = "2s"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "loop_intervall") {
		t.Errorf("expected error to name the key, got %v", err)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Should have defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver sqlite3, got %s", cfg.Database.Driver)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
[database]
dsn = "from-file.db"

[http]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("JOBSERVICE_DATABASE_DSN", "from-env.db")
	t.Setenv("JOBSERVICE_SCHEDULER_LOOP_INTERVAL", "250ms")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.DSN != "from-env.db" {
		t.Errorf("expected DSN from env, got %s", cfg.Database.DSN)
	}
	if cfg.Scheduler.LoopInterval != 250*time.Millisecond {
		t.Errorf("expected loop_interval 250ms, got %v", cfg.Scheduler.LoopInterval)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("expected file port 9000 to survive, got %d", cfg.HTTP.Port)
	}
}

// ============================================================================
// Environment Tests
// ============================================================================

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()

	env := map[string]string{
		"JOBSERVICE_DATABASE_DRIVER":          "postgres",
		"JOBSERVICE_DATABASE_MAX_OPEN_CONNS":  "10",
		"JOBSERVICE_DATABASE_SKIP_MIGRATIONS": "true",
		"JOBSERVICE_DISPATCHER_RATE_LIMIT":    " 2.5 ",
		"JOBSERVICE_DISPATCHER_MAX_DELAY":     "2m",
		"JOBSERVICE_HTTP_ENABLED":             "false",
		"JOBSERVICE_LOGGING_FORMAT":           "json",
		"JOBSERVICE_METRICS_ENABLED":          "1",
		"UNRELATED":                           "ignored",
	}

	if err := ApplyEnv(cfg, lookupMap(env)); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Database.MaxOpenConns != 10 {
		t.Errorf("expected max_open_conns 10, got %d", cfg.Database.MaxOpenConns)
	}
	if !cfg.Database.SkipMigrations {
		t.Error("expected skip_migrations true")
	}
	if cfg.Dispatcher.RateLimit != 2.5 {
		t.Errorf("expected rate_limit 2.5, got %v", cfg.Dispatcher.RateLimit)
	}
	if cfg.Dispatcher.MaxDelay != 2*time.Minute {
		t.Errorf("expected max_delay 2m, got %v", cfg.Dispatcher.MaxDelay)
	}
	if cfg.HTTP.Enabled {
		t.Error("expected HTTP disabled")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %s", cfg.Logging.Format)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}

	// Untouched values keep their defaults
	if cfg.Database.DSN != "jobservice.db" {
		t.Errorf("expected default DSN, got %s", cfg.Database.DSN)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", "JOBSERVICE_SCHEDULER_LOOP_INTERVAL", "soon"},
		{"bad int", "JOBSERVICE_HTTP_PORT", "eighty"},
		{"bad bool", "JOBSERVICE_HTTP_ENABLED", "maybe"},
		{"bad float", "JOBSERVICE_DISPATCHER_RATE_LIMIT", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := ApplyEnv(cfg, lookupMap(map[string]string{tt.key: tt.val}))
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("expected error to name %s, got %v", tt.key, err)
			}
		})
	}
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestValidate_Success(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty driver", func(c *Config) { c.Database.Driver = "" }, "driver must be specified"},
		{"unsupported driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported database driver"},
		{"empty DSN", func(c *Config) { c.Database.DSN = "" }, "DSN must be specified"},
		{"negative conns", func(c *Config) { c.Database.MaxOpenConns = -1 }, "max_open_conns"},
		{"scheduler", func(c *Config) { c.Scheduler.LoopInterval = 0 }, "scheduler:"},
		{"dispatcher", func(c *Config) { c.Dispatcher.Workers = 0 }, "dispatcher:"},
		{"jobs", func(c *Config) { c.Jobs.DefaultMaxRetries = -1 }, "jobs:"},
		{"metrics", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Exporter = "carrier-pigeon" }, "metrics:"},
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }, "HTTP port"},
		{"port too high", func(c *Config) { c.HTTP.Port = 70000 }, "HTTP port"},
		{"shutdown timeout", func(c *Config) { c.HTTP.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_HTTPDisabledSkipsPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Enabled = false
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected disabled HTTP to skip port validation, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected info message to be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON output, got %s", out)
	}

	buf.Reset()
	logger = LoggingConfig{Level: "debug", Format: "text"}.NewLogger(&buf)
	logger.Debug("details")
	if !strings.Contains(buf.String(), "msg=details") {
		t.Errorf("expected text output, got %s", buf.String())
	}
}
