package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvBaseURL, EnvDDNHeaders, EnvTimezone, EnvScope,
		EnvDBDriver, EnvDBDSN, EnvHealthInterval, EnvCancelGrace,
		EnvHTTPTimeout, EnvRetryAttempts, EnvConfigFile,
	} {
		t.Setenv(key, "")
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "promptql-chat.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scope != "default" {
		t.Fatalf("unexpected scope %q", cfg.Scope)
	}
	if cfg.DBDriver != "sqlite" || cfg.DBDSN != "promptql-chat.db" {
		t.Fatalf("unexpected db defaults %q / %q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.HealthInterval != 30*time.Second {
		t.Fatalf("unexpected health interval %s", cfg.HealthInterval)
	}
	if cfg.CancelGrace != 3*time.Second {
		t.Fatalf("unexpected cancel grace %s", cfg.CancelGrace)
	}
	if cfg.RetryAttempts != 3 {
		t.Fatalf("unexpected retry attempts %d", cfg.RetryAttempts)
	}
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	configPath := writeConfigFile(t, `
base_url: "https://yaml.example.com"
timezone: "Europe/Berlin"
scope: "project-yaml"
db_driver: "postgres"
db_dsn: "postgres://yaml/db"
health_interval: "10s"
cancel_grace: "5s"
ddn_headers:
  x-hasura-role: "viewer"
`)
	t.Setenv(EnvConfigFile, configPath)
	t.Setenv(EnvDBDSN, "postgres://env/override")
	t.Setenv(EnvCancelGrace, "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BaseURL != "https://yaml.example.com" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if cfg.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected timezone %q", cfg.Timezone)
	}
	if cfg.Scope != "project-yaml" {
		t.Fatalf("unexpected scope %q", cfg.Scope)
	}
	if cfg.DBDSN != "postgres://env/override" {
		t.Fatalf("expected env DSN override, got %q", cfg.DBDSN)
	}
	if cfg.HealthInterval != 10*time.Second {
		t.Fatalf("unexpected health interval %s", cfg.HealthInterval)
	}
	if cfg.CancelGrace != time.Second {
		t.Fatalf("expected env cancel grace override, got %s", cfg.CancelGrace)
	}
	if cfg.DDNHeaders["x-hasura-role"] != "viewer" {
		t.Fatalf("unexpected ddn headers %v", cfg.DDNHeaders)
	}
}

func TestLoadParsesHeaderPairsFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDDNHeaders, "x-hasura-role=admin, x-request-source=cli")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DDNHeaders["x-hasura-role"] != "admin" || cfg.DDNHeaders["x-request-source"] != "cli" {
		t.Fatalf("unexpected headers %v", cfg.DDNHeaders)
	}
}

func TestLoadRejectsMalformedHeaderPair(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDDNHeaders, "no-equals-sign")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "malformed header pair") {
		t.Fatalf("expected malformed header error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvHealthInterval, "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		BaseURL:        "https://api.example.com",
		Scope:          "default",
		DBDriver:       "sqlite",
		DBDSN:          "promptql-chat.db",
		HealthInterval: 30 * time.Second,
		CancelGrace:    3 * time.Second,
		HTTPTimeout:    10 * time.Second,
		RetryAttempts:  3,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.BaseURL = "" }},
		{"non-http base url", func(c *Config) { c.BaseURL = "ftp://example.com" }},
		{"blank scope", func(c *Config) { c.Scope = "  " }},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"blank dsn", func(c *Config) { c.DBDSN = "" }},
		{"zero health interval", func(c *Config) { c.HealthInterval = 0 }},
		{"zero cancel grace", func(c *Config) { c.CancelGrace = 0 }},
		{"zero http timeout", func(c *Config) { c.HTTPTimeout = 0 }},
		{"zero retry attempts", func(c *Config) { c.RetryAttempts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
