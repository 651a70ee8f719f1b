// Package config resolves the SDK's runtime settings. Precedence is
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvBaseURL        = "PROMPTQL_CHAT_BASE_URL"
	EnvDDNHeaders     = "PROMPTQL_CHAT_DDN_HEADERS"
	EnvTimezone       = "PROMPTQL_CHAT_TIMEZONE"
	EnvScope          = "PROMPTQL_CHAT_SCOPE"
	EnvDBDriver       = "PROMPTQL_CHAT_DB_DRIVER"
	EnvDBDSN          = "PROMPTQL_CHAT_DB_DSN"
	EnvHealthInterval = "PROMPTQL_CHAT_HEALTH_INTERVAL"
	EnvCancelGrace    = "PROMPTQL_CHAT_CANCEL_GRACE"
	EnvHTTPTimeout    = "PROMPTQL_CHAT_HTTP_TIMEOUT"
	EnvRetryAttempts  = "PROMPTQL_CHAT_RETRY_ATTEMPTS"
	EnvConfigFile     = "PROMPTQL_CHAT_CONFIG_FILE"
)

const (
	defaultScope          = "default"
	defaultDBDriver       = "sqlite"
	defaultDBDSN          = "promptql-chat.db"
	defaultHealthInterval = 30 * time.Second
	defaultCancelGrace    = 3 * time.Second
	defaultHTTPTimeout    = 10 * time.Second
	defaultRetryAttempts  = 3

	defaultConfigFileName   = "promptql-chat.yaml"
	alternateConfigFileName = "promptql-chat.yml"
)

type Config struct {
	BaseURL        string
	DDNHeaders     map[string]string
	Timezone       string
	Scope          string
	DBDriver       string
	DBDSN          string
	HealthInterval time.Duration
	CancelGrace    time.Duration
	HTTPTimeout    time.Duration
	RetryAttempts  uint64
}

type fileConfig struct {
	BaseURL        string            `yaml:"base_url"`
	DDNHeaders     map[string]string `yaml:"ddn_headers"`
	Timezone       string            `yaml:"timezone"`
	Scope          string            `yaml:"scope"`
	DBDriver       string            `yaml:"db_driver"`
	DBDSN          string            `yaml:"db_dsn"`
	HealthInterval string            `yaml:"health_interval"`
	CancelGrace    string            `yaml:"cancel_grace"`
	HTTPTimeout    string            `yaml:"http_timeout"`
	RetryAttempts  *uint64           `yaml:"retry_attempts"`
}

// Load resolves the effective configuration: defaults, then the YAML
// file when one is found, then environment variables on top.
func Load() (Config, error) {
	cfg := Config{
		Scope:          defaultScope,
		DBDriver:       defaultDBDriver,
		DBDSN:          defaultDBDSN,
		HealthInterval: defaultHealthInterval,
		CancelGrace:    defaultCancelGrace,
		HTTPTimeout:    defaultHTTPTimeout,
		RetryAttempts:  defaultRetryAttempts,
	}

	file, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyFile(&cfg, file); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, file fileConfig) error {
	if v := strings.TrimSpace(file.BaseURL); v != "" {
		cfg.BaseURL = v
	}
	if len(file.DDNHeaders) > 0 {
		cfg.DDNHeaders = file.DDNHeaders
	}
	if v := strings.TrimSpace(file.Timezone); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(file.Scope); v != "" {
		cfg.Scope = v
	}
	if v := strings.TrimSpace(file.DBDriver); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(file.DBDSN); v != "" {
		cfg.DBDSN = v
	}
	if err := applyFileDuration(&cfg.HealthInterval, file.HealthInterval, "health_interval"); err != nil {
		return err
	}
	if err := applyFileDuration(&cfg.CancelGrace, file.CancelGrace, "cancel_grace"); err != nil {
		return err
	}
	if err := applyFileDuration(&cfg.HTTPTimeout, file.HTTPTimeout, "http_timeout"); err != nil {
		return err
	}
	if file.RetryAttempts != nil {
		cfg.RetryAttempts = *file.RetryAttempts
	}
	return nil
}

func applyFileDuration(dst *time.Duration, raw, field string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config file field %s: %w", field, err)
	}
	*dst = parsed
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDDNHeaders)); v != "" {
		headers, err := parseHeaderPairs(v)
		if err != nil {
			return err
		}
		cfg.DDNHeaders = headers
	}
	if v := strings.TrimSpace(os.Getenv(EnvTimezone)); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvScope)); v != "" {
		cfg.Scope = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDriver)); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDSN)); v != "" {
		cfg.DBDSN = v
	}
	if err := applyEnvDuration(&cfg.HealthInterval, EnvHealthInterval); err != nil {
		return err
	}
	if err := applyEnvDuration(&cfg.CancelGrace, EnvCancelGrace); err != nil {
		return err
	}
	if err := applyEnvDuration(&cfg.HTTPTimeout, EnvHTTPTimeout); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv(EnvRetryAttempts)); raw != "" {
		var attempts uint64
		if _, err := fmt.Sscanf(raw, "%d", &attempts); err != nil {
			return fmt.Errorf("%s: %w", EnvRetryAttempts, err)
		}
		cfg.RetryAttempts = attempts
	}
	return nil
}

func applyEnvDuration(dst *time.Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

// parseHeaderPairs decodes "Key=Value,Key2=Value2" into a header map.
func parseHeaderPairs(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%s: malformed header pair %q", EnvDDNHeaders, pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	for _, candidate := range []string{defaultConfigFileName, alternateConfigFileName} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("%s must not be empty", EnvBaseURL)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("%s must be an http(s) URL", EnvBaseURL)
	}
	if strings.TrimSpace(c.Scope) == "" {
		return fmt.Errorf("%s must not be empty", EnvScope)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvHealthInterval)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("%s must be > 0", EnvCancelGrace)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvHTTPTimeout)
	}
	if c.RetryAttempts == 0 {
		return fmt.Errorf("%s must be >= 1", EnvRetryAttempts)
	}
	return nil
}
