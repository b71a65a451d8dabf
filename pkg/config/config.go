// Package config loads backend configuration from the environment, with an
// optional YAML file layered underneath for deployments that prefer files.
// Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all recognized backend options
type Config struct {
	Port            int    `yaml:"port"`
	ExternalAddress string `yaml:"externalAddress"` // Echoed to agents in the handshake
	Timezone        string `yaml:"timezone"`        // Cron evaluation zone

	AgentHeartbeatTimeout  time.Duration `yaml:"agentHeartbeatTimeout"`
	HeartbeatSweepInterval time.Duration `yaml:"heartbeatSweepInterval"`
	TaskReconcileInterval  time.Duration `yaml:"taskReconcileInterval"`
	AlertEvaluateInterval  time.Duration `yaml:"alertEvaluateInterval"`
	MetricsRefreshInterval time.Duration `yaml:"metricsRefreshInterval"`
	CrashRestartDelay      time.Duration `yaml:"crashRestartDelay"`

	AlertDeliveryMaxAttempts  int           `yaml:"alertDeliveryMaxAttempts"`
	AlertDeliveryRetryBackoff time.Duration `yaml:"alertDeliveryRetryBackoff"`

	SuspensionEnforced bool `yaml:"suspensionEnforced"`

	// Storage: DatabaseURL selects Postgres; otherwise a BoltDB file
	// under DataDir is used.
	DataDir     string `yaml:"dataDir"`
	DatabaseURL string `yaml:"databaseUrl"`

	// RetentionDays bounds how long log and metric rows are kept.
	RetentionDays int `yaml:"retentionDays"`

	JWTSecret string     `yaml:"jwtSecret"`
	SMTP      SMTPConfig `yaml:"smtp"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`

	location *time.Location
}

// SMTPConfig holds mail transport settings for alert email delivery
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Default returns a Config populated with the documented defaults
func Default() *Config {
	return &Config{
		Port:                      3000,
		Timezone:                  "UTC",
		AgentHeartbeatTimeout:     90 * time.Second,
		HeartbeatSweepInterval:    30 * time.Second,
		TaskReconcileInterval:     60 * time.Second,
		AlertEvaluateInterval:     30 * time.Second,
		MetricsRefreshInterval:    30 * time.Second,
		CrashRestartDelay:         5 * time.Second,
		AlertDeliveryMaxAttempts:  3,
		AlertDeliveryRetryBackoff: 300 * time.Second,
		SuspensionEnforced:        true,
		DataDir:                   "/var/lib/catalyst",
		RetentionDays:             14,
		SMTP:                      SMTPConfig{Port: 587},
		LogLevel:                  "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envStr("BACKEND_EXTERNAL_ADDRESS", &c.ExternalAddress)
	envStr("TIMEZONE", &c.Timezone)
	envSeconds("AGENT_HEARTBEAT_TIMEOUT_SEC", &c.AgentHeartbeatTimeout)
	envSeconds("HEARTBEAT_SWEEP_INTERVAL_SEC", &c.HeartbeatSweepInterval)
	envSeconds("TASK_RECONCILE_INTERVAL_SEC", &c.TaskReconcileInterval)
	envSeconds("ALERT_EVALUATE_INTERVAL_SEC", &c.AlertEvaluateInterval)
	envSeconds("METRICS_REFRESH_INTERVAL_SEC", &c.MetricsRefreshInterval)
	envSeconds("CRASH_RESTART_DELAY_SEC", &c.CrashRestartDelay)
	envInt("ALERT_DELIVERY_MAX_ATTEMPTS", &c.AlertDeliveryMaxAttempts)
	envSeconds("ALERT_DELIVERY_RETRY_BACKOFF_SEC", &c.AlertDeliveryRetryBackoff)
	envBool("SUSPENSION_ENFORCED", &c.SuspensionEnforced)
	envStr("DATA_DIR", &c.DataDir)
	envStr("DATABASE_URL", &c.DatabaseURL)
	envInt("RETENTION_DAYS", &c.RetentionDays)
	envStr("JWT_SECRET", &c.JWTSecret)
	envStr("SMTP_HOST", &c.SMTP.Host)
	envInt("SMTP_PORT", &c.SMTP.Port)
	envStr("SMTP_USERNAME", &c.SMTP.Username)
	envStr("SMTP_PASSWORD", &c.SMTP.Password)
	envStr("SMTP_FROM", &c.SMTP.From)
	envStr("LOG_LEVEL", &c.LogLevel)
	envBool("LOG_JSON", &c.LogJSON)
}

// Validate checks option ranges and resolves the timezone
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.AgentHeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("agent heartbeat timeout must be positive"))
	}
	if c.HeartbeatSweepInterval <= 0 {
		errs = append(errs, errors.New("heartbeat sweep interval must be positive"))
	}
	if c.HeartbeatSweepInterval >= c.AgentHeartbeatTimeout {
		errs = append(errs, errors.New("heartbeat sweep interval must be shorter than the heartbeat timeout"))
	}
	if c.TaskReconcileInterval <= 0 {
		errs = append(errs, errors.New("task reconcile interval must be positive"))
	}
	if c.AlertEvaluateInterval <= 0 {
		errs = append(errs, errors.New("alert evaluate interval must be positive"))
	}
	if c.MetricsRefreshInterval <= 0 {
		errs = append(errs, errors.New("metrics refresh interval must be positive"))
	}
	if c.AlertDeliveryMaxAttempts < 1 {
		errs = append(errs, errors.New("alert delivery max attempts must be at least 1"))
	}
	if c.CrashRestartDelay < 0 {
		errs = append(errs, errors.New("crash restart delay must not be negative"))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, errors.New("retention days must be at least 1"))
	}
	if c.DataDir == "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("either dataDir or databaseUrl must be set"))
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	} else {
		c.location = loc
	}

	return errors.Join(errs...)
}

// Location returns the resolved cron evaluation timezone. Validate must have
// succeeded first; before that it falls back to UTC.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
