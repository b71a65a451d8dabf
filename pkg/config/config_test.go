package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.AgentHeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatSweepInterval)
	assert.Equal(t, 60*time.Second, cfg.TaskReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.AlertEvaluateInterval)
	assert.Equal(t, 3, cfg.AlertDeliveryMaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.AlertDeliveryRetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.CrashRestartDelay)
	assert.True(t, cfg.SuspensionEnforced)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8443")
	t.Setenv("AGENT_HEARTBEAT_TIMEOUT_SEC", "120")
	t.Setenv("SUSPENSION_ENFORCED", "false")
	t.Setenv("BACKEND_EXTERNAL_ADDRESS", "https://panel.example.com")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, 120*time.Second, cfg.AgentHeartbeatTimeout)
	assert.False(t, cfg.SuspensionEnforced)
	assert.Equal(t, "https://panel.example.com", cfg.ExternalAddress)
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalyst.yaml")
	data := []byte("port: 4000\ntimezone: America/New_York\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	t.Setenv("PORT", "5000")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env beats file, file beats default
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "America/New_York", cfg.Timezone)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"sweep longer than timeout", func(c *Config) { c.HeartbeatSweepInterval = 2 * c.AgentHeartbeatTimeout }},
		{"zero delivery attempts", func(c *Config) { c.AlertDeliveryMaxAttempts = 0 }},
		{"negative restart delay", func(c *Config) { c.CrashRestartDelay = -time.Second }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"no storage", func(c *Config) { c.DataDir = ""; c.DatabaseURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
