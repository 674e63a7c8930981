package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  bind: 0.0.0.0
  port: 4001
  allow_cidrs:
    - 100.64.0.0/10
agents:
  max_sessions: 3
  idle_timeout: 5m
claude:
  model: sonnet
tracing:
  enabled: true
  output: /var/log/agentrelay/spans.jsonl
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.Server.Bind)
	assert.Equal(t, 4001, cfg.Server.Port)
	assert.Equal(t, []string{"100.64.0.0/10"}, cfg.Server.AllowCIDRs)
	assert.Equal(t, 3, cfg.Agents.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.Agents.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.Agents.ReapInterval, "unset keys keep defaults")
	assert.Equal(t, "sonnet", cfg.Claude.Model)
	assert.Equal(t, "acceptEdits", cfg.Claude.PermissionMode)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "/var/log/agentrelay/spans.jsonl", cfg.Tracing.Output)
	assert.Equal(t, "agentrelay", cfg.Tracing.ServiceName)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AGENTRELAY_SERVER_PORT", "5050")
	t.Setenv("SESSION_BUCKET_NAME", "transcripts")
	t.Setenv("SESSION_BUCKET_PREFIX", "team-a/")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AGENTRELAY_AGENTS_GATE_TIMEOUT", "90s")

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.Server.Port)
	assert.Equal(t, "transcripts", cfg.Storage.Bucket)
	assert.Equal(t, "team-a/", cfg.Storage.Prefix)
	assert.Equal(t, "eu-west-1", cfg.Storage.Region)
	assert.Equal(t, 90*time.Second, cfg.Agents.GateTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":            func(c *Config) { c.Server.Port = 70000 },
		"cidr":            func(c *Config) { c.Server.AllowCIDRs = []string{"not-a-cidr"} },
		"base path":       func(c *Config) { c.Server.BasePath = "relay" },
		"max sessions":    func(c *Config) { c.Agents.MaxSessions = 0 },
		"gate timeout":    func(c *Config) { c.Agents.GateTimeout = 0 },
		"permission mode": func(c *Config) { c.Claude.PermissionMode = "yolo" },
	}
	require.NoError(t, Default().Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsAllowedClient(t *testing.T) {
	assert.True(t, IsAllowedClient(net.ParseIP("127.0.0.1"), nil), "loopback")
	assert.True(t, IsAllowedClient(net.ParseIP("fd7a:115c:a1e0::1"), []string{"10.0.0.0/8"}), "tailnet")
	assert.False(t, IsAllowedClient(net.ParseIP("8.8.8.8"), []string{"10.0.0.0/8"}))
	assert.True(t, IsAllowedClient(net.ParseIP("10.1.2.3"), []string{"10.0.0.0/8"}))
	assert.True(t, IsAllowedClient(net.ParseIP("8.8.8.8"), nil), "empty allow-list admits everyone")
}
