package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Claude  ClaudeConfig  `mapstructure:"claude"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type ServerConfig struct {
	Bind          string   `mapstructure:"bind"`
	Port          int      `mapstructure:"port"`
	AllowCIDRs    []string `mapstructure:"allow_cidrs"`
	BasePath      string   `mapstructure:"base_path"`
	WorkspaceRoot string   `mapstructure:"workspace_root"`
}

// AgentsConfig bounds the session registry.
type AgentsConfig struct {
	MaxSessions  int           `mapstructure:"max_sessions"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	GateTimeout  time.Duration `mapstructure:"gate_timeout"`
}

type ClaudeConfig struct {
	Binary         string   `mapstructure:"binary"`
	Model          string   `mapstructure:"model"`
	PermissionMode string   `mapstructure:"permission_mode"`
	AllowedTools   []string `mapstructure:"allowed_tools"`
}

// StorageConfig selects the transcript store. Bucket wins over DBPath,
// DBPath wins over Dir.
type StorageConfig struct {
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig controls OpenTelemetry export of agent turns. Output is
// a file that receives one JSON span per line; empty means stderr.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Output      string `mapstructure:"output"`
	ServiceName string `mapstructure:"service_name"`
}

var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

// Default returns a Config with default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Bind:          "127.0.0.1",
			Port:          3275,
			AllowCIDRs:    []string{},
			WorkspaceRoot: home,
		},
		Agents: AgentsConfig{
			MaxSessions:  10,
			IdleTimeout:  30 * time.Minute,
			ReapInterval: 60 * time.Second,
			GateTimeout:  1800 * time.Second,
		},
		Claude: ClaudeConfig{
			Binary:         "claude",
			PermissionMode: "acceptEdits",
		},
		Storage: StorageConfig{
			Dir:    filepath.Join(home, ".claude", "projects"),
			Prefix: "sessions/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "agentrelay",
		},
	}
}

// Load reads agentrelay.yaml from the usual locations, if present, and
// layers the environment on top.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("agentrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/agentrelay/")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "agentrelay"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// LoadFromFile loads configuration from a specific file, still honouring
// the environment.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("AGENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Variable names kept from earlier deployments.
	_ = v.BindEnv("storage.bucket", "AGENTRELAY_STORAGE_BUCKET", "SESSION_BUCKET_NAME")
	_ = v.BindEnv("storage.prefix", "AGENTRELAY_STORAGE_PREFIX", "SESSION_BUCKET_PREFIX")
	_ = v.BindEnv("storage.region", "AGENTRELAY_STORAGE_REGION", "AWS_REGION")
	_ = v.BindEnv("claude.binary", "AGENTRELAY_CLAUDE_BINARY", "CLAUDE_BINARY")

	cfg := Default()
	v.SetDefault("server.bind", cfg.Server.Bind)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.allow_cidrs", cfg.Server.AllowCIDRs)
	v.SetDefault("server.base_path", cfg.Server.BasePath)
	v.SetDefault("server.workspace_root", cfg.Server.WorkspaceRoot)
	v.SetDefault("agents.max_sessions", cfg.Agents.MaxSessions)
	v.SetDefault("agents.idle_timeout", cfg.Agents.IdleTimeout)
	v.SetDefault("agents.reap_interval", cfg.Agents.ReapInterval)
	v.SetDefault("agents.gate_timeout", cfg.Agents.GateTimeout)
	v.SetDefault("claude.binary", cfg.Claude.Binary)
	v.SetDefault("claude.model", cfg.Claude.Model)
	v.SetDefault("claude.permission_mode", cfg.Claude.PermissionMode)
	v.SetDefault("claude.allowed_tools", cfg.Claude.AllowedTools)
	v.SetDefault("storage.dir", cfg.Storage.Dir)
	v.SetDefault("storage.bucket", cfg.Storage.Bucket)
	v.SetDefault("storage.prefix", cfg.Storage.Prefix)
	v.SetDefault("storage.region", cfg.Storage.Region)
	v.SetDefault("storage.db_path", cfg.Storage.DBPath)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.output", cfg.Tracing.Output)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first problem that would stop the server from
// starting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	for _, cidr := range c.Server.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return errors.New("base path must start with /")
	}
	if c.Agents.MaxSessions < 1 {
		return errors.New("max_sessions must be positive")
	}
	if c.Agents.IdleTimeout <= 0 || c.Agents.ReapInterval <= 0 || c.Agents.GateTimeout <= 0 {
		return errors.New("agent timeouts must be positive")
	}
	if !permissionModes[c.Claude.PermissionMode] {
		return fmt.Errorf("unknown permission mode: %s", c.Claude.PermissionMode)
	}
	return nil
}

// ValidPermissionMode reports whether mode is accepted by the agent CLI.
func ValidPermissionMode(mode string) bool {
	return permissionModes[mode]
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	// Tailscale ULA range.
	if strings.HasPrefix(ip.String(), "fd7a:115c:a1e0:") {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
