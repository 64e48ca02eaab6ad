// Package config provides configuration types for moltgate services
// Supports dependency injection for customizable behavior
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds all configurable Gateway parameters
type GatewayConfig struct {
	Host            string        `yaml:"host"`             // Host to bind (default: "0.0.0.0")
	Port            int           `yaml:"port"`             // Port to listen (default: 8080)
	InternalToken   string        `yaml:"internal_token"`   // Token for /internal routes (empty = loopback only)
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 60s)
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 120s)
	MaxBodyWebhook  int64         `yaml:"max_body_webhook"` // Max body size for Telegram updates (default: 1MB)
	MaxBodyInternal int64         `yaml:"max_body_internal"`
	StateDir        string        `yaml:"state_dir"` // Agent state dir holding openclaw.json and credentials
	DBPath          string        `yaml:"db_path"`   // Journal database path
	KVDir           string        `yaml:"kv_dir"`    // Hint marker store (empty = in-memory)

	JournalRetention    time.Duration `yaml:"journal_retention"`    // Events older than this are pruned (0 = keep)
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"` // How often maintenance jobs run

	Telegram TelegramConfig `yaml:"telegram"`
	Backend  BackendConfig  `yaml:"backend"`
}

// TelegramConfig holds Bot API and webhook settings
type TelegramConfig struct {
	BotToken      string        `yaml:"bot_token"`
	WebhookSecret string        `yaml:"webhook_secret"`
	WorkerURL     string        `yaml:"worker_url"` // Public base URL registered with setWebhook
	APIBaseURL    string        `yaml:"api_base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RateLimit     float64       `yaml:"rate_limit"` // Outbound requests per second
	RateBurst     int           `yaml:"rate_burst"`
}

// BackendConfig describes the supervised agent gateway process
type BackendConfig struct {
	Host           string        `yaml:"host"`
	WebhookPort    int           `yaml:"webhook_port"`
	GatewayPort    int           `yaml:"gateway_port"`
	Command        string        `yaml:"command"`         // Start command (empty = externally managed)
	RestartCommand string        `yaml:"restart_command"` // Overrides supervisor restart when set
	WorkDir        string        `yaml:"workdir"`
	Env            []string      `yaml:"env"`
	UsePty         bool          `yaml:"pty"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

// DefaultGatewayConfig returns the default gateway configuration
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Host:            "0.0.0.0",
		Port:            DefaultGatewayPort,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxBodyWebhook:  1024 * 1024, // 1MB
		MaxBodyInternal: 64 * 1024,   // 64KB
		StateDir:        DefaultStateDir(),
		DBPath:          DefaultDBPath(),

		JournalRetention:    30 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,

		Telegram: TelegramConfig{
			APIBaseURL: "https://api.telegram.org",
			Timeout:    TelegramAPITimeout,
			RateLimit:  25,
			RateBurst:  5,
		},
		Backend: BackendConfig{
			Host:           "127.0.0.1",
			WebhookPort:    BackendWebhookPort,
			GatewayPort:    BackendGatewayPort,
			ReadyTimeout:   BackendReadyTimeout,
			ForwardTimeout: BackendForwardTimeout,
		},
	}
}

// StorageConfig holds journal database configuration
type StorageConfig struct {
	DBPath          string        // Database path
	MaxOpenConns    int           // Max open connections (default: 4)
	MaxIdleConns    int           // Max idle connections (default: 4)
	ConnMaxLifetime time.Duration // Connection max lifetime (default: 5m)
	WalMode         bool          // Enable WAL mode (default: true)
	SyncMode        string        // Sync mode (default: "NORMAL")
}

// DefaultStorageConfig returns the default storage configuration
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		DBPath:          DefaultDBPath(),
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
		WalMode:         true,
		SyncMode:        "NORMAL",
	}
}

// BackendWebhookURL returns the forward target for buffered updates
func (c *GatewayConfig) BackendWebhookURL() string {
	return fmt.Sprintf("http://%s:%d%s", c.Backend.Host, c.Backend.WebhookPort, BackendWebhookPath)
}

// BackendGatewayAddr returns host:port of the agent gateway readiness port
func (c *GatewayConfig) BackendGatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.GatewayPort)
}

// LoadYAML overlays a YAML file onto the configuration. A missing file is not an error.
func (c *GatewayConfig) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overrides configuration with environment variables, falling
// back to values from env.config
func (c *GatewayConfig) LoadFromEnv(envFile map[string]string) {
	env := envLookup(envFile)

	// Telegram
	if v := env.get("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := env.get("TELEGRAM_WEBHOOK_SECRET"); v != "" {
		c.Telegram.WebhookSecret = v
	}
	if v := env.get("WORKER_URL"); v != "" {
		c.Telegram.WorkerURL = v
	}
	if v := env.get("TELEGRAM_API_BASE_URL"); v != "" {
		c.Telegram.APIBaseURL = strings.TrimRight(v, "/")
	}

	// Gateway
	if v := env.get("MOLTGATE_HOST"); v != "" {
		c.Host = v
	}
	if v := env.get("MOLTGATE_PORT"); v != "" {
		c.Port = parseInt(v, c.Port)
	}
	if v := env.get("MOLTGATE_INTERNAL_TOKEN"); v != "" {
		c.InternalToken = v
	}
	if v := env.get("MOLTGATE_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := env.get("MOLTGATE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := env.get("MOLTGATE_KV_DIR"); v != "" {
		c.KVDir = v
	}
	if v := env.get("MOLTGATE_JOURNAL_RETENTION"); v != "" {
		c.JournalRetention = parseDuration(v, c.JournalRetention)
	}

	// Backend
	if v := env.get("MOLTGATE_BACKEND_HOST"); v != "" {
		c.Backend.Host = v
	}
	if v := env.get("MOLTGATE_BACKEND_COMMAND"); v != "" {
		c.Backend.Command = v
	}
	if v := env.get("MOLTGATE_BACKEND_RESTART_COMMAND"); v != "" {
		c.Backend.RestartCommand = v
	}
	if v := env.get("MOLTGATE_BACKEND_WORKDIR"); v != "" {
		c.Backend.WorkDir = v
	}
	if v := env.get("MOLTGATE_BACKEND_PTY"); v != "" {
		c.Backend.UsePty = parseBool(v, c.Backend.UsePty)
	}
	if v := env.get("MOLTGATE_BACKEND_READY_TIMEOUT"); v != "" {
		c.Backend.ReadyTimeout = parseDuration(v, c.Backend.ReadyTimeout)
	}
}

// Load builds the gateway configuration: defaults, then gateway.yaml, then
// env.config and the process environment.
func Load(configDir string) (*GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if err := cfg.LoadYAML(filepath.Join(configDir, "gateway.yaml")); err != nil {
		return nil, err
	}
	cfg.LoadFromEnv(ReadEnvConfig(filepath.Join(configDir, "env.config")))
	return cfg, nil
}

// Helper functions
func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return n
}

func parseBool(s string, defaultVal bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return b
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return d
}
