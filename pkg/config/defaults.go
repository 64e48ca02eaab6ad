// Package config provides configuration types and defaults for moltgate services
// Centralized management of all constants and default values

package config

import (
	"os"
	"path/filepath"
	"time"
)

// ===== Ports =====

const (
	// DefaultGatewayPort is the edge port the webhook gateway listens on
	DefaultGatewayPort = 8080

	// BackendGatewayPort is the agent gateway port used for readiness checks
	BackendGatewayPort = 18789

	// BackendWebhookPort is where the agent accepts forwarded Telegram updates
	BackendWebhookPort = 8787
)

// ===== Paths =====

const (
	// BackendWebhookPath is the agent-side path for forwarded updates
	BackendWebhookPath = "/telegram-webhook"

	// WebhookRoute is the public route Telegram posts to
	WebhookRoute = "/telegram/webhook"

	configFileName     = "openclaw.json"
	disciplineFileName = "telegram-discipline.json"
	allowFromFileName  = "telegram-allowFrom.json"
	pairingFileName    = "telegram-pairing.json"
)

// DefaultStateDir returns the agent state directory (/root/.openclaw)
func DefaultStateDir() string {
	if d := os.Getenv("MOLTGATE_STATE_DIR"); d != "" {
		return d
	}
	return "/root/.openclaw"
}

// ConfigFilePath returns the agent configuration document inside stateDir
func ConfigFilePath(stateDir string) string {
	return filepath.Join(stateDir, configFileName)
}

// DisciplineFilePath returns the persisted discipline document inside stateDir
func DisciplineFilePath(stateDir string) string {
	return filepath.Join(stateDir, disciplineFileName)
}

// CredDir returns the credentials directory. Newer agent installs use
// "credentials"; older ones keep pairing files under "oauth".
func CredDir(stateDir string) string {
	newer := filepath.Join(stateDir, "credentials")
	if st, err := os.Stat(newer); err == nil && st.IsDir() {
		return newer
	}
	return filepath.Join(stateDir, "oauth")
}

// AllowFromFilePath returns the pairing allowlist document
func AllowFromFilePath(stateDir string) string {
	return filepath.Join(CredDir(stateDir), allowFromFileName)
}

// PairingFilePath returns the pending pairing requests document
func PairingFilePath(stateDir string) string {
	return filepath.Join(CredDir(stateDir), pairingFileName)
}

// DefaultDBPath returns the default journal database path (<binary-dir>/db/moltgate.db)
func DefaultDBPath() string {
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "db", "moltgate.db")
}

// DefaultConfigDir returns the directory holding env.config and gateway.yaml
func DefaultConfigDir() string {
	if d := os.Getenv("MOLTGATE_CONFIG_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "config")
}

// DefaultGatewayURL returns the URL moltctl uses to reach the gateway
func DefaultGatewayURL() string {
	if u := os.Getenv("MOLTGATE_GATEWAY_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:8080"
}

// ===== Limits =====

const (
	// Telegram rejects messages longer than this
	TelegramMaxMsgLen = 4096

	// DefaultDisciplineThreshold is used when enable omits a threshold
	DefaultDisciplineThreshold = 6

	// PairingTTL is how long a pairing request stays approvable
	PairingTTL = 60 * time.Minute

	// MaxCommandOutputChars caps script output returned to chat
	MaxCommandOutputChars = 8000
)

// ===== Timeouts =====

const (
	TelegramAPITimeout    = 10 * time.Second
	AckReactionTimeout    = 5 * time.Second
	HintTimeout           = 5 * time.Second
	BackendForwardTimeout = 30 * time.Second
	BackendReadyTimeout   = 180 * time.Second
	StatusProbeTimeout    = 5 * time.Second
)
