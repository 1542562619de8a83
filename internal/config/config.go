// Package config holds the lemongate runtime configuration: JSON5 file,
// environment overlay and file-watch reload. Secrets (tokens, DSNs) are
// env-only and never read from or written to the config file.
package config

import (
	"os"
)

// DefaultAgentID is used when no agent is explicitly configured.
const DefaultAgentID = "lemon"

// Config is the full runtime configuration tree.
type Config struct {
	LogLevel  string          `json:"log_level" env:"LOG_LEVEL"`
	Agent     AgentConfig     `json:"agent"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Cron      CronConfig      `json:"cron"`
	Store     StoreConfig     `json:"store"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// AgentConfig names the default agent and its run parameters. Engines maps
// engine ids to the CLI command used to execute a prompt.
type AgentConfig struct {
	ID            string            `json:"id" env:"AGENT_ID"`
	DefaultEngine string            `json:"default_engine" env:"AGENT_ENGINE"`
	Engines       map[string]string `json:"engines"`
	Workspace     string            `json:"workspace" env:"WORKSPACE"`
	TimeoutMs     int64             `json:"timeout_ms"`
}

// GatewayConfig tunes the WebSocket control plane.
type GatewayConfig struct {
	Host             string   `json:"host" env:"HOST"`
	Port             int      `json:"port" env:"PORT"`
	Token            string   `json:"-" env:"GATEWAY_TOKEN"` // env-only secret
	AllowedOrigins   []string `json:"allowed_origins"`
	MaxPayloadBytes  int      `json:"max_payload_bytes"`
	MaxBufferedBytes int      `json:"max_buffered_bytes"`
	TickIntervalMs   int      `json:"tick_interval_ms"`
	RateLimitRPM     int      `json:"rate_limit_rpm" env:"RATE_LIMIT_RPM"`

	Capabilities CapabilityConfig `json:"capabilities"`
}

// CapabilityConfig gates optional method groups. Disabled groups are not
// registered at all, so their methods answer method_not_found.
type CapabilityConfig struct {
	TTS       bool `json:"tts"`
	Voicewake bool `json:"voicewake"`
	Pairing   bool `json:"pairing"`
	Wizard    bool `json:"wizard"`
	Updates   bool `json:"updates"`
}

// ChannelsConfig holds per-transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	XMTP     XMTPConfig     `json:"xmtp"`
}

// DMPolicy values for channel gating.
const (
	DMPolicyOpen      = "open"
	DMPolicyAllowlist = "allowlist"
	DMPolicyDisabled  = "disabled"
)

// TelegramConfig drives the telego long-poller.
type TelegramConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"-" env:"TELEGRAM_TOKEN"` // env-only secret
	DebounceMs  int64    `json:"debounce_ms"`
	DedupeTTLMs int64    `json:"dedupe_ttl_ms"`
	DropPending bool     `json:"drop_pending"`
	DMPolicy    string   `json:"dm_policy"`
	Allowlist   []string `json:"allowlist"`
	LockDir     string   `json:"lock_dir"`
}

// DiscordConfig drives the discordgo session.
type DiscordConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"-" env:"DISCORD_TOKEN"` // env-only secret
	DebounceMs  int64    `json:"debounce_ms"`
	DedupeTTLMs int64    `json:"dedupe_ttl_ms"`
	DMPolicy    string   `json:"dm_policy"`
	Allowlist   []string `json:"allowlist"`
}

// XMTPConfig drives the pluggable XMTP client port.
type XMTPConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint" env:"XMTP_ENDPOINT"`
	AccountKey  string `json:"-" env:"XMTP_ACCOUNT_KEY"` // env-only secret
	DebounceMs  int64  `json:"debounce_ms"`
	DedupeMax   int    `json:"dedupe_max"`
	DropPending bool   `json:"drop_pending"`
}

// CronConfig tunes the scheduler.
type CronConfig struct {
	TickIntervalMs  int    `json:"tick_interval_ms"`
	SummaryMarker   string `json:"summary_marker"`
	MaxForwardBytes int    `json:"max_forward_bytes"`
	KeepRunsPerJob  int    `json:"keep_runs_per_job"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend     string `json:"backend" env:"STORE_BACKEND"` // sqlite | postgres | memory
	SQLitePath  string `json:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `json:"-" env:"POSTGRES_DSN"` // env-only secret
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" env:"TELEMETRY_ENABLED"`
	Endpoint    string `json:"endpoint" env:"TELEMETRY_ENDPOINT"`
	ServiceName string `json:"service_name" env:"TELEMETRY_SERVICE_NAME"`
	Insecure    bool   `json:"insecure" env:"TELEMETRY_INSECURE"`
}

// Default returns a Config with working defaults for a single-agent,
// sqlite-backed local deployment.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Agent: AgentConfig{
			ID:            DefaultAgentID,
			DefaultEngine: "lemon",
			Engines: map[string]string{
				"lemon": "claude -p",
				"echo":  "echo",
			},
			Workspace:     "~/.lemongate/workspace",
			TimeoutMs:     300_000,
		},
		Gateway: GatewayConfig{
			Host:             "127.0.0.1",
			Port:             18611,
			MaxPayloadBytes:  1 << 20,
			MaxBufferedBytes: 4 << 20,
			TickIntervalMs:   30_000,
			RateLimitRPM:     120,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				DebounceMs:  1000,
				DedupeTTLMs: 5 * 60 * 1000,
				DMPolicy:    DMPolicyOpen,
				LockDir:     "~/.lemongate/locks",
			},
			Discord: DiscordConfig{
				DebounceMs:  1000,
				DedupeTTLMs: 5 * 60 * 1000,
				DMPolicy:    DMPolicyOpen,
			},
			XMTP: XMTPConfig{
				DebounceMs: 1000,
				DedupeMax:  2000,
			},
		},
		Cron: CronConfig{
			TickIntervalMs:  60_000,
			SummaryMarker:   "RUN SUMMARY",
			MaxForwardBytes: 12_000,
			KeepRunsPerJob:  50,
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.lemongate/lemongate.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "lemongate",
		},
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
