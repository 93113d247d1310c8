package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"opsdash/internal/domain"
)

// Config is the root configuration for opsdash.
type Config struct {
	General       GeneralConfig       `json:"general"`
	Backend       BackendConfig       `json:"backend"`
	Realtime      RealtimeConfig      `json:"realtime"`
	Conversations ConversationsConfig `json:"conversations"`
	Notifications NotificationsConfig `json:"notifications"`
	Dashboard     DashboardConfig     `json:"dashboard"`
	Metrics       MetricsConfig       `json:"metrics"`
}

type GeneralConfig struct {
	Role          string `json:"role"` // "employee" | "agent" | "logistics" | "admin"
	DataDir       string `json:"dataDir"`
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile,omitempty"`
	LogMaxSizeMB  int    `json:"logMaxSizeMB,omitempty"`
	LogMaxBackups int    `json:"logMaxBackups,omitempty"`
	LogMaxAgeDays int    `json:"logMaxAgeDays,omitempty"`
	LogCompress   bool   `json:"logCompress,omitempty"`
}

// BackendConfig selects where the bulk queries go.
type BackendConfig struct {
	Kind           string `json:"kind"` // "rest" | "postgres"
	URL            string `json:"url,omitempty"`
	Token          string `json:"token,omitempty"`
	DSN            string `json:"dsn,omitempty"`
	Schema         string `json:"schema,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries"`
}

// RealtimeConfig selects the change stream transport.
type RealtimeConfig struct {
	Transport        string `json:"transport"` // "websocket" | "amqp" | "postgres" | "memory"
	URL              string `json:"url,omitempty"`
	APIKey           string `json:"apiKey,omitempty"`
	Schema           string `json:"schema,omitempty"`
	HeartbeatSeconds int    `json:"heartbeatSeconds,omitempty"`
	AMQPURL          string `json:"amqpUrl,omitempty"`
	Exchange         string `json:"exchange,omitempty"`
	Prefetch         int    `json:"prefetch,omitempty"`
	DSN              string `json:"dsn,omitempty"`
	ChannelPrefix    string `json:"channelPrefix,omitempty"`
	Buffer           int    `json:"buffer,omitempty"`
}

type ConversationsConfig struct {
	Platform         string `json:"platform,omitempty"` // empty = every platform
	Limit            int    `json:"limit"`
	StrictVersioning bool   `json:"strictVersioning"`
}

type NotificationsConfig struct {
	RoutingFile         string        `json:"routingFile,omitempty"`
	OutboxPath          string        `json:"outboxPath"`
	FetchLimit          int           `json:"fetchLimit"`
	AlertTimeoutSeconds int           `json:"alertTimeoutSeconds"`
	Prompts             PromptsConfig `json:"prompts"`
	Audio               AudioConfig   `json:"audio"`
}

// PromptsConfig enables chat prompts for high-priority notifications.
type PromptsConfig struct {
	Telegram TelegramPromptConfig `json:"telegram"`
	Slack    SlackPromptConfig    `json:"slack"`
	Discord  DiscordPromptConfig  `json:"discord"`
}

type TelegramPromptConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty"`
}

type SlackPromptConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

type DiscordPromptConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// AudioConfig runs Command with the sound file of a notification type
// appended to Args, relative to SoundDir.
type AudioConfig struct {
	Enabled  bool     `json:"enabled"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	SoundDir string   `json:"soundDir,omitempty"`
}

type DashboardConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	PushIntervalMs int    `json:"pushIntervalMs"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Addr is the dashboard listen address.
func (d DashboardConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// DefaultConfigDir returns the default config directory (~/.opsdash).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsdash"
	}
	return filepath.Join(home, ".opsdash")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Notifications.OutboxPath = ExpandPath(cfg.Notifications.OutboxPath)
	cfg.Notifications.RoutingFile = ExpandPath(cfg.Notifications.RoutingFile)
	cfg.Notifications.Audio.SoundDir = ExpandPath(cfg.Notifications.Audio.SoundDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch domain.Role(cfg.General.Role) {
	case domain.RoleEmployee, domain.RoleAgent, domain.RoleLogistics, domain.RoleAdmin:
	default:
		errs = append(errs, fmt.Sprintf("general.role %q must be one of: employee, agent, logistics, admin", cfg.General.Role))
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Backend.Kind {
	case "rest":
		if cfg.Backend.URL == "" {
			errs = append(errs, "backend.url is required for kind rest")
		} else if u, err := url.Parse(cfg.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("backend.url %q is not an absolute URL", cfg.Backend.URL))
		}
	case "postgres":
		if cfg.Backend.DSN == "" {
			errs = append(errs, "backend.dsn is required for kind postgres")
		}
	default:
		errs = append(errs, "backend.kind must be one of: rest, postgres")
	}
	if cfg.Backend.TimeoutSeconds < 1 {
		errs = append(errs, "backend.timeoutSeconds must be >= 1")
	}

	switch cfg.Realtime.Transport {
	case "websocket":
		if cfg.Realtime.URL == "" {
			errs = append(errs, "realtime.url is required for the websocket transport")
		}
	case "amqp":
		if cfg.Realtime.AMQPURL == "" {
			errs = append(errs, "realtime.amqpUrl is required for the amqp transport")
		}
	case "postgres":
		if cfg.Realtime.DSN == "" && cfg.Backend.DSN == "" {
			errs = append(errs, "realtime.dsn (or backend.dsn) is required for the postgres transport")
		}
	case "memory":
	default:
		errs = append(errs, "realtime.transport must be one of: websocket, amqp, postgres, memory")
	}

	if p := cfg.Conversations.Platform; p != "" && !domain.Platform(p).Valid() {
		errs = append(errs, fmt.Sprintf("conversations.platform %q is not a known platform", p))
	}
	if cfg.Conversations.Limit < 1 || cfg.Conversations.Limit > 1000 {
		errs = append(errs, "conversations.limit must be between 1 and 1000")
	}
	if cfg.Notifications.FetchLimit < 1 || cfg.Notifications.FetchLimit > 500 {
		errs = append(errs, "notifications.fetchLimit must be between 1 and 500")
	}
	if cfg.Notifications.OutboxPath == "" {
		errs = append(errs, "notifications.outboxPath is required")
	}

	pr := cfg.Notifications.Prompts
	if pr.Telegram.Enabled && (pr.Telegram.Token == "" || pr.Telegram.ChatID == 0) {
		errs = append(errs, "notifications.prompts.telegram needs token and chatId")
	}
	if pr.Slack.Enabled && (pr.Slack.BotToken == "" || pr.Slack.Channel == "") {
		errs = append(errs, "notifications.prompts.slack needs botToken and channel")
	}
	if pr.Discord.Enabled && (pr.Discord.Token == "" || pr.Discord.ChannelID == "") {
		errs = append(errs, "notifications.prompts.discord needs token and channelId")
	}
	if cfg.Notifications.Audio.Enabled && cfg.Notifications.Audio.Command == "" {
		errs = append(errs, "notifications.audio.command is required when audio is enabled")
	}

	if cfg.Dashboard.Port < 0 || cfg.Dashboard.Port > 65535 {
		errs = append(errs, "dashboard.port must be between 0 and 65535")
	}
	if cfg.Dashboard.PushIntervalMs < 0 {
		errs = append(errs, "dashboard.pushIntervalMs must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
