// Package config provides configuration management for the adapter
// fleet: TOML configuration files with environment variable
// overrides, backed by BurntSushi/toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func validateDirectoryWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("cannot create directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to directory: %w", err)
	}
	f.Close()
	os.Remove(testFile)
	return nil
}

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all adapter-fleet configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Adapters  AdaptersConfig  `toml:"adapters"`
	Cache     CacheConfig     `toml:"cache"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	History   HistoryConfig   `toml:"history"`
	FileStore FileStoreConfig `toml:"file_store"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig configures the Socket.IO-style event bus surface.
type ServerConfig struct {
	Addr                 string   `toml:"addr" env:"ADAPTER_SERVER_ADDR"`
	Path                 string   `toml:"path" env:"ADAPTER_SERVER_PATH"`
	MaxConnections       int      `toml:"max_connections" env:"ADAPTER_MAX_CONNECTIONS"`
	RequestTimeoutSec    int      `toml:"request_timeout_sec" env:"ADAPTER_REQUEST_TIMEOUT_SEC"`
	InactivityTimeoutSec int      `toml:"inactivity_timeout_sec" env:"ADAPTER_INACTIVITY_TIMEOUT_SEC"`
	AllowedOrigins       []string `toml:"allowed_origins"`
	PidFile              string   `toml:"pid_file" env:"ADAPTER_PID_FILE"`
}

// AdaptersConfig holds per-platform enablement and credentials.
type AdaptersConfig struct {
	Discord  DiscordConfig  `toml:"discord"`
	Slack    SlackConfig    `toml:"slack"`
	Telegram TelegramConfig `toml:"telegram"`
	Zulip    ZulipConfig    `toml:"zulip"`
	Local    LocalConfig    `toml:"local"`
}

type DiscordConfig struct {
	Enabled          bool   `toml:"enabled" env:"ADAPTER_DISCORD_ENABLED"`
	BotToken         string `toml:"bot_token" env:"ADAPTER_DISCORD_BOT_TOKEN"`
	GuildID          string `toml:"guild_id" env:"ADAPTER_DISCORD_GUILD_ID"`
	BotUserID        string `toml:"bot_user_id" env:"ADAPTER_DISCORD_BOT_USER_ID"`
	MaxMessageLength int    `toml:"max_message_length" env:"ADAPTER_DISCORD_MAX_MESSAGE_LENGTH"`

	// OAuth holds the optional refresh-token flow for
	// Discord's bearer bot token.
	// Left zero-value, the adapter just uses BotToken as a static
	// bearer token forever, which is what most bot installs want.
	OAuth OAuthRefreshConfig `toml:"oauth"`
}

type SlackConfig struct {
	Enabled          bool   `toml:"enabled" env:"ADAPTER_SLACK_ENABLED"`
	BotToken         string `toml:"bot_token" env:"ADAPTER_SLACK_BOT_TOKEN"`
	SigningSecret    string `toml:"signing_secret" env:"ADAPTER_SLACK_SIGNING_SECRET"`
	BotUserID        string `toml:"bot_user_id" env:"ADAPTER_SLACK_BOT_USER_ID"`
	MaxMessageLength int    `toml:"max_message_length" env:"ADAPTER_SLACK_MAX_MESSAGE_LENGTH"`

	// OAuth holds Slack's token-rotation refresh flow (Slack apps
	// opted into "token rotation" get xoxe- refresh tokens instead of
	// a token that lives forever). Zero-value means BotToken is used
	// as-is.
	OAuth OAuthRefreshConfig `toml:"oauth"`
}

// OAuthRefreshConfig configures an oauth2.Config-backed refresh flow
// for a platform whose bot token can expire and rotate. Only used when
// RefreshToken is set; otherwise the adapter's static bot token is used
// directly as a bearer credential.
type OAuthRefreshConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURL     string `toml:"token_url"`
	RefreshToken string `toml:"refresh_token"`
}

type TelegramConfig struct {
	Enabled          bool   `toml:"enabled" env:"ADAPTER_TELEGRAM_ENABLED"`
	BotToken         string `toml:"bot_token" env:"ADAPTER_TELEGRAM_BOT_TOKEN"`
	BotUserID        string `toml:"bot_user_id" env:"ADAPTER_TELEGRAM_BOT_USER_ID"`
	MaxMessageLength int    `toml:"max_message_length" env:"ADAPTER_TELEGRAM_MAX_MESSAGE_LENGTH"`
}

type ZulipConfig struct {
	Enabled          bool   `toml:"enabled" env:"ADAPTER_ZULIP_ENABLED"`
	Site             string `toml:"site" env:"ADAPTER_ZULIP_SITE"`
	BotEmail         string `toml:"bot_email" env:"ADAPTER_ZULIP_BOT_EMAIL"`
	APIKey           string `toml:"api_key" env:"ADAPTER_ZULIP_API_KEY"`
	BotFullName      string `toml:"bot_full_name" env:"ADAPTER_ZULIP_BOT_FULL_NAME"`
	BotUserID        string `toml:"bot_user_id" env:"ADAPTER_ZULIP_BOT_USER_ID"`
	MaxMessageLength int    `toml:"max_message_length" env:"ADAPTER_ZULIP_MAX_MESSAGE_LENGTH"`
}

type LocalConfig struct {
	Enabled          bool   `toml:"enabled" env:"ADAPTER_LOCAL_ENABLED"`
	RootDir          string `toml:"root_dir" env:"ADAPTER_LOCAL_ROOT_DIR"`
	MaxMessageLength int    `toml:"max_message_length" env:"ADAPTER_LOCAL_MAX_MESSAGE_LENGTH"`
}

// CacheConfig bounds the message and attachment caches.
type CacheConfig struct {
	MaxMessagesPerConversation int    `toml:"max_messages_per_conversation"`
	MaxTotalMessages           int    `toml:"max_total_messages"`
	MaxMessageAgeHours         int    `toml:"max_message_age_hours"`
	MaintenanceIntervalSec     int    `toml:"maintenance_interval_sec"`
	MaxTotalAttachments        int    `toml:"max_total_attachments"`
	MaxAttachmentAgeDays       int    `toml:"max_attachment_age_days"`
	AttachmentStorageDir       string `toml:"attachment_storage_dir" env:"ADAPTER_ATTACHMENT_DIR"`
}

// RateLimitConfig holds the three-tier RPM budgets.
type RateLimitConfig struct {
	GlobalRPM          float64 `toml:"global_rpm" env:"ADAPTER_GLOBAL_RPM"`
	PerConversationRPM float64 `toml:"per_conversation_rpm" env:"ADAPTER_PER_CONVERSATION_RPM"`
	MessageRPM         float64 `toml:"message_rpm" env:"ADAPTER_MESSAGE_RPM"`
}

// HistoryConfig bounds the history fetcher's API-fallback batching.
type HistoryConfig struct {
	BatchSize      int `toml:"batch_size"`
	MaxConcurrency int `toml:"max_concurrency"`
	// StartupLimit bounds how many messages a brand-new conversation's
	// conversation_started event backfills.
	StartupLimit int `toml:"startup_limit"`
}

// FileStoreConfig configures the text-file/shell back-end's undo log.
type FileStoreConfig struct {
	BackupDir            string `toml:"backup_dir" env:"ADAPTER_FILE_BACKUP_DIR"`
	MaxAgeHours          int    `toml:"max_age_hours"`
	MaxEventsPerFile     int    `toml:"max_events_per_file"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `toml:"level" env:"ADAPTER_LOG_LEVEL"`
	Format string `toml:"format" env:"ADAPTER_LOG_FORMAT"`
	Output string `toml:"output" env:"ADAPTER_LOG_OUTPUT"`
	File   string `toml:"file" env:"ADAPTER_LOG_FILE"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Addr:                 ":8765",
			Path:                 "/socket.io",
			MaxConnections:       16,
			RequestTimeoutSec:    30,
			InactivityTimeoutSec: 120,
			AllowedOrigins:       []string{},
			PidFile:              filepath.Join(homeDir, ".chatmesh-adapters", "adapter.pid"),
		},
		Adapters: AdaptersConfig{
			Discord: DiscordConfig{
				MaxMessageLength: 2000,
			},
			Slack: SlackConfig{
				MaxMessageLength: 40000,
			},
			Telegram: TelegramConfig{
				MaxMessageLength: 4096,
			},
			Zulip: ZulipConfig{
				MaxMessageLength: 10000,
			},
			Local: LocalConfig{
				RootDir:          filepath.Join(homeDir, ".chatmesh-adapters", "conversations"),
				MaxMessageLength: 0,
			},
		},
		Cache: CacheConfig{
			MaxMessagesPerConversation: 500,
			MaxTotalMessages:           50000,
			MaxMessageAgeHours:         72,
			MaintenanceIntervalSec:     300,
			MaxTotalAttachments:        10000,
			MaxAttachmentAgeDays:       30,
			AttachmentStorageDir:       filepath.Join(homeDir, ".chatmesh-adapters", "attachments"),
		},
		RateLimit: RateLimitConfig{
			GlobalRPM:          600,
			PerConversationRPM: 60,
			MessageRPM:         20,
		},
		History: HistoryConfig{
			BatchSize:      100,
			MaxConcurrency: 4,
			StartupLimit:   50,
		},
		FileStore: FileStoreConfig{
			BackupDir:            filepath.Join(homeDir, ".chatmesh-adapters", "file_backups"),
			MaxAgeHours:          168,
			MaxEventsPerFile:     50,
			SweepIntervalSeconds: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check.
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".chatmesh-adapters", "config.toml"),
		filepath.Join("/etc", "chatmesh-adapters", "config.toml"),
		"./config.toml",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("%w: server.max_connections cannot be negative", ErrInvalidConfig)
	}

	if c.Adapters.Local.Enabled {
		if c.Adapters.Local.RootDir == "" {
			return fmt.Errorf("%w: adapters.local.root_dir is required when local is enabled", ErrInvalidConfig)
		}
		if err := validateDirectoryWritable(c.Adapters.Local.RootDir); err != nil {
			return fmt.Errorf("%w: local adapter root %s: %w", ErrInvalidConfig, c.Adapters.Local.RootDir, err)
		}
	}

	if c.Adapters.Discord.Enabled && c.Adapters.Discord.BotToken == "" {
		return fmt.Errorf("%w: adapters.discord.bot_token is required when discord is enabled", ErrInvalidConfig)
	}
	if c.Adapters.Slack.Enabled && c.Adapters.Slack.BotToken == "" {
		return fmt.Errorf("%w: adapters.slack.bot_token is required when slack is enabled", ErrInvalidConfig)
	}
	if c.Adapters.Telegram.Enabled && c.Adapters.Telegram.BotToken == "" {
		return fmt.Errorf("%w: adapters.telegram.bot_token is required when telegram is enabled", ErrInvalidConfig)
	}
	if c.Adapters.Zulip.Enabled && (c.Adapters.Zulip.Site == "" || c.Adapters.Zulip.APIKey == "") {
		return fmt.Errorf("%w: adapters.zulip.site and api_key are required when zulip is enabled", ErrInvalidConfig)
	}

	if c.RateLimit.GlobalRPM < 0 || c.RateLimit.PerConversationRPM < 0 || c.RateLimit.MessageRPM < 0 {
		return fmt.Errorf("%w: rate_limit budgets cannot be negative", ErrInvalidConfig)
	}

	if c.History.MaxConcurrency < 1 {
		return fmt.Errorf("%w: history.max_concurrency must be at least 1", ErrInvalidConfig)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrInvalidConfig)
	}

	return nil
}

// RequestTimeout returns the server's request timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// InactivityTimeout returns the server's connection inactivity timeout.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.Server.InactivityTimeoutSec) * time.Second
}

// MaintenanceInterval returns the cache maintenance sweep interval.
func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.Cache.MaintenanceIntervalSec) * time.Second
}

// FileSweepInterval returns the file-store undo log's sweep interval.
func (c *Config) FileSweepInterval() time.Duration {
	return time.Duration(c.FileStore.SweepIntervalSeconds) * time.Second
}
