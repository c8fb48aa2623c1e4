// Package config provides configuration loading for the adapter fleet.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from a file path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		log.Printf("Warning: No configuration file found in default locations")
		log.Printf("Default locations checked:")
		for _, p := range ConfigPaths() {
			log.Printf("  - %s", p)
		}
		log.Printf("Using default configuration")
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits on error.
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			*dst = f
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	envString("ADAPTER_SERVER_ADDR", &cfg.Server.Addr)
	envString("ADAPTER_SERVER_PATH", &cfg.Server.Path)
	envString("ADAPTER_PID_FILE", &cfg.Server.PidFile)
	envInt("ADAPTER_MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	envInt("ADAPTER_REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec)
	envInt("ADAPTER_INACTIVITY_TIMEOUT_SEC", &cfg.Server.InactivityTimeoutSec)

	envBool("ADAPTER_DISCORD_ENABLED", &cfg.Adapters.Discord.Enabled)
	envString("ADAPTER_DISCORD_BOT_TOKEN", &cfg.Adapters.Discord.BotToken)
	envString("ADAPTER_DISCORD_GUILD_ID", &cfg.Adapters.Discord.GuildID)
	envString("ADAPTER_DISCORD_BOT_USER_ID", &cfg.Adapters.Discord.BotUserID)
	envInt("ADAPTER_DISCORD_MAX_MESSAGE_LENGTH", &cfg.Adapters.Discord.MaxMessageLength)

	envBool("ADAPTER_SLACK_ENABLED", &cfg.Adapters.Slack.Enabled)
	envString("ADAPTER_SLACK_BOT_TOKEN", &cfg.Adapters.Slack.BotToken)
	envString("ADAPTER_SLACK_SIGNING_SECRET", &cfg.Adapters.Slack.SigningSecret)
	envString("ADAPTER_SLACK_BOT_USER_ID", &cfg.Adapters.Slack.BotUserID)
	envInt("ADAPTER_SLACK_MAX_MESSAGE_LENGTH", &cfg.Adapters.Slack.MaxMessageLength)

	envBool("ADAPTER_TELEGRAM_ENABLED", &cfg.Adapters.Telegram.Enabled)
	envString("ADAPTER_TELEGRAM_BOT_TOKEN", &cfg.Adapters.Telegram.BotToken)
	envString("ADAPTER_TELEGRAM_BOT_USER_ID", &cfg.Adapters.Telegram.BotUserID)
	envInt("ADAPTER_TELEGRAM_MAX_MESSAGE_LENGTH", &cfg.Adapters.Telegram.MaxMessageLength)

	envBool("ADAPTER_ZULIP_ENABLED", &cfg.Adapters.Zulip.Enabled)
	envString("ADAPTER_ZULIP_SITE", &cfg.Adapters.Zulip.Site)
	envString("ADAPTER_ZULIP_BOT_EMAIL", &cfg.Adapters.Zulip.BotEmail)
	envString("ADAPTER_ZULIP_API_KEY", &cfg.Adapters.Zulip.APIKey)
	envString("ADAPTER_ZULIP_BOT_FULL_NAME", &cfg.Adapters.Zulip.BotFullName)
	envString("ADAPTER_ZULIP_BOT_USER_ID", &cfg.Adapters.Zulip.BotUserID)
	envInt("ADAPTER_ZULIP_MAX_MESSAGE_LENGTH", &cfg.Adapters.Zulip.MaxMessageLength)

	envBool("ADAPTER_LOCAL_ENABLED", &cfg.Adapters.Local.Enabled)
	envString("ADAPTER_LOCAL_ROOT_DIR", &cfg.Adapters.Local.RootDir)
	envInt("ADAPTER_LOCAL_MAX_MESSAGE_LENGTH", &cfg.Adapters.Local.MaxMessageLength)

	envString("ADAPTER_ATTACHMENT_DIR", &cfg.Cache.AttachmentStorageDir)
	envString("ADAPTER_FILE_BACKUP_DIR", &cfg.FileStore.BackupDir)

	envFloat("ADAPTER_GLOBAL_RPM", &cfg.RateLimit.GlobalRPM)
	envFloat("ADAPTER_PER_CONVERSATION_RPM", &cfg.RateLimit.PerConversationRPM)
	envFloat("ADAPTER_MESSAGE_RPM", &cfg.RateLimit.MessageRPM)

	envString("ADAPTER_LOG_LEVEL", &cfg.Logging.Level)
	envString("ADAPTER_LOG_FORMAT", &cfg.Logging.Format)
	envString("ADAPTER_LOG_OUTPUT", &cfg.Logging.Output)
	envString("ADAPTER_LOG_FILE", &cfg.Logging.File)

	return nil
}

// Save saves the configuration to a file.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Normalize paths for TOML compatibility (forward slashes, no
	// backslashes, which the TOML parser would otherwise read as a
	// unicode escape on Windows).
	cfgCopy := *cfg
	cfgCopy.Server.PidFile = filepath.ToSlash(cfg.Server.PidFile)
	cfgCopy.Adapters.Local.RootDir = filepath.ToSlash(cfg.Adapters.Local.RootDir)
	cfgCopy.Cache.AttachmentStorageDir = filepath.ToSlash(cfg.Cache.AttachmentStorageDir)
	cfgCopy.FileStore.BackupDir = filepath.ToSlash(cfg.FileStore.BackupDir)

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()
	cfg.Adapters.Discord.Enabled = true
	cfg.Adapters.Discord.BotToken = "change-me"
	cfg.Adapters.Slack.Enabled = true
	cfg.Adapters.Slack.BotToken = "xoxb-change-me"
	cfg.Logging.Level = "info"
	return Save(cfg, path)
}
