package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Server.Addr == "" {
		t.Error("Server.Addr should not be empty")
	}
	if cfg.Server.MaxConnections <= 0 {
		t.Error("Server.MaxConnections should default to a positive value")
	}

	if cfg.RateLimit.GlobalRPM <= 0 {
		t.Error("RateLimit.GlobalRPM should default to a positive value")
	}
	if cfg.RateLimit.PerConversationRPM > cfg.RateLimit.GlobalRPM {
		t.Error("PerConversationRPM should not exceed GlobalRPM by default")
	}

	if cfg.History.MaxConcurrency <= 0 {
		t.Error("History.MaxConcurrency should default to a positive value")
	}

	if cfg.Cache.MaxMessagesPerConversation <= 0 {
		t.Error("Cache.MaxMessagesPerConversation should default to a positive value")
	}
}

func TestValidateDefaultConfigPasses(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig validation failed: %v", err)
	}
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty server.addr")
	}
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid log level")
	}
}

func TestValidateRequiresCredentialsWhenAdapterEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adapters.Discord.Enabled = true
	cfg.Adapters.Discord.BotToken = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for discord enabled without bot_token")
	}

	cfg = DefaultConfig()
	cfg.Adapters.Zulip.Enabled = true
	cfg.Adapters.Zulip.Site = "https://example.zulipchat.com"
	cfg.Adapters.Zulip.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zulip enabled without api_key")
	}
}

func TestValidateRejectsNegativeRateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.MessageRPM = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative rate limit budget")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Adapters.Local.Enabled = true
	cfg.Adapters.Local.RootDir = filepath.Join(dir, "conversations")
	cfg.Logging.Level = "debug"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", loaded.Logging.Level)
	}
	if loaded.Adapters.Local.RootDir != cfg.Adapters.Local.RootDir {
		t.Errorf("Adapters.Local.RootDir = %q, want %q", loaded.Adapters.Local.RootDir, cfg.Adapters.Local.RootDir)
	}
}

func TestGenerateExampleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.toml")

	if err := GenerateExampleConfig(path); err != nil {
		t.Fatalf("GenerateExampleConfig() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	if !cfg.Adapters.Discord.Enabled {
		t.Error("example config should enable discord")
	}
}
