package main

import (
	"fmt"

	"github.com/chatmesh/adapters/pkg/config"
)

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

func writeExampleConfig(path string) error {
	return config.GenerateExampleConfig(path)
}

func enabledAdapterNames(cfg *config.Config) []string {
	var names []string
	if cfg.Adapters.Discord.Enabled {
		names = append(names, "discord")
	}
	if cfg.Adapters.Slack.Enabled {
		names = append(names, "slack")
	}
	if cfg.Adapters.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Adapters.Zulip.Enabled {
		names = append(names, "zulip")
	}
	if cfg.Adapters.Local.Enabled {
		names = append(names, "local")
	}
	return names
}

func mustHaveOneAdapter(cfg *config.Config) error {
	if len(enabledAdapterNames(cfg)) == 0 {
		return fmt.Errorf("adapterctl: no adapters enabled in configuration")
	}
	return nil
}
