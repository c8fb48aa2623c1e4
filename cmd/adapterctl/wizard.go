package main

import (
	"fmt"
	"log"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/chatmesh/adapters/pkg/config"
)

var (
	wizardTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	wizardHintStyle  = lipgloss.NewStyle().Faint(true)
)

// runSetup walks an operator through a first-run configuration: pick
// platforms, enter credentials, write config.toml.
func runSetup(path string) {
	if path == "" {
		log.Fatal("adapterctl: could not determine a default config path; pass --config")
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		log.Fatal("adapterctl: setup requires an interactive terminal; use `adapterctl init` + hand edits instead")
	}

	fmt.Println(wizardTitleStyle.Render("chatmesh adapter fleet — setup"))
	fmt.Println(wizardHintStyle.Render("Configure one or more chat platforms. Press ctrl+c to cancel."))

	cfg := config.DefaultConfig()

	var platforms []string
	if err := huh.NewForm(huh.NewGroup(
		huh.NewMultiSelect[string]().
			Title("Which platforms should this bridge connect?").
			Options(
				huh.NewOption("Discord", "discord"),
				huh.NewOption("Slack", "slack"),
				huh.NewOption("Telegram", "telegram"),
				huh.NewOption("Zulip", "zulip"),
				huh.NewOption("Local text-file/shell", "local"),
			).
			Value(&platforms),
	)).Run(); err != nil {
		log.Fatalf("adapterctl: setup cancelled: %v", err)
	}

	for _, p := range platforms {
		switch p {
		case "discord":
			if err := discordGroup(cfg).Run(); err != nil {
				log.Fatalf("adapterctl: setup cancelled: %v", err)
			}
			cfg.Adapters.Discord.Enabled = true
		case "slack":
			if err := slackGroup(cfg).Run(); err != nil {
				log.Fatalf("adapterctl: setup cancelled: %v", err)
			}
			cfg.Adapters.Slack.Enabled = true
		case "telegram":
			if err := telegramGroup(cfg).Run(); err != nil {
				log.Fatalf("adapterctl: setup cancelled: %v", err)
			}
			cfg.Adapters.Telegram.Enabled = true
		case "zulip":
			if err := zulipGroup(cfg).Run(); err != nil {
				log.Fatalf("adapterctl: setup cancelled: %v", err)
			}
			cfg.Adapters.Zulip.Enabled = true
		case "local":
			if err := localGroup(cfg).Run(); err != nil {
				log.Fatalf("adapterctl: setup cancelled: %v", err)
			}
			cfg.Adapters.Local.Enabled = true
		}
	}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Socket.IO bridge listen address").
			Options(huh.NewOption(cfg.Server.Addr, cfg.Server.Addr)).
			Value(&cfg.Server.Addr),
		huh.NewSelect[string]().
			Title("Log level").
			Options(
				huh.NewOption("info", "info"),
				huh.NewOption("debug", "debug"),
				huh.NewOption("warn", "warn"),
				huh.NewOption("error", "error"),
			).
			Value(&cfg.Logging.Level),
	)).Run(); err != nil {
		log.Fatalf("adapterctl: setup cancelled: %v", err)
	}

	if err := config.Save(cfg, path); err != nil {
		log.Fatalf("adapterctl: failed to save configuration: %v", err)
	}
	fmt.Println(wizardTitleStyle.Render(fmt.Sprintf("Configuration written to %s", path)))
	fmt.Println(wizardHintStyle.Render("Run: adapterctl serve --config " + path))
}

func discordGroup(cfg *config.Config) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Discord bot token").EchoMode(huh.EchoModePassword).Value(&cfg.Adapters.Discord.BotToken),
		huh.NewInput().Title("Discord guild (server) id").Value(&cfg.Adapters.Discord.GuildID),
		huh.NewInput().Title("Discord bot user id").Value(&cfg.Adapters.Discord.BotUserID),
	))
}

func slackGroup(cfg *config.Config) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Slack bot token (xoxb-...)").EchoMode(huh.EchoModePassword).Value(&cfg.Adapters.Slack.BotToken),
		huh.NewInput().Title("Slack signing secret").EchoMode(huh.EchoModePassword).Value(&cfg.Adapters.Slack.SigningSecret),
		huh.NewInput().Title("Slack bot user id").Value(&cfg.Adapters.Slack.BotUserID),
	))
}

func telegramGroup(cfg *config.Config) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Telegram bot token").EchoMode(huh.EchoModePassword).Value(&cfg.Adapters.Telegram.BotToken),
		huh.NewInput().Title("Telegram bot user id").Value(&cfg.Adapters.Telegram.BotUserID),
	))
}

func zulipGroup(cfg *config.Config) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Zulip site (https://yourorg.zulipchat.com)").Value(&cfg.Adapters.Zulip.Site),
		huh.NewInput().Title("Zulip bot email").Value(&cfg.Adapters.Zulip.BotEmail),
		huh.NewInput().Title("Zulip API key").EchoMode(huh.EchoModePassword).Value(&cfg.Adapters.Zulip.APIKey),
		huh.NewInput().Title("Zulip bot full name (as it appears in @**mentions**)").Value(&cfg.Adapters.Zulip.BotFullName),
		huh.NewInput().Title("Zulip bot user id").Value(&cfg.Adapters.Zulip.BotUserID),
	))
}

func localGroup(cfg *config.Config) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Local conversations directory").Value(&cfg.Adapters.Local.RootDir),
	))
}
