// Command adapterctl is the chat-adapter fleet's entry point: it loads
// configuration, wires one conversation pipeline per enabled platform
// adapter (cache, rate limiter, history fetcher, conversation manager,
// incoming/outgoing event processors), and runs the Socket.IO bridge to
// the upstream bot host until interrupted.
//
// This is the "single process-level registry" the core's design notes
// call for (internal/ratelimit, internal/conversation): library code
// takes its collaborators as explicit dependencies, and this command is
// the only place that constructs singletons and wires them together.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		runServe(defaultConfigPath())
		return
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("adapterctl %s (built %s)\n", version, buildTime)
	case "help", "--help", "-h":
		printHelp()
	case "init":
		runInit(parseConfigFlag(os.Args[2:]))
	case "validate":
		runValidate(parseConfigFlag(os.Args[2:]))
	case "setup":
		runSetup(parseConfigFlag(os.Args[2:]))
	case "serve", "run":
		runServe(parseConfigFlag(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "adapterctl: unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func parseConfigFlag(args []string) string {
	fs := flag.NewFlagSet("adapterctl", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config.toml (defaults to the standard search path)")
	fs.Parse(args)
	if *cfgPath != "" {
		return *cfgPath
	}
	return defaultConfigPath()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chatmesh-adapters", "config.toml")
}

func printHelp() {
	fmt.Println(`adapterctl manages the chat-adapter fleet.

USAGE:
    adapterctl <command> [--config path/to/config.toml]

COMMANDS:
    serve, run   Start the adapter fleet (default if no command given)
    setup        Interactive first-run configuration wizard
    init         Write a default config.toml to disk
    validate     Load and validate a config.toml
    version      Print version information
    help         Show this help text`)
}

func runInit(path string) {
	if path == "" {
		log.Fatal("adapterctl: could not determine a default config path; pass --config")
	}
	if err := writeExampleConfig(path); err != nil {
		log.Fatalf("adapterctl: failed to write example config: %v", err)
	}
	fmt.Printf("Example configuration written to %s\n", path)
	fmt.Println("Edit it, then run: adapterctl serve --config " + path)
}

func runValidate(path string) {
	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatalf("adapterctl: configuration invalid: %v", err)
	}
	fmt.Println("Configuration is valid.")
	fmt.Printf("  Socket.IO addr: %s%s\n", cfg.Server.Addr, cfg.Server.Path)
	fmt.Printf("  Attachments:    %s\n", cfg.Cache.AttachmentStorageDir)
	for _, name := range enabledAdapterNames(cfg) {
		fmt.Printf("  Adapter enabled: %s\n", name)
	}
}
