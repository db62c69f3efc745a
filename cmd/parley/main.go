// ABOUTME: Entry point for the parley binary
// ABOUTME: Dispatches the relay, demo, token and version subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/2389/parley/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _
 _ __   __ _ _ __| | ___ _   _
| '_ \ / _' | '__| |/ _ \ | | |
| |_) | (_| | |  | |  __/ |_| |
| .__/ \__,_|_|  |_|\___|\__, |
|_|                      |___/
`

func usage() {
	fmt.Println("Usage: parley <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  relay                      Run the realtime relay server")
	fmt.Println("  demo [--via local|relay]   Two users chatting end to end")
	fmt.Println("  token --user ID [--name N] Issue a relay token")
	fmt.Println("  version                    Print the version")
}

// getConfigPath returns the path to the config file, or "" when none exists.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/parley.yaml > ~/.config/parley/parley.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	path := filepath.Join(configDir, "parley", "parley.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// loadConfig reads the config file when there is one and falls back to
// the defaults otherwise.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if path == "" {
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "relay":
		err = runRelay(ctx, os.Args[2:])
	case "demo":
		err = runDemo(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Printf("parley %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
