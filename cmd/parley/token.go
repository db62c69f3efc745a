// ABOUTME: The token subcommand issuing relay JWTs
// ABOUTME: Signs with relay.jwt_secret from the config or PARLEY_JWT_SECRET

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/2389/parley/internal/auth"
)

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "user ID (token subject)")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*userID) == "" {
		return fmt.Errorf("--user is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	secret := cfg.Relay.JWTSecret
	if secret == "" {
		secret = os.Getenv("PARLEY_JWT_SECRET")
	}
	if len(secret) < 32 {
		return fmt.Errorf("relay.jwt_secret (or PARLEY_JWT_SECRET) must be set to at least 32 bytes")
	}

	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(*userID, *name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}
