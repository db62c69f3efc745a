// ABOUTME: The relay subcommand serving the realtime gRPC transport
// ABOUTME: Wires config, the in-memory hub, JWT auth and graceful shutdown

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/relay"
	"github.com/2389/parley/internal/store"
	"github.com/2389/parley/internal/transport"
)

const statsInterval = time.Minute

func runRelay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (overrides relay.grpc_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Relay.GRPCAddr = *addr
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Relay.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Relay.JWTSecret != "" {
		fmt.Println("jwt")
	} else {
		yellow.Println("disabled")
	}
	fmt.Println()

	// Membership comes from the same database the clients write to.
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	ln, err := net.Listen("tcp", cfg.Relay.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Relay.GRPCAddr, err)
	}

	return serveRelay(ctx, cfg, ln, db, logger)
}

// serveRelay runs a relay on ln until ctx ends. Authenticated streams are
// limited to conversations members says they take part in; nil members
// accepts any conversation.
func serveRelay(ctx context.Context, cfg *config.Config, ln net.Listener, members relay.Members, logger *slog.Logger) error {
	hub := transport.NewHub(transport.HubOptions{ReplaySize: cfg.Relay.ReplaySize}, logger)
	defer hub.Close()

	svc := relay.NewServer(hub, relay.ServerOptions{
		TypingRate:  cfg.Relay.TypingRate,
		TypingBurst: cfg.Relay.TypingBurst,
		Members:     members,
	}, logger)

	var verifier auth.TokenVerifier
	if cfg.Relay.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Relay.JWTSecret))
	}
	server := relay.NewGRPCServer(svc, verifier, logger)

	logger.Info("starting parley relay",
		"grpc_addr", ln.Addr().String(),
		"replay_size", cfg.Relay.ReplaySize,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Serve(gctx, server, ln, cfg.Relay.ShutdownGrace, logger)
	})
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logger.Info("relay stats",
					"online_users", len(hub.OnlineUsers()),
					"last_seq", hub.LastSeq())
			}
		}
	})
	return g.Wait()
}
