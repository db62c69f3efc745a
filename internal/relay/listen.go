// ABOUTME: gRPC server construction and lifecycle for the relay
// ABOUTME: Chooses JWT or anonymous mode and serves until the context ends

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/parley/internal/auth"
)

// NewGRPCServer creates a gRPC server with the relay registered. A nil
// verifier runs the relay without authentication; clients then name
// themselves in track frames.
func NewGRPCServer(svc Service, verifier auth.TokenVerifier, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if verifier != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(verifier, logger)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger)),
		)
		logger.Info("relay auth enabled (JWT)")
	} else {
		logger.Warn("relay auth disabled - no jwt_secret configured")
	}

	server := grpc.NewServer(opts...)
	RegisterService(server, svc)
	return server
}

// Serve runs server on ln until ctx is cancelled, then stops gracefully,
// forcing the stop after grace.
func Serve(ctx context.Context, server *grpc.Server, ln net.Listener, grace time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("context canceled, stopping relay")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(grace):
		logger.Warn("graceful stop timed out, forcing")
		server.Stop()
	}
	return nil
}
