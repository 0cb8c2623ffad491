package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/gistacsl/mosaic-signaling/internal/api"
	"github.com/gistacsl/mosaic-signaling/internal/config"
	"github.com/gistacsl/mosaic-signaling/internal/httpserver"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/robotauth"
	"github.com/gistacsl/mosaic-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting mosaic-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"database_path", cfg.DatabasePath,
		"status_backend", cfg.StatusBackend,
		"nats_enabled", cfg.NATS.Enabled(),
		"kafka_enabled", cfg.Kafka.Enabled(),
		"master_key_source", masterKeySource(cfg.MasterKey),
	)
	logStartupSecurityWarnings(logger, cfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	deps, err := openDependencies(startCtx, cfg, logger, newKMSDecrypter)
	cancelStart()
	if err != nil {
		if errors.Is(err, keys.ErrKeyDecrypt) {
			logger.Error("stored key pairs cannot be opened with the configured master key", "err", err)
		} else {
			logger.Error("failed to open dependencies", "err", err)
		}
		os.Exit(2)
	}
	defer deps.Close(logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	for name, check := range deps.readinessChecks() {
		srv.AddReadinessCheck(name, check)
	}

	sig := signaling.NewServer(signaling.Config{
		Logger:      logger,
		Metrics:     m,
		Bearer:      deps.keys,
		Robots:      deps.db,
		Status:      deps.status,
		Events:      deps.events,
		Strategies:  robotauth.NewTable(deps.keys),
		CheckOrigin: cfg.AllowedOrigins.CheckOrigin,

		AuthTimeout:          cfg.AuthTimeout,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())
	sig.RegisterGauges(m)

	api.New(api.Config{
		Logger:       logger,
		Bearer:       deps.keys,
		Robots:       deps.db,
		RobotTokens:  deps.keys,
		Disconnector: sig,
	}).Register(srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			deps.Close(logger)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Hijacked WebSockets are not covered by Shutdown.
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		deps.Close(logger)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
