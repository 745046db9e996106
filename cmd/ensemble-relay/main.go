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

	"github.com/driftline/ensemble-relay/internal/config"
	"github.com/driftline/ensemble-relay/internal/httpserver"
	"github.com/driftline/ensemble-relay/internal/lease"
	"github.com/driftline/ensemble-relay/internal/mailbox"
	"github.com/driftline/ensemble-relay/internal/metrics"
	"github.com/driftline/ensemble-relay/internal/presence"
	"github.com/driftline/ensemble-relay/internal/signaling"
	"github.com/driftline/ensemble-relay/internal/store"
	"github.com/driftline/ensemble-relay/internal/turnrest"
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

	logger.Info("starting ensemble-relay",
		"listen_addr", cfg.ListenAddr,
		"instance_id", cfg.InstanceID,
		"mode", cfg.Mode,
		"store", storeKind(cfg.StorePath),
		"peer_ttl", cfg.PeerTTL,
		"sweep_interval", cfg.SweepInterval,
		"mailbox_ttl", cfg.MailboxTTL,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ICE configuration invalid; serving signaling without ICE servers", "err", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(2)
	}
	defer st.Close()

	m := metrics.New()
	registry := presence.NewRegistry(st, cfg.InstanceID, cfg.PeerTTL, nil, m)
	mb := mailbox.New(st, cfg.MailboxTTL, nil, m)
	leases := lease.NewManager(st, nil, m)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.SetStoreCheck(func(context.Context) error {
		_, err := st.Peers()
		return err
	})

	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
		srv.SetTURNCredentials(gen)
	}

	sig := signaling.NewServer(signaling.Config{
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SweepInterval:     cfg.SweepInterval,
	}, registry, mb, leases, m, logger)
	sig.RegisterRoutes(srv.Mux())

	lease.NewHandler(leases, logger).RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sig.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
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
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StorePath == "" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(cfg.StorePath)
}

func storeKind(path string) string {
	if path == "" {
		return "memory"
	}
	return "sqlite"
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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
