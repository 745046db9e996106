// Command ensemble-peer is a headless client peer: it registers with a relay,
// heartbeats, answers peer-connection offers, and echoes reliable-channel
// messages back to the sender. It exists for end-to-end testing of a relay
// deployment without a browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/ensemble-relay/internal/config"
	"github.com/driftline/ensemble-relay/internal/peerconn"
	"github.com/driftline/ensemble-relay/internal/protocol"
	"github.com/driftline/ensemble-relay/internal/sigclient"
)

const (
	envVarRelayURL = "ENSEMBLE_PEER_RELAY_URL"
	envVarPeerID   = "ENSEMBLE_PEER_ID"

	defaultRelayURL = "ws://127.0.0.1:8080/signal"
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

	relayURL := envOrDefault(envVarRelayURL, defaultRelayURL)
	peerID := envOrDefault(envVarPeerID, "peer-"+uuid.NewString()[:8])
	logger = logger.With("peer_id", peerID)

	logger.Info("starting ensemble-peer",
		"relay_url", relayURL,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"ping_interval", cfg.PingInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := sigclient.NewSupervisor(cfg.ReconnectBaseDelay, cfg.MaxReconnectFailures, logger)
	err = sup.Run(ctx, func(ctx context.Context, registered func()) error {
		return runSession(ctx, cfg, logger, relayURL, peerID, registered)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
}

func runSession(ctx context.Context, cfg config.Config, logger *slog.Logger, relayURL, peerID string, registered func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := sigclient.Dial(ctx, relayURL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// Unblock the read loop when the surrounding context is cancelled.
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	var orch *peerconn.Orchestrator
	orch = peerconn.New(peerconn.Config{
		ICEServers:   cfg.ICEServers,
		PingInterval: cfg.PingInterval,
	}, client, peerconn.Callbacks{
		OnConnected: func(id string) {
			logger.Info("peer connection established", "remote", id)
		},
		OnDisconnected: func(id string) {
			logger.Info("peer connection lost", "remote", id)
		},
		OnMessage: func(id, label string, data []byte) {
			if label != peerconn.ReliableControlLabel {
				return
			}
			if err := orch.SendReliable(id, data); err != nil {
				logger.Warn("echo failed", "remote", id, "err", err)
			}
		},
		OnLatency: func(id string, rtt time.Duration) {
			logger.Debug("latency sample", "remote", id, "latency", rtt)
		},
	}, logger)
	defer orch.Close()

	if err := client.Register(peerID, protocol.RoleClient); err != nil {
		return err
	}
	registered()

	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Heartbeat(); err != nil {
					return
				}
			}
		}
	}()

	return client.ReadLoop(func(env protocol.Envelope) {
		switch env.Type {
		case protocol.MessageTypeOffer, protocol.MessageTypeAnswer, protocol.MessageTypeICECandidate:
			if err := orch.HandleEnvelope(env); err != nil {
				logger.Warn("signaling envelope rejected", "type", env.Type, "source", env.Source, "err", err)
			}
		case protocol.MessageTypeActiveController:
			data, err := protocol.DecodeData[protocol.ActiveControllerData](env)
			if err != nil {
				return
			}
			if data.ControllerID != nil {
				logger.Info("active controller changed", "controller", *data.ControllerID)
			} else {
				logger.Info("no active controller")
			}
		case protocol.MessageTypeError:
			data, err := protocol.DecodeData[protocol.ErrorData](env)
			if err != nil {
				return
			}
			logger.Warn("relay error notice", "message", data.Message, "details", data.Details)
		}
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
