// Package signaling is the relay's WebSocket surface. Each connection gets a
// session that registers a peer, routes offer/answer/ICE envelopes between
// peers, and drives the controller lease. Peers the target instance does not
// host are reached through the shared mailbox.
package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftline/ensemble-relay/internal/lease"
	"github.com/driftline/ensemble-relay/internal/mailbox"
	"github.com/driftline/ensemble-relay/internal/metrics"
	"github.com/driftline/ensemble-relay/internal/presence"
	"github.com/driftline/ensemble-relay/internal/protocol"
	"github.com/driftline/ensemble-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Config carries the per-connection limits and sweep cadence.
type Config struct {
	// MaxMessageBytes caps a single signaling envelope.
	MaxMessageBytes int64
	// MessagesPerSecond is the per-session token-bucket rate.
	MessagesPerSecond int
	// SweepInterval is how often the liveness sweep and mailbox GC run.
	SweepInterval time.Duration
}

// Server upgrades /signal connections and owns the liveness sweep loop.
type Server struct {
	log      *slog.Logger
	cfg      Config
	registry *presence.Registry
	mailbox  *mailbox.Mailbox
	leases   *lease.Manager
	metrics  *metrics.Metrics
	clock    ratelimit.Clock

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

func NewServer(cfg Config, registry *presence.Registry, mb *mailbox.Mailbox, leases *lease.Manager, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		log:      logger,
		cfg:      cfg,
		registry: registry,
		mailbox:  mb,
		leases:   leases,
		metrics:  m,
		clock:    ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// RegisterRoutes mounts the signaling endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{
		srv:     s,
		conn:    conn,
		log:     s.log.With("remote_addr", conn.RemoteAddr().String()),
		limiter: ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond)),
	}
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	sess.run()
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Run drives the periodic liveness sweep and mailbox GC until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	expired, err := s.registry.Sweep()
	if err != nil {
		s.log.Error("liveness sweep failed", "err", err)
	}
	for _, peer := range expired {
		s.log.Info("peer expired", "peer", peer.ID, "role", peer.Role)
		s.dropPeer(peer)
	}

	if removed, err := s.mailbox.GC(); err != nil {
		s.log.Error("mailbox gc failed", "err", err)
	} else if removed > 0 {
		s.log.Debug("mailbox gc", "removed", removed)
	}
}

// dropPeer handles the bookkeeping for a peer that vanished without a clean
// close: disconnect fan-out for clients, lease release for controllers, and
// closing any still-open transport.
func (s *Server) dropPeer(peer *presence.Peer) {
	if closer, ok := peer.Sender.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	switch peer.Role {
	case protocol.RoleClient:
		s.fanOutClientPresence(protocol.MessageTypeClientDisconnected, peer.ID)
	case protocol.RoleController:
		s.releaseLeaseIfHeld(peer.ID)
	}
}

// releaseLeaseIfHeld clears the lease when peerID holds it and tells all
// clients no controller is active.
func (s *Server) releaseLeaseIfHeld(peerID string) {
	if err := s.leases.Release(peerID); err != nil {
		return
	}
	s.log.Info("lease released on disconnect", "controller", peerID)
	s.fanOutActiveController(nil)
}

// sendToPeer delivers env to a peer wherever it is: directly when connected
// to this instance, through the mailbox otherwise. Unknown ids land in the
// mailbox too; expiry is the only failure signal.
func (s *Server) sendToPeer(peerID string, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.log.Error("encode envelope", "type", env.Type, "err", err)
		return
	}

	if sender, ok := s.registry.Sender(peerID); ok {
		if err := sender.Send(data); err != nil {
			s.log.Warn("direct send failed", "peer", peerID, "type", env.Type, "err", err)
		} else {
			s.metrics.Inc(metrics.MessagesRoutedLocal)
		}
		return
	}

	if err := s.mailbox.Enqueue(peerID, data); err != nil {
		s.log.Error("mailbox enqueue failed", "peer", peerID, "type", env.Type, "err", err)
	}
}

// fanOutClientPresence tells every registered controller that a client came
// or went.
func (s *Server) fanOutClientPresence(t protocol.MessageType, clientID string) {
	env, err := protocol.NewEnvelope(t, "", protocol.ClientPresenceData{ClientID: clientID})
	if err != nil {
		s.log.Error("encode presence notice", "err", err)
		return
	}
	controllers, err := s.registry.PeerIDs(protocol.RoleController)
	if err != nil {
		s.log.Error("list controllers", "err", err)
		return
	}
	for _, id := range controllers {
		s.sendToPeer(id, env)
	}
}

// fanOutActiveController tells every registered client who is in charge now.
// A nil id means nobody is.
func (s *Server) fanOutActiveController(controllerID *string) {
	env, err := protocol.NewEnvelope(protocol.MessageTypeActiveController, "", protocol.ActiveControllerData{ControllerID: controllerID})
	if err != nil {
		s.log.Error("encode active-controller notice", "err", err)
		return
	}
	clients, err := s.registry.PeerIDs(protocol.RoleClient)
	if err != nil {
		s.log.Error("list clients", "err", err)
		return
	}
	for _, id := range clients {
		s.sendToPeer(id, env)
	}
}

// Close stops accepting sessions and closes all open ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close()
	}
}
