package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftline/ensemble-relay/internal/lease"
	"github.com/driftline/ensemble-relay/internal/metrics"
	"github.com/driftline/ensemble-relay/internal/presence"
	"github.com/driftline/ensemble-relay/internal/protocol"
	"github.com/driftline/ensemble-relay/internal/ratelimit"
)

// session is the per-connection protocol handler. It moves through
// Connecting (no peer bound yet), Registered (peer bound, envelopes routed)
// and Closed.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	mu     sync.Mutex
	peerID string
	role   protocol.Role

	closeOnce sync.Once
}

func (sess *session) run() {
	defer sess.Close()
	defer sess.onTransportClose()

	sess.conn.SetReadLimit(sess.srv.cfg.MaxMessageBytes)

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		// Rate limit after the read so bytes already buffered by the kernel
		// are consumed; closing with unread data can turn into an abortive
		// close that hides the close reason from the client.
		if !sess.limiter.Allow(1) {
			sess.srv.metrics.Inc(metrics.SignalingRateLimited)
			sess.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			sess.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err == nil {
			err = env.Validate()
		}
		if err != nil {
			// Protocol violations are dropped, not fatal.
			sess.srv.metrics.Inc(metrics.SignalingBadMessages)
			sess.log.Warn("bad signaling message", "err", err)
			sess.sendError("bad message", err.Error())
			continue
		}

		sess.dispatch(env)
	}
}

func (sess *session) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeRegister:
		sess.handleRegister(env)
	case protocol.MessageTypeHeartbeat:
		sess.handleHeartbeat()
	case protocol.MessageTypeOffer, protocol.MessageTypeAnswer, protocol.MessageTypeICECandidate:
		sess.handleRoute(env)
	case protocol.MessageTypeControllerActivate:
		sess.handleControllerActivate()
	case protocol.MessageTypeControllerDeactivate:
		sess.handleControllerDeactivate()
	case protocol.MessageTypeControllerConnections:
		sess.handleControllerConnections(env)
	default:
		sess.srv.metrics.Inc(metrics.SignalingBadMessages)
		sess.sendError("unexpected message", string(env.Type)+" is not accepted from peers")
	}
}

func (sess *session) handleRegister(env protocol.Envelope) {
	reg, err := protocol.DecodeData[protocol.RegisterData](env)
	if err != nil {
		sess.srv.metrics.Inc(metrics.SignalingBadMessages)
		sess.sendError("bad register", err.Error())
		return
	}

	_, displaced, err := sess.srv.registry.Register(reg.ID, reg.Role, sess)
	if err != nil {
		// Store outage: reject the registration but keep the transport so
		// already-negotiated peer connections stay up.
		sess.srv.metrics.Inc(metrics.RegistrationsDegraded)
		sess.log.Error("registration rejected, store unavailable", "peer", reg.ID, "err", err)
		sess.sendError("registration unavailable", "try again later")
		return
	}
	if displaced != nil && displaced.Sender != sess {
		if closer, ok := displaced.Sender.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}

	sess.mu.Lock()
	sess.peerID = reg.ID
	sess.role = reg.Role
	sess.mu.Unlock()
	sess.log = sess.log.With("peer", reg.ID, "role", reg.Role)
	sess.log.Info("peer registered")

	sess.drainMailbox(reg.ID)

	switch reg.Role {
	case protocol.RoleClient:
		sess.srv.fanOutClientPresence(protocol.MessageTypeClientConnected, reg.ID)
		// A newly arrived client needs to know who is driving, if anyone.
		if id, err := sess.srv.leases.ActiveControllerID(); err != nil {
			sess.log.Error("read lease for registration notice", "err", err)
		} else if id != nil {
			sess.sendEnvelope(protocol.MessageTypeActiveController, protocol.ActiveControllerData{ControllerID: id})
		}
	case protocol.RoleController:
		sess.sendClientList()
	}
}

func (sess *session) handleHeartbeat() {
	peerID, role, ok := sess.boundPeer()
	if !ok {
		sess.sendError("not registered", "register before sending heartbeats")
		return
	}

	// A sweep may have removed this peer while its transport stayed open. The
	// heartbeat re-registers it instead of touching and mailboxing an id that
	// is no longer present.
	if _, live := sess.srv.registry.Sender(peerID); !live {
		if _, _, err := sess.srv.registry.Register(peerID, role, sess); err != nil {
			sess.srv.metrics.Inc(metrics.RegistrationsDegraded)
			sess.log.Error("re-registration rejected, store unavailable", "err", err)
			sess.sendError("registration unavailable", "try again later")
			return
		}
		sess.log.Info("peer re-registered on heartbeat")
		if role == protocol.RoleClient {
			sess.srv.fanOutClientPresence(protocol.MessageTypeClientConnected, peerID)
		}
		sess.drainMailbox(peerID)
		return
	}

	if err := sess.srv.registry.Heartbeat(peerID); err != nil {
		sess.log.Error("heartbeat refresh failed", "err", err)
	}
	sess.drainMailbox(peerID)
}

// handleRoute forwards offer/answer/ice-candidate envelopes, stamping the
// sender's id as source. Targets not connected here, including ids nobody has
// registered, go to the mailbox; expiry is the only failure signal.
func (sess *session) handleRoute(env protocol.Envelope) {
	peerID, _, ok := sess.boundPeer()
	if !ok {
		sess.sendError("not registered", "register before relaying messages")
		return
	}
	env.Source = peerID
	sess.srv.sendToPeer(env.Target, env)
}

func (sess *session) handleControllerActivate() {
	peerID, role, ok := sess.boundPeer()
	if !ok || role != protocol.RoleController {
		sess.sendError("not a controller", "controller-activate requires a registered controller")
		return
	}

	// Activation is a takeover: the lease changes hands even when someone
	// else holds it, and the displaced holder is told who won.
	res, err := sess.srv.leases.Acquire(peerID, peerID, true)
	if err != nil {
		sess.log.Error("lease acquire failed", "err", err)
		sess.sendError("lease unavailable", "try again later")
		return
	}
	if res.Handoff && res.Holder != nil {
		kick, err := protocol.NewEnvelope(protocol.MessageTypeControllerKicked, res.Holder.ControllerClientID,
			protocol.ControllerKickedData{NewControllerID: peerID})
		if err != nil {
			sess.log.Error("encode controller-kicked", "err", err)
		} else {
			sess.srv.sendToPeer(res.Holder.ControllerClientID, kick)
		}
		sess.log.Info("lease taken over", "displaced", res.Holder.ControllerClientID)
	}

	sess.sendClientList()
	id := peerID
	sess.srv.fanOutActiveController(&id)
}

func (sess *session) handleControllerDeactivate() {
	peerID, role, ok := sess.boundPeer()
	if !ok || role != protocol.RoleController {
		sess.sendError("not a controller", "controller-deactivate requires a registered controller")
		return
	}

	switch err := sess.srv.leases.Release(peerID); {
	case errors.Is(err, lease.ErrNotHolder):
		sess.sendError("not the active controller", "only the lease holder can deactivate")
	case err != nil:
		sess.log.Error("lease release failed", "err", err)
		sess.sendError("lease unavailable", "try again later")
	default:
		sess.log.Info("controller deactivated")
		sess.srv.fanOutActiveController(nil)
	}
}

func (sess *session) handleControllerConnections(env protocol.Envelope) {
	_, role, ok := sess.boundPeer()
	if !ok || role != protocol.RoleController {
		sess.sendError("not a controller", "controller-connections requires a registered controller")
		return
	}
	report, err := protocol.DecodeData[protocol.ControllerConnectionsData](env)
	if err != nil {
		sess.srv.metrics.Inc(metrics.SignalingBadMessages)
		sess.sendError("bad connections report", err.Error())
		return
	}

	// Clients without a live data channel to the controller lose their
	// presence record outright; an alive one re-registers on its next cycle.
	removed, err := sess.srv.registry.RetainConnectedClients(report.Connections)
	if err != nil {
		sess.log.Error("strict sweep failed", "err", err)
	}
	for _, peer := range removed {
		sess.log.Info("client removed by connections report", "client", peer.ID)
		sess.srv.fanOutClientPresence(protocol.MessageTypeClientDisconnected, peer.ID)
	}
}

// onTransportClose unbinds the peer and cleans up whatever it was holding.
func (sess *session) onTransportClose() {
	peerID, role, ok := sess.boundPeer()
	if !ok {
		return
	}

	// Another session may have displaced this one for the same id; only the
	// current owner unregisters.
	if sender, live := sess.srv.registry.Sender(peerID); !live || sender != presence.Sender(sess) {
		return
	}

	if err := sess.srv.registry.Unregister(peerID); err != nil {
		sess.log.Error("unregister failed", "err", err)
	}
	sess.log.Info("peer disconnected")

	switch role {
	case protocol.RoleClient:
		sess.srv.fanOutClientPresence(protocol.MessageTypeClientDisconnected, peerID)
	case protocol.RoleController:
		sess.srv.releaseLeaseIfHeld(peerID)
	}
}

func (sess *session) drainMailbox(peerID string) {
	delivered, err := sess.srv.mailbox.Drain(peerID, sess.Send)
	if err != nil {
		sess.log.Warn("mailbox drain interrupted", "delivered", delivered, "err", err)
		return
	}
	if delivered > 0 {
		sess.log.Debug("mailbox drained", "delivered", delivered)
	}
}

func (sess *session) sendClientList() {
	clients, err := sess.srv.registry.Clients()
	if err != nil {
		sess.log.Error("list clients", "err", err)
		sess.sendError("client list unavailable", "try again later")
		return
	}
	sess.sendEnvelope(protocol.MessageTypeClientList, protocol.ClientListData{Clients: clients})
}

func (sess *session) boundPeer() (string, protocol.Role, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.peerID, sess.role, sess.peerID != ""
}

// Send delivers one encoded envelope over the WebSocket. It is the
// presence.Sender implementation for this session.
func (sess *session) Send(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

func (sess *session) sendEnvelope(t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, "", payload)
	if err != nil {
		sess.log.Error("encode envelope", "type", t, "err", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		sess.log.Error("encode envelope", "type", t, "err", err)
		return
	}
	if err := sess.Send(data); err != nil {
		sess.log.Warn("send failed", "type", t, "err", err)
	}
}

func (sess *session) sendError(message, details string) {
	sess.sendEnvelope(protocol.MessageTypeError, protocol.ErrorData{Message: message, Details: details})
}

func (sess *session) closeWith(code int, reason string) {
	sess.writeMu.Lock()
	_ = sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	sess.writeMu.Unlock()
}

// Close tears down the transport. Safe to call more than once.
func (sess *session) Close() error {
	sess.closeOnce.Do(func() {
		sess.conn.Close()
	})
	return nil
}
