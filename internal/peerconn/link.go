package peerconn

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/driftline/ensemble-relay/internal/protocol"
)

// State is a link's position in its lifecycle.
type State string

const (
	StateNew             State = "new"
	StateOfferSent       State = "offer-sent"
	StateOfferReceived   State = "offer-received"
	StateAnswerExchanged State = "answer-exchanged"
	StateICENegotiating  State = "ice-negotiating"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateFailed          State = "failed"
	StateClosed          State = "closed"
)

// link is one peer's connection state machine. All transitions take mu, so
// offer/answer/candidate processing for a single peer is strictly
// sequential; different links share nothing.
type link struct {
	o      *Orchestrator
	peerID string
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	pc        *webrtc.PeerConnection
	reliable  *webrtc.DataChannel
	streaming *webrtc.DataChannel
	connected bool
	remoteSet bool
	// candidates that arrived before the remote description
	pending []webrtc.ICECandidateInit

	// latency probe bookkeeping, guarded by mu
	pingSentAt   time.Time
	pingPending  bool
	lastLatency  time.Duration
	latencyFresh bool
	pingStop     chan struct{}

	closeOnce sync.Once
}

// newLink builds the shared PeerConnection plumbing. Caller holds o.mu.
func (o *Orchestrator) newLink(peerID string) (*link, error) {
	pc, err := o.api.NewPeerConnection(webrtc.Configuration{ICEServers: o.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", peerID, err)
	}

	l := &link{
		o:      o,
		peerID: peerID,
		log:    o.log.With("peer", peerID),
		state:  StateNew,
		pc:     pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		env, err := protocol.NewEnvelope(protocol.MessageTypeICECandidate, peerID, c.ToJSON())
		if err != nil {
			l.log.Error("encode candidate", "err", err)
			return
		}
		if err := o.signaler.Send(env); err != nil {
			l.log.Warn("send candidate", "err", err)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateChecking {
			l.mu.Lock()
			if l.state == StateAnswerExchanged {
				l.state = StateICENegotiating
			}
			l.mu.Unlock()
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			l.log.Warn("peer connection failed")
			l.teardown(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			l.teardown(StateClosed)
		case webrtc.PeerConnectionStateDisconnected:
			l.mu.Lock()
			if l.state == StateConnected {
				l.state = StateDisconnected
			}
			l.mu.Unlock()
		}
	})

	// The responding side receives its channels from the remote peer and
	// binds them by label.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case ReliableControlLabel:
			if err := validateReliableChannel(dc); err != nil {
				l.log.Warn("rejecting data channel", "label", dc.Label(), "err", err)
				_ = dc.Close()
				return
			}
			l.mu.Lock()
			l.reliable = dc
			l.mu.Unlock()
			l.bindReliable(dc)
		case StreamingUpdatesLabel:
			if err := validateStreamingChannel(dc); err != nil {
				l.log.Warn("rejecting data channel", "label", dc.Label(), "err", err)
				_ = dc.Close()
				return
			}
			l.mu.Lock()
			l.streaming = dc
			l.mu.Unlock()
			l.bindStreaming(dc)
		default:
			l.log.Warn("rejecting data channel", "label", dc.Label())
			_ = dc.Close()
		}
	})

	return l, nil
}

// initiate creates both channels up front and sends the offer.
func (l *link) initiate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reliable, err := createReliableChannel(l.pc)
	if err != nil {
		return fmt.Errorf("create %s: %w", ReliableControlLabel, err)
	}
	streaming, err := createStreamingChannel(l.pc)
	if err != nil {
		return fmt.Errorf("create %s: %w", StreamingUpdatesLabel, err)
	}
	l.reliable = reliable
	l.streaming = streaming
	l.bindReliable(reliable)
	l.bindStreaming(streaming)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", l.peerID, err)
	}

	// Send before SetLocalDescription: that call starts ICE gathering, and a
	// trickled candidate must never overtake the offer on the signaling path.
	env, err := protocol.NewEnvelope(protocol.MessageTypeOffer, l.peerID, offer)
	if err != nil {
		return err
	}
	if err := l.o.signaler.Send(env); err != nil {
		return fmt.Errorf("send offer to %s: %w", l.peerID, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", l.peerID, err)
	}
	l.state = StateOfferSent
	return nil
}

func (l *link) handleRemoteOffer(sdp webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateNew {
		l.state = StateOfferReceived
	}
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", l.peerID, err)
	}
	l.remoteSet = true
	l.flushPendingLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", l.peerID, err)
	}

	// Same ordering rule as the offer side: the answer goes out before local
	// candidate gathering can trickle anything.
	env, err := protocol.NewEnvelope(protocol.MessageTypeAnswer, l.peerID, answer)
	if err != nil {
		return err
	}
	if err := l.o.signaler.Send(env); err != nil {
		return fmt.Errorf("send answer to %s: %w", l.peerID, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", l.peerID, err)
	}
	l.state = StateAnswerExchanged
	return nil
}

func (l *link) handleRemoteAnswer(sdp webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", l.peerID, err)
	}
	l.remoteSet = true
	l.flushPendingLocked()
	l.state = StateAnswerExchanged
	return nil
}

func (l *link) handleRemoteCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		return nil
	}
	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate from %s: %w", l.peerID, err)
	}
	return nil
}

func (l *link) flushPendingLocked() {
	for _, cand := range l.pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			l.log.Warn("add buffered candidate", "err", err)
		}
	}
	l.pending = nil
}

func (l *link) bindReliable(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		l.mu.Lock()
		l.connected = true
		l.state = StateConnected
		l.startPingsLocked()
		l.mu.Unlock()

		l.log.Info("reliable channel open")
		if cb := l.o.callbacks.OnConnected; cb != nil {
			cb(l.peerID)
		}
	})
	dc.OnClose(func() {
		l.mu.Lock()
		wasConnected := l.connected
		l.connected = false
		if l.state == StateConnected {
			l.state = StateDisconnected
		}
		l.stopPingsLocked()
		l.mu.Unlock()

		if wasConnected {
			l.log.Info("reliable channel closed")
			if cb := l.o.callbacks.OnDisconnected; cb != nil {
				cb(l.peerID)
			}
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString && l.handleProbe(msg.Data) {
			return
		}
		if cb := l.o.callbacks.OnMessage; cb != nil {
			cb(l.peerID, ReliableControlLabel, append([]byte(nil), msg.Data...))
		}
	})
}

func (l *link) bindStreaming(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cb := l.o.callbacks.OnMessage; cb != nil {
			cb(l.peerID, StreamingUpdatesLabel, append([]byte(nil), msg.Data...))
		}
	})
}

func (l *link) sendReliable(data []byte) error {
	l.mu.Lock()
	dc := l.reliable
	connected := l.connected
	l.mu.Unlock()
	if dc == nil || !connected {
		return fmt.Errorf("peerconn: reliable channel to %s not open", l.peerID)
	}
	return dc.Send(data)
}

func (l *link) sendStreaming(data []byte) error {
	l.mu.Lock()
	dc := l.streaming
	l.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("peerconn: streaming channel to %s not open", l.peerID)
	}
	return dc.Send(data)
}

func (l *link) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *link) currentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) latency() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLatency, l.latencyFresh
}

// teardown converges every failure and shutdown path: close both channels,
// close the peer connection, drop the link from the orchestrator, and tell
// the application if the peer was connected.
func (l *link) teardown(final State) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		wasConnected := l.connected
		l.connected = false
		l.state = final
		l.stopPingsLocked()
		reliable, streaming := l.reliable, l.streaming
		l.mu.Unlock()

		if reliable != nil {
			_ = reliable.Close()
		}
		if streaming != nil {
			_ = streaming.Close()
		}
		_ = l.pc.Close()

		l.o.removeLink(l)
		l.log.Info("link torn down", "state", final)
		if wasConnected {
			if cb := l.o.callbacks.OnDisconnected; cb != nil {
				cb(l.peerID)
			}
		}
	})
}
