// Package peerconn drives the WebRTC connections a controller process holds
// to its clients: one independently state-machined link per remote peer, two
// data channels per link, and periodic latency probes on the reliable
// channel. Signaling envelopes travel through whatever Signaler the caller
// provides, normally a sigclient.Client.
package peerconn

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/driftline/ensemble-relay/internal/protocol"
)

// ErrUnknownPeer is returned for operations on a peer with no link.
var ErrUnknownPeer = errors.New("peerconn: no link for peer")

// Signaler sends signaling envelopes toward the relay.
type Signaler interface {
	Send(env protocol.Envelope) error
}

// Callbacks surface link events to the application layer. All fields are
// optional. Callbacks run on pion's goroutines and must not block.
type Callbacks struct {
	// OnConnected fires when a link's reliable channel opens.
	OnConnected func(peerID string)
	// OnDisconnected fires when a link's reliable channel closes or the
	// link is torn down while connected.
	OnDisconnected func(peerID string)
	// OnMessage delivers application data from either channel.
	OnMessage func(peerID, label string, data []byte)
	// OnLatency reports a fresh one-way latency estimate.
	OnLatency func(peerID string, latency time.Duration)
}

// Config tunes the orchestrator.
type Config struct {
	ICEServers []webrtc.ICEServer
	// PingInterval is the latency probe cadence on the reliable channel.
	PingInterval time.Duration
	// API overrides the pion API, mainly to install a vnet in tests.
	API *webrtc.API
}

// Orchestrator manages one link per remote peer id. Links progress
// independently; transitions within one link are serialized.
type Orchestrator struct {
	log       *slog.Logger
	cfg       Config
	api       *webrtc.API
	signaler  Signaler
	callbacks Callbacks

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

func New(cfg Config, signaler Signaler, callbacks Callbacks, logger *slog.Logger) *Orchestrator {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	return &Orchestrator{
		log:       logger,
		cfg:       cfg,
		api:       api,
		signaler:  signaler,
		callbacks: callbacks,
		links:     make(map[string]*link),
	}
}

// Connect initiates a connection to peerID: both data channels are created up
// front and an offer goes out through the signaler. Connecting to a peer that
// already has a link is a no-op.
func (o *Orchestrator) Connect(peerID string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.New("peerconn: orchestrator closed")
	}
	if _, ok := o.links[peerID]; ok {
		o.mu.Unlock()
		return nil
	}
	l, err := o.newLink(peerID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.links[peerID] = l
	o.mu.Unlock()

	if err := l.initiate(); err != nil {
		l.teardown(StateFailed)
		return err
	}
	return nil
}

// HandleEnvelope feeds an inbound offer, answer, or ice-candidate to the
// matching link. An offer from a peer with no link creates one (the
// responding side). Candidates for unknown peers are dropped.
func (o *Orchestrator) HandleEnvelope(env protocol.Envelope) error {
	peerID := env.Source
	if peerID == "" {
		return errors.New("peerconn: envelope has no source")
	}

	switch env.Type {
	case protocol.MessageTypeOffer:
		sdp, err := protocol.DecodeData[webrtc.SessionDescription](env)
		if err != nil {
			return fmt.Errorf("decode offer from %s: %w", peerID, err)
		}
		l, err := o.linkForOffer(peerID)
		if err != nil {
			return err
		}
		return l.handleRemoteOffer(sdp)

	case protocol.MessageTypeAnswer:
		sdp, err := protocol.DecodeData[webrtc.SessionDescription](env)
		if err != nil {
			return fmt.Errorf("decode answer from %s: %w", peerID, err)
		}
		l, ok := o.link(peerID)
		if !ok {
			return fmt.Errorf("%w: answer from %s", ErrUnknownPeer, peerID)
		}
		return l.handleRemoteAnswer(sdp)

	case protocol.MessageTypeICECandidate:
		cand, err := protocol.DecodeData[webrtc.ICECandidateInit](env)
		if err != nil {
			return fmt.Errorf("decode candidate from %s: %w", peerID, err)
		}
		l, ok := o.link(peerID)
		if !ok {
			o.log.Debug("dropping candidate for unknown peer", "peer", peerID)
			return nil
		}
		return l.handleRemoteCandidate(cand)

	default:
		return fmt.Errorf("peerconn: unexpected envelope type %s", env.Type)
	}
}

// linkForOffer returns the existing link for peerID or creates the
// responding side of a new one.
func (o *Orchestrator) linkForOffer(peerID string) (*link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("peerconn: orchestrator closed")
	}
	if l, ok := o.links[peerID]; ok {
		return l, nil
	}
	l, err := o.newLink(peerID)
	if err != nil {
		return nil, err
	}
	o.links[peerID] = l
	return l, nil
}

func (o *Orchestrator) link(peerID string) (*link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[peerID]
	return l, ok
}

func (o *Orchestrator) removeLink(l *link) {
	o.mu.Lock()
	if o.links[l.peerID] == l {
		delete(o.links, l.peerID)
	}
	o.mu.Unlock()
}

// Disconnect tears down the link to peerID, if any.
func (o *Orchestrator) Disconnect(peerID string) {
	if l, ok := o.link(peerID); ok {
		l.teardown(StateClosed)
	}
}

// Connected reports whether peerID's reliable channel is open.
func (o *Orchestrator) Connected(peerID string) bool {
	l, ok := o.link(peerID)
	return ok && l.isConnected()
}

// ConnectedPeers lists peers with an open reliable channel, sorted. This is
// what a controller reports in controller-connections.
func (o *Orchestrator) ConnectedPeers() []string {
	o.mu.Lock()
	links := make([]*link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	var out []string
	for _, l := range links {
		if l.isConnected() {
			out = append(out, l.peerID)
		}
	}
	sort.Strings(out)
	return out
}

// State returns peerID's link state, or StateClosed when no link exists.
func (o *Orchestrator) State(peerID string) State {
	l, ok := o.link(peerID)
	if !ok {
		return StateClosed
	}
	return l.currentState()
}

// Latency returns the last one-way latency estimate for peerID. ok is false
// when no fresh estimate exists, including after a missed pong.
func (o *Orchestrator) Latency(peerID string) (time.Duration, bool) {
	l, ok := o.link(peerID)
	if !ok {
		return 0, false
	}
	return l.latency()
}

// SendReliable sends application data on peerID's reliable channel.
func (o *Orchestrator) SendReliable(peerID string, data []byte) error {
	l, ok := o.link(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return l.sendReliable(data)
}

// SendStreaming sends application data on peerID's streaming channel.
// Delivery is best effort.
func (o *Orchestrator) SendStreaming(peerID string, data []byte) error {
	l, ok := o.link(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return l.sendStreaming(data)
}

// Close tears down every link.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	links := make([]*link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	for _, l := range links {
		l.teardown(StateClosed)
	}
}
