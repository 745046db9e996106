package peerconn_test

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/driftline/ensemble-relay/internal/peerconn"
	"github.com/driftline/ensemble-relay/internal/protocol"
)

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(logWriter{t}, nil))
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// pipeSignaler stamps outbound envelopes with the local peer id and hands
// them to the remote orchestrator on a separate goroutine, the way the relay
// would.
type pipeSignaler struct {
	self string
	out  chan protocol.Envelope
}

func newPipeSignaler(self string) *pipeSignaler {
	return &pipeSignaler{self: self, out: make(chan protocol.Envelope, 64)}
}

func (p *pipeSignaler) Send(env protocol.Envelope) error {
	env.Source = p.self
	p.out <- env
	return nil
}

func (p *pipeSignaler) pumpInto(t *testing.T, o *peerconn.Orchestrator, done <-chan struct{}) {
	go func() {
		for {
			select {
			case <-done:
				return
			case env := <-p.out:
				if err := o.HandleEnvelope(env); err != nil {
					t.Logf("handle %s from %s: %v", env.Type, env.Source, err)
				}
			}
		}
	}()
}

func newVNetPair(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	return newVNetAPI(t, netA), newVNetAPI(t, netB)
}

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type eventRecorder struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	messages     map[string][][]byte // label -> payloads
	latencies    []time.Duration
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{messages: make(map[string][][]byte)}
}

func (r *eventRecorder) callbacks() peerconn.Callbacks {
	return peerconn.Callbacks{
		OnConnected: func(peerID string) {
			r.mu.Lock()
			r.connected = append(r.connected, peerID)
			r.mu.Unlock()
		},
		OnDisconnected: func(peerID string) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, peerID)
			r.mu.Unlock()
		},
		OnMessage: func(peerID, label string, data []byte) {
			r.mu.Lock()
			r.messages[label] = append(r.messages[label], data)
			r.mu.Unlock()
		},
		OnLatency: func(peerID string, latency time.Duration) {
			r.mu.Lock()
			r.latencies = append(r.latencies, latency)
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) messageCount(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[label])
}

func (r *eventRecorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func (r *eventRecorder) latencyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.latencies)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConnectExchangeDisconnect(t *testing.T) {
	apiA, apiB := newVNetPair(t)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	sigA := newPipeSignaler("peer-a")
	sigB := newPipeSignaler("peer-b")
	recA := newEventRecorder()
	recB := newEventRecorder()

	orchA := peerconn.New(peerconn.Config{API: apiA, PingInterval: time.Hour}, sigA, recA.callbacks(), testLogger(t))
	orchB := peerconn.New(peerconn.Config{API: apiB, PingInterval: time.Hour}, sigB, recB.callbacks(), testLogger(t))
	t.Cleanup(orchA.Close)
	t.Cleanup(orchB.Close)

	sigA.pumpInto(t, orchB, done)
	sigB.pumpInto(t, orchA, done)

	if err := orchA.Connect("peer-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "both sides connected", func() bool {
		return orchA.Connected("peer-b") && orchB.Connected("peer-a")
	})
	waitFor(t, "a sees connected state", func() bool { return orchA.State("peer-b") == peerconn.StateConnected })

	peers := orchA.ConnectedPeers()
	if len(peers) != 1 || peers[0] != "peer-b" {
		t.Fatalf("connected peers = %v, want [peer-b]", peers)
	}

	if err := orchA.SendReliable("peer-b", []byte("control")); err != nil {
		t.Fatalf("send reliable: %v", err)
	}
	if err := orchA.SendStreaming("peer-b", []byte("update")); err != nil {
		t.Fatalf("send streaming: %v", err)
	}
	waitFor(t, "reliable message", func() bool { return recB.messageCount(peerconn.ReliableControlLabel) >= 1 })
	waitFor(t, "streaming message", func() bool { return recB.messageCount(peerconn.StreamingUpdatesLabel) >= 1 })

	orchA.Disconnect("peer-b")
	waitFor(t, "a forgets the peer", func() bool { return !orchA.Connected("peer-b") })
	waitFor(t, "a reports disconnect", func() bool { return recA.disconnectCount() >= 1 })
	if got := orchA.ConnectedPeers(); len(got) != 0 {
		t.Fatalf("connected peers after disconnect = %v, want none", got)
	}
}

func TestLatencyProbing(t *testing.T) {
	apiA, apiB := newVNetPair(t)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	sigA := newPipeSignaler("peer-a")
	sigB := newPipeSignaler("peer-b")
	recA := newEventRecorder()

	orchA := peerconn.New(peerconn.Config{API: apiA, PingInterval: 50 * time.Millisecond}, sigA, recA.callbacks(), testLogger(t))
	orchB := peerconn.New(peerconn.Config{API: apiB, PingInterval: time.Hour}, sigB, peerconn.Callbacks{}, testLogger(t))
	t.Cleanup(orchA.Close)
	t.Cleanup(orchB.Close)

	sigA.pumpInto(t, orchB, done)
	sigB.pumpInto(t, orchA, done)

	if err := orchA.Connect("peer-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return orchA.Connected("peer-b") })

	waitFor(t, "a latency estimate", func() bool { return recA.latencyCount() >= 1 })
	if _, ok := orchA.Latency("peer-b"); !ok {
		t.Fatal("latency not fresh after a pong")
	}
}

func TestAnswerForUnknownPeerIsAnError(t *testing.T) {
	orch := peerconn.New(peerconn.Config{PingInterval: time.Hour}, newPipeSignaler("x"), peerconn.Callbacks{}, testLogger(t))
	t.Cleanup(orch.Close)

	env, err := protocol.NewEnvelope(protocol.MessageTypeAnswer, "x",
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if err != nil {
		t.Fatalf("build answer: %v", err)
	}
	env.Source = "stranger"

	if err := orch.HandleEnvelope(env); err == nil {
		t.Fatal("answer from unknown peer accepted")
	}
}
