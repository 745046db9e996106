package peerconn

import (
	"encoding/json"
	"time"

	"github.com/driftline/ensemble-relay/internal/protocol"
)

// startPingsLocked launches the latency probe loop for this link. Caller
// holds l.mu.
func (l *link) startPingsLocked() {
	if l.pingStop != nil {
		return
	}
	stop := make(chan struct{})
	l.pingStop = stop

	go func() {
		ticker := time.NewTicker(l.o.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.sendPing()
			}
		}
	}()
}

// stopPingsLocked cancels the probe loop. Caller holds l.mu.
func (l *link) stopPingsLocked() {
	if l.pingStop != nil {
		close(l.pingStop)
		l.pingStop = nil
	}
}

// sendPing emits one probe. A previous probe still outstanding means the
// pong never came; the latency estimate goes stale rather than erroring.
func (l *link) sendPing() {
	now := time.Now()

	l.mu.Lock()
	if l.pingPending {
		l.latencyFresh = false
	}
	l.pingSentAt = now
	l.pingPending = true
	dc := l.reliable
	connected := l.connected
	l.mu.Unlock()

	if dc == nil || !connected {
		return
	}
	frame, err := json.Marshal(protocol.ChannelProbe{Type: protocol.ChannelFramePing, SentAt: now.UnixNano()})
	if err != nil {
		return
	}
	if err := dc.SendText(string(frame)); err != nil {
		l.log.Debug("ping send failed", "err", err)
	}
}

// handleProbe consumes ping/pong frames on the reliable channel, reporting
// whether data was a probe. Pings are echoed; a pong matching the
// outstanding probe yields latency = round trip / 2.
func (l *link) handleProbe(data []byte) bool {
	var probe protocol.ChannelProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}

	switch probe.Type {
	case protocol.ChannelFramePing:
		l.mu.Lock()
		dc := l.reliable
		l.mu.Unlock()
		if dc != nil {
			echo, err := json.Marshal(protocol.ChannelProbe{Type: protocol.ChannelFramePong, SentAt: probe.SentAt})
			if err == nil {
				_ = dc.SendText(string(echo))
			}
		}
		return true

	case protocol.ChannelFramePong:
		now := time.Now()
		l.mu.Lock()
		if l.pingPending && probe.SentAt == l.pingSentAt.UnixNano() {
			rtt := now.Sub(l.pingSentAt)
			l.lastLatency = rtt / 2
			l.latencyFresh = true
			l.pingPending = false
			latency := l.lastLatency
			cb := l.o.callbacks.OnLatency
			l.mu.Unlock()
			if cb != nil {
				cb(l.peerID, latency)
			}
			return true
		}
		l.mu.Unlock()
		return true

	default:
		return false
	}
}
