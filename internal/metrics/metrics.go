// Package metrics is a minimal concurrency-safe counter registry for relay
// events, exposed in Prometheus' text format by PrometheusHandler.
package metrics

import "sync"

// Counter names used across the relay.
const (
	PeerRegistrations      = "peer_registrations"
	PeerExpirations        = "peer_expirations"
	MessagesRoutedLocal    = "messages_routed_local"
	MessagesMailboxed      = "messages_mailboxed"
	MailboxDelivered       = "mailbox_delivered"
	MailboxExpired         = "mailbox_expired"
	LeaseAcquired          = "lease_acquired"
	LeaseHandoffs          = "lease_handoffs"
	LeaseConflicts         = "lease_conflicts"
	SignalingRateLimited   = "signaling_rate_limited"
	SignalingBadMessages   = "signaling_bad_messages"
	RegistrationsDegraded  = "registrations_rejected_degraded"
	SweepRemovedUnreported = "sweep_removed_unreported"
)

// Metrics counts relay events. The zero value is not usable; call New.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

// Inc increments a counter. A nil receiver is a no-op so callers can leave
// metrics unwired in tests.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
