// Package presence tracks which peers are registered. Transport handles for
// locally connected peers live in an in-process map; every peer additionally
// gets a row in the shared store so other relay instances can see it and
// mailbox messages for it.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftline/ensemble-relay/internal/metrics"
	"github.com/driftline/ensemble-relay/internal/protocol"
	"github.com/driftline/ensemble-relay/internal/store"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sender delivers one encoded envelope to a locally connected peer.
type Sender interface {
	Send(data []byte) error
}

// Peer is a locally connected peer with its live transport handle.
type Peer struct {
	ID       string
	Role     protocol.Role
	Sender   Sender
	LastSeen time.Time
}

// Registry is the two-tier presence map. Safe for concurrent use.
type Registry struct {
	store      store.Store
	instanceID string
	ttl        time.Duration
	clock      Clock
	metrics    *metrics.Metrics

	mu    sync.Mutex
	local map[string]*Peer
}

// NewRegistry builds a Registry whose peers expire after ttl without a
// heartbeat. clock and m may be nil.
func NewRegistry(st store.Store, instanceID string, ttl time.Duration, clock Clock, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = realClock{}
	}
	return &Registry{
		store:      st,
		instanceID: instanceID,
		ttl:        ttl,
		clock:      clock,
		metrics:    m,
		local:      make(map[string]*Peer),
	}
}

// Register binds id to sender and publishes the peer to the shared store. A
// second registration with the same id replaces the first; the displaced
// peer, if any, is returned so the caller can close its transport. The store
// write happens first so a store outage rejects the registration before any
// local state changes.
func (r *Registry) Register(id string, role protocol.Role, sender Sender) (peer, displaced *Peer, err error) {
	now := r.clock.Now()
	if err := r.store.UpsertPeer(store.PeerRecord{
		ID:         id,
		Role:       role,
		InstanceID: r.instanceID,
		LastSeen:   now,
	}); err != nil {
		return nil, nil, fmt.Errorf("publish peer %s: %w", id, err)
	}

	peer = &Peer{ID: id, Role: role, Sender: sender, LastSeen: now}
	r.mu.Lock()
	displaced = r.local[id]
	r.local[id] = peer
	r.mu.Unlock()

	r.metrics.Inc(metrics.PeerRegistrations)
	return peer, displaced, nil
}

// Heartbeat refreshes the peer's liveness deadline in both tiers. Unknown ids
// are ignored; the peer may have been swept and must re-register.
func (r *Registry) Heartbeat(id string) error {
	now := r.clock.Now()

	r.mu.Lock()
	peer, ok := r.local[id]
	if ok {
		peer.LastSeen = now
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.store.TouchPeer(id, now); err != nil {
		return fmt.Errorf("touch peer %s: %w", id, err)
	}
	return nil
}

// Unregister removes the peer from both tiers. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()

	if err := r.store.DeletePeer(id); err != nil {
		return fmt.Errorf("delete peer %s: %w", id, err)
	}
	return nil
}

// Sender returns the transport handle for a locally connected peer.
func (r *Registry) Sender(id string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.local[id]
	if !ok {
		return nil, false
	}
	return peer.Sender, true
}

// IsLocal reports whether id is connected to this instance.
func (r *Registry) IsLocal(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.local[id]
	return ok
}

// Local returns a snapshot of locally connected peers, sorted by id.
func (r *Registry) Local() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.local))
	for _, peer := range r.local {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clients returns all registered client-role peers across instances, sorted
// by id, as seen through the shared store.
func (r *Registry) Clients() ([]protocol.ClientInfo, error) {
	recs, err := r.store.Peers()
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	var out []protocol.ClientInfo
	for _, rec := range recs {
		if rec.Role == protocol.RoleClient {
			out = append(out, protocol.ClientInfo{ID: rec.ID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PeerIDs returns the ids of all registered peers with the given role,
// across instances, sorted.
func (r *Registry) PeerIDs(role protocol.Role) ([]string, error) {
	recs, err := r.store.Peers()
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	var out []string
	for _, rec := range recs {
		if rec.Role == role {
			out = append(out, rec.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether id is registered anywhere, local or remote.
func (r *Registry) Exists(id string) (bool, error) {
	if r.IsLocal(id) {
		return true, nil
	}
	recs, err := r.store.Peers()
	if err != nil {
		return false, fmt.Errorf("list peers: %w", err)
	}
	for _, rec := range recs {
		if rec.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// Sweep removes local peers whose last heartbeat is older than the TTL and
// deletes stale rows from the store. It returns the locally expired peers so
// the caller can fan out disconnect notices and close their transports.
func (r *Registry) Sweep() ([]*Peer, error) {
	cutoff := r.clock.Now().Add(-r.ttl)

	var expired []*Peer
	r.mu.Lock()
	for id, peer := range r.local {
		if peer.LastSeen.Before(cutoff) {
			expired = append(expired, peer)
			delete(r.local, id)
		}
	}
	r.mu.Unlock()

	for range expired {
		r.metrics.Inc(metrics.PeerExpirations)
	}
	if err := r.store.DeleteStalePeers(cutoff); err != nil {
		return expired, fmt.Errorf("delete stale peers: %w", err)
	}
	return expired, nil
}

// RetainConnectedClients removes client-role peers absent from the
// controller's reported connection set. The removal is a hard delete in both
// tiers; a removed client that is in fact alive re-registers on its next
// cycle. Controller-role peers are never touched. Returns the locally removed
// peers.
func (r *Registry) RetainConnectedClients(reported []string) ([]*Peer, error) {
	keep := make(map[string]bool, len(reported))
	for _, id := range reported {
		keep[id] = true
	}

	var removed []*Peer
	r.mu.Lock()
	for id, peer := range r.local {
		if peer.Role == protocol.RoleClient && !keep[id] {
			removed = append(removed, peer)
			delete(r.local, id)
		}
	}
	r.mu.Unlock()

	recs, err := r.store.Peers()
	if err != nil {
		return removed, fmt.Errorf("list peers: %w", err)
	}
	for _, rec := range recs {
		if rec.Role == protocol.RoleClient && !keep[rec.ID] {
			if err := r.store.DeletePeer(rec.ID); err != nil {
				return removed, fmt.Errorf("delete unreported client %s: %w", rec.ID, err)
			}
			r.metrics.Inc(metrics.SweepRemovedUnreported)
		}
	}
	return removed, nil
}
