package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftline/ensemble-relay/internal/protocol"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestPeerLifecycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.UpsertPeer(PeerRecord{ID: "client-a", Role: protocol.RoleClient, InstanceID: "relay-1", LastSeen: now}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := s.UpsertPeer(PeerRecord{ID: "ctrl-1", Role: protocol.RoleController, InstanceID: "relay-1", LastSeen: now}); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			// Upsert with the same id replaces, it must not duplicate.
			if err := s.UpsertPeer(PeerRecord{ID: "client-a", Role: protocol.RoleClient, InstanceID: "relay-2", LastSeen: now.Add(time.Second)}); err != nil {
				t.Fatalf("upsert again: %v", err)
			}
			peers, err := s.Peers()
			if err != nil {
				t.Fatalf("peers: %v", err)
			}
			if len(peers) != 2 {
				t.Fatalf("got %d peers, want 2", len(peers))
			}
			for _, p := range peers {
				if p.ID == "client-a" && p.InstanceID != "relay-2" {
					t.Errorf("upsert did not replace: instance %q", p.InstanceID)
				}
			}

			if err := s.TouchPeer("ctrl-1", now.Add(time.Minute)); err != nil {
				t.Fatalf("touch: %v", err)
			}
			// Stale sweep removes client-a (last seen now+1s) but keeps ctrl-1.
			if err := s.DeleteStalePeers(now.Add(30 * time.Second)); err != nil {
				t.Fatalf("delete stale: %v", err)
			}
			peers, err = s.Peers()
			if err != nil {
				t.Fatalf("peers: %v", err)
			}
			if len(peers) != 1 || peers[0].ID != "ctrl-1" {
				t.Fatalf("after sweep got %+v, want only ctrl-1", peers)
			}

			if err := s.DeletePeer("ctrl-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			peers, err = s.Peers()
			if err != nil {
				t.Fatalf("peers: %v", err)
			}
			if len(peers) != 0 {
				t.Fatalf("after delete got %+v, want none", peers)
			}
		})
	}
}

func TestMailboxOrderAndExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			// Entry ids sort lexicographically in enqueue order, like ULIDs do.
			entries := []MailboxEntry{
				{RecipientID: "client-a", EntryID: "01A", Payload: []byte("first"), ExpiresAt: now.Add(time.Minute)},
				{RecipientID: "client-a", EntryID: "01B", Payload: []byte("second"), ExpiresAt: now.Add(-time.Second)},
				{RecipientID: "client-a", EntryID: "01C", Payload: []byte("third"), ExpiresAt: now.Add(time.Minute)},
				{RecipientID: "client-b", EntryID: "01D", Payload: []byte("other"), ExpiresAt: now.Add(time.Minute)},
			}
			for _, e := range entries {
				if err := s.Enqueue(e); err != nil {
					t.Fatalf("enqueue %s: %v", e.EntryID, err)
				}
			}

			pending, err := s.Pending("client-a", now)
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if len(pending) != 2 || pending[0].EntryID != "01A" || pending[1].EntryID != "01C" {
				t.Fatalf("pending = %+v, want 01A then 01C", pending)
			}
			if string(pending[0].Payload) != "first" {
				t.Errorf("payload = %q, want %q", pending[0].Payload, "first")
			}

			if err := s.DeleteEntry("01A"); err != nil {
				t.Fatalf("delete entry: %v", err)
			}
			pending, err = s.Pending("client-a", now)
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if len(pending) != 1 || pending[0].EntryID != "01C" {
				t.Fatalf("after delete pending = %+v, want only 01C", pending)
			}

			removed, err := s.DeleteExpired(now)
			if err != nil {
				t.Fatalf("delete expired: %v", err)
			}
			if removed != 1 {
				t.Errorf("removed %d expired entries, want 1", removed)
			}

			other, err := s.Pending("client-b", now)
			if err != nil {
				t.Fatalf("pending other: %v", err)
			}
			if len(other) != 1 {
				t.Fatalf("client-b pending = %+v, want one entry", other)
			}
		})
	}
}

func TestConcurrentLeaseAcquiresSerialize(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			// Racing non-forced acquires must resolve to one grant and
			// conflicts naming the winner, never an error.
			const n = 8
			type result struct {
				prev *LeaseRecord
				ok   bool
				err  error
			}
			results := make([]result, n)

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec := LeaseRecord{UserID: "u1", ControllerClientID: fmt.Sprintf("ctrl-%d", i), AcquiredAt: now}
					prev, ok, err := s.AcquireLease(rec, false)
					results[i] = result{prev, ok, err}
				}(i)
			}
			wg.Wait()

			winner := ""
			wins := 0
			for i, r := range results {
				if r.err != nil {
					t.Fatalf("acquire %d returned error instead of grant or conflict: %v", i, r.err)
				}
				if r.ok {
					wins++
					winner = fmt.Sprintf("ctrl-%d", i)
				}
			}
			if wins != 1 {
				t.Fatalf("%d concurrent acquires granted, want exactly 1", wins)
			}
			for i, r := range results {
				if r.ok {
					continue
				}
				if r.prev == nil || r.prev.ControllerClientID != winner {
					t.Errorf("acquire %d conflict holder = %+v, want %s", i, r.prev, winner)
				}
			}
		})
	}
}

func TestLeaseAcquireReleaseConflict(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			lease, err := s.Lease()
			if err != nil {
				t.Fatalf("lease: %v", err)
			}
			if lease != nil {
				t.Fatalf("fresh store has lease %+v", lease)
			}

			prev, ok, err := s.AcquireLease(LeaseRecord{UserID: "u1", ControllerClientID: "ctrl-1", AcquiredAt: now}, false)
			if err != nil || !ok || prev != nil {
				t.Fatalf("first acquire = (%+v, %v, %v), want (nil, true, nil)", prev, ok, err)
			}

			// Non-forced acquire by another controller is refused with holder info.
			prev, ok, err = s.AcquireLease(LeaseRecord{UserID: "u2", ControllerClientID: "ctrl-2", AcquiredAt: now.Add(time.Second)}, false)
			if err != nil || ok {
				t.Fatalf("conflicting acquire = (ok=%v, err=%v), want refused", ok, err)
			}
			if prev == nil || prev.ControllerClientID != "ctrl-1" {
				t.Fatalf("conflict holder = %+v, want ctrl-1", prev)
			}

			// Re-acquire by the holder succeeds without force.
			_, ok, err = s.AcquireLease(LeaseRecord{UserID: "u1", ControllerClientID: "ctrl-1", AcquiredAt: now.Add(time.Second)}, false)
			if err != nil || !ok {
				t.Fatalf("holder re-acquire = (ok=%v, err=%v), want granted", ok, err)
			}

			// Forced acquire hands the lease over and reports who was displaced.
			prev, ok, err = s.AcquireLease(LeaseRecord{UserID: "u2", ControllerClientID: "ctrl-2", AcquiredAt: now.Add(2 * time.Second)}, true)
			if err != nil || !ok {
				t.Fatalf("forced acquire = (ok=%v, err=%v), want granted", ok, err)
			}
			if prev == nil || prev.ControllerClientID != "ctrl-1" {
				t.Fatalf("forced acquire prev = %+v, want ctrl-1", prev)
			}

			// Release by a non-holder is a no-op.
			released, err := s.ReleaseLease("ctrl-1")
			if err != nil || released {
				t.Fatalf("non-holder release = (%v, %v), want (false, nil)", released, err)
			}
			released, err = s.ReleaseLease("ctrl-2")
			if err != nil || !released {
				t.Fatalf("holder release = (%v, %v), want (true, nil)", released, err)
			}

			lease, err = s.Lease()
			if err != nil {
				t.Fatalf("lease: %v", err)
			}
			if lease != nil {
				t.Fatalf("lease after release = %+v, want nil", lease)
			}
		})
	}
}
