package store

import (
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for single-instance runs and tests.
type Memory struct {
	mu      sync.Mutex
	peers   map[string]PeerRecord
	mailbox map[string][]MailboxEntry // recipient -> entries in enqueue order
	lease   *LeaseRecord
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		peers:   make(map[string]PeerRecord),
		mailbox: make(map[string][]MailboxEntry),
	}
}

func (m *Memory) UpsertPeer(rec PeerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[rec.ID] = rec
	return nil
}

func (m *Memory) TouchPeer(id string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		rec.LastSeen = lastSeen
		m.peers[id] = rec
	}
	return nil
}

func (m *Memory) DeletePeer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
	return nil
}

func (m *Memory) Peers() ([]PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) DeleteStalePeers(olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.peers {
		if rec.LastSeen.Before(olderThan) {
			delete(m.peers, id)
		}
	}
	return nil
}

func (m *Memory) Enqueue(entry MailboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mailbox[entry.RecipientID] = append(m.mailbox[entry.RecipientID], entry)
	return nil
}

func (m *Memory) Pending(recipientID string, now time.Time) ([]MailboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MailboxEntry
	for _, entry := range m.mailbox[recipientID] {
		if entry.ExpiresAt.After(now) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (m *Memory) DeleteEntry(entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for recipient, entries := range m.mailbox {
		for i, entry := range entries {
			if entry.EntryID == entryID {
				m.mailbox[recipient] = append(entries[:i:i], entries[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *Memory) DeleteExpired(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for recipient, entries := range m.mailbox {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.ExpiresAt.After(now) {
				kept = append(kept, entry)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(m.mailbox, recipient)
		} else {
			m.mailbox[recipient] = kept
		}
	}
	return removed, nil
}

func (m *Memory) Lease() (*LeaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyLease(m.lease), nil
}

func (m *Memory) AcquireLease(rec LeaseRecord, force bool) (*LeaseRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := copyLease(m.lease)
	if prev != nil && prev.ControllerClientID != rec.ControllerClientID && !force {
		return prev, false, nil
	}
	m.lease = &rec
	return prev, true, nil
}

func (m *Memory) ReleaseLease(controllerClientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil || m.lease.ControllerClientID != controllerClientID {
		return false, nil
	}
	m.lease = nil
	return true, nil
}

func (m *Memory) Close() error { return nil }

func copyLease(rec *LeaseRecord) *LeaseRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}
