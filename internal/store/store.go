// Package store is the durable shared state behind the relay: peer presence
// rows visible across relay instances, the per-recipient message mailbox, and
// the controller lease. Multiple relay processes can point at the same SQLite
// file; a single process (or tests) can use the in-memory implementation.
package store

import (
	"errors"
	"time"

	"github.com/driftline/ensemble-relay/internal/protocol"
)

// ErrUnavailable is returned by implementations when the backing store cannot
// be reached. The relay degrades to rejecting new registrations while keeping
// already-open sessions alive.
var ErrUnavailable = errors.New("store: unavailable")

// PeerRecord is the cross-instance view of a registered peer. The transport
// handle never leaves the owning instance; other instances only see the row.
type PeerRecord struct {
	ID         string
	Role       protocol.Role
	InstanceID string
	LastSeen   time.Time
}

// MailboxEntry is one queued signaling payload. EntryID is a ULID, so sorting
// entry ids lexicographically yields enqueue order per recipient.
type MailboxEntry struct {
	RecipientID string
	EntryID     string
	Payload     []byte
	ExpiresAt   time.Time
}

// LeaseRecord is the singleton controller lease.
type LeaseRecord struct {
	UserID             string
	ControllerClientID string
	AcquiredAt         time.Time
}

// Store serializes all cross-instance mutable state. AcquireLease and
// ReleaseLease must be atomic: two concurrent non-forced acquires with
// different controller ids may not both succeed.
type Store interface {
	UpsertPeer(rec PeerRecord) error
	TouchPeer(id string, lastSeen time.Time) error
	DeletePeer(id string) error
	Peers() ([]PeerRecord, error)
	DeleteStalePeers(olderThan time.Time) error

	Enqueue(entry MailboxEntry) error
	// Pending returns the recipient's non-expired entries in entry-id order.
	Pending(recipientID string, now time.Time) ([]MailboxEntry, error)
	DeleteEntry(entryID string) error
	// DeleteExpired garbage-collects entries past their expiry, returning how
	// many were removed.
	DeleteExpired(now time.Time) (int, error)

	// Lease returns the current lease, or nil when none is held.
	Lease() (*LeaseRecord, error)
	// AcquireLease installs rec unless a different controller holds the lease
	// and force is false. It returns the previous lease (nil when none) and
	// whether rec was installed.
	AcquireLease(rec LeaseRecord, force bool) (prev *LeaseRecord, ok bool, err error)
	// ReleaseLease clears the lease when controllerClientID holds it,
	// reporting whether anything was released.
	ReleaseLease(controllerClientID string) (bool, error)

	Close() error
}
