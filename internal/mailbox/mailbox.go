// Package mailbox queues signaling payloads for peers that are not reachable
// right now, delivering them in enqueue order when the peer registers. Entry
// ids are ULIDs, so lexicographic order is enqueue order and ids are unique
// across relay instances sharing one store.
package mailbox

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/driftline/ensemble-relay/internal/metrics"
	"github.com/driftline/ensemble-relay/internal/store"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Mailbox persists undeliverable envelopes and drains them on demand.
type Mailbox struct {
	store   store.Store
	clock   Clock
	ttl     time.Duration
	metrics *metrics.Metrics

	// ULID monotonic entropy is not safe for concurrent use.
	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New builds a Mailbox over st. Entries expire ttl after enqueue. clock and m
// may be nil (wall clock, no metrics).
func New(st store.Store, ttl time.Duration, clock Clock, m *metrics.Metrics) *Mailbox {
	if clock == nil {
		clock = realClock{}
	}
	return &Mailbox{
		store:   st,
		clock:   clock,
		ttl:     ttl,
		metrics: m,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Enqueue stores payload for recipientID.
func (mb *Mailbox) Enqueue(recipientID string, payload []byte) error {
	now := mb.clock.Now()

	mb.entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), mb.entropy)
	mb.entropyMu.Unlock()
	if err != nil {
		return fmt.Errorf("mailbox id: %w", err)
	}

	entry := store.MailboxEntry{
		RecipientID: recipientID,
		EntryID:     id.String(),
		Payload:     append([]byte(nil), payload...),
		ExpiresAt:   now.Add(mb.ttl),
	}
	if err := mb.store.Enqueue(entry); err != nil {
		return fmt.Errorf("mailbox enqueue: %w", err)
	}
	mb.metrics.Inc(metrics.MessagesMailboxed)
	return nil
}

// Drain delivers recipientID's pending entries oldest first. Each entry is
// deleted only after deliver returns nil, so a failed send leaves it and
// everything younger queued for the next pass. Returns how many were
// delivered.
func (mb *Mailbox) Drain(recipientID string, deliver func(payload []byte) error) (int, error) {
	pending, err := mb.store.Pending(recipientID, mb.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("mailbox pending: %w", err)
	}

	delivered := 0
	for _, entry := range pending {
		if err := deliver(entry.Payload); err != nil {
			return delivered, fmt.Errorf("mailbox deliver %s: %w", entry.EntryID, err)
		}
		if err := mb.store.DeleteEntry(entry.EntryID); err != nil {
			return delivered, fmt.Errorf("mailbox delete %s: %w", entry.EntryID, err)
		}
		delivered++
		mb.metrics.Inc(metrics.MailboxDelivered)
	}
	return delivered, nil
}

// GC removes expired entries, returning how many were dropped.
func (mb *Mailbox) GC() (int, error) {
	removed, err := mb.store.DeleteExpired(mb.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("mailbox gc: %w", err)
	}
	for i := 0; i < removed; i++ {
		mb.metrics.Inc(metrics.MailboxExpired)
	}
	return removed, nil
}
