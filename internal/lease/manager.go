// Package lease owns the singleton controller lease: at most one controller
// client is active at a time, and takeovers go through an explicit forced
// handoff.
package lease

import (
	"errors"
	"fmt"
	"time"

	"github.com/driftline/ensemble-relay/internal/metrics"
	"github.com/driftline/ensemble-relay/internal/store"
)

// ErrNotHolder is returned by Release when the caller does not hold the lease.
var ErrNotHolder = errors.New("lease: not the holder")

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Holder identifies who currently holds the lease.
type Holder struct {
	UserID             string    `json:"name"`
	ControllerClientID string    `json:"controllerClientId"`
	AcquiredAt         time.Time `json:"acquiredAt"`
}

// Result is the outcome of an Acquire.
type Result struct {
	// Granted is false only for a non-forced acquire against a different
	// holder; Holder then identifies who refused it.
	Granted bool
	// Handoff is true when a forced acquire displaced a different holder.
	// Holder then identifies the displaced controller.
	Handoff bool
	Holder  *Holder
}

// Manager wraps the store's lease transactions.
type Manager struct {
	store   store.Store
	clock   Clock
	metrics *metrics.Metrics
}

func NewManager(st store.Store, clock Clock, m *metrics.Metrics) *Manager {
	if clock == nil {
		clock = realClock{}
	}
	return &Manager{store: st, clock: clock, metrics: m}
}

// Acquire attempts to take the lease for controllerClientID. Without force,
// an acquire against a different holder is refused and the holder returned.
// With force, the lease changes hands and the displaced holder is returned so
// the caller can notify it. Re-acquiring one's own lease always succeeds and
// is not a handoff.
func (m *Manager) Acquire(userID, controllerClientID string, force bool) (Result, error) {
	prev, ok, err := m.store.AcquireLease(store.LeaseRecord{
		UserID:             userID,
		ControllerClientID: controllerClientID,
		AcquiredAt:         m.clock.Now(),
	}, force)
	if err != nil {
		return Result{}, fmt.Errorf("acquire lease: %w", err)
	}

	if !ok {
		m.metrics.Inc(metrics.LeaseConflicts)
		return Result{Granted: false, Holder: holderFromRecord(prev)}, nil
	}

	res := Result{Granted: true}
	if prev != nil && prev.ControllerClientID != controllerClientID {
		res.Handoff = true
		res.Holder = holderFromRecord(prev)
		m.metrics.Inc(metrics.LeaseHandoffs)
	}
	m.metrics.Inc(metrics.LeaseAcquired)
	return res, nil
}

// Release clears the lease if controllerClientID holds it.
func (m *Manager) Release(controllerClientID string) error {
	released, err := m.store.ReleaseLease(controllerClientID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if !released {
		return ErrNotHolder
	}
	return nil
}

// Status returns whether the lease is held and by whom.
func (m *Manager) Status() (bool, *Holder, error) {
	rec, err := m.store.Lease()
	if err != nil {
		return false, nil, fmt.Errorf("read lease: %w", err)
	}
	if rec == nil {
		return false, nil, nil
	}
	return true, holderFromRecord(rec), nil
}

// ActiveControllerID returns the holder's controller client id, or nil when
// no lease is held. This is the routing pointer for active-controller
// notices.
func (m *Manager) ActiveControllerID() (*string, error) {
	rec, err := m.store.Lease()
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	id := rec.ControllerClientID
	return &id, nil
}

func holderFromRecord(rec *store.LeaseRecord) *Holder {
	if rec == nil {
		return nil
	}
	return &Holder{
		UserID:             rec.UserID,
		ControllerClientID: rec.ControllerClientID,
		AcquiredAt:         rec.AcquiredAt,
	}
}
