package lease

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftline/ensemble-relay/internal/metrics"
	"github.com/driftline/ensemble-relay/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T) (*Manager, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(store.NewMemory(), clock, m), m
}

func TestAcquireConflictAndForce(t *testing.T) {
	mgr, m := newTestManager(t)

	res, err := mgr.Acquire("alice", "ctrl-1", false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Granted || res.Handoff || res.Holder != nil {
		t.Fatalf("first acquire = %+v, want plain grant", res)
	}

	res, err = mgr.Acquire("bob", "ctrl-2", false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Granted {
		t.Fatal("conflicting non-forced acquire was granted")
	}
	if res.Holder == nil || res.Holder.ControllerClientID != "ctrl-1" || res.Holder.UserID != "alice" {
		t.Fatalf("conflict holder = %+v, want ctrl-1/alice", res.Holder)
	}

	// Holder re-acquire is a grant, not a handoff.
	res, err = mgr.Acquire("alice", "ctrl-1", false)
	if err != nil || !res.Granted || res.Handoff {
		t.Fatalf("holder re-acquire = (%+v, %v), want plain grant", res, err)
	}

	res, err = mgr.Acquire("bob", "ctrl-2", true)
	if err != nil {
		t.Fatalf("forced acquire: %v", err)
	}
	if !res.Granted || !res.Handoff {
		t.Fatalf("forced acquire = %+v, want granted handoff", res)
	}
	if res.Holder == nil || res.Holder.ControllerClientID != "ctrl-1" {
		t.Fatalf("displaced holder = %+v, want ctrl-1", res.Holder)
	}

	if m.Get(metrics.LeaseHandoffs) != 1 || m.Get(metrics.LeaseConflicts) != 1 {
		t.Errorf("counters handoffs=%d conflicts=%d, want 1 and 1",
			m.Get(metrics.LeaseHandoffs), m.Get(metrics.LeaseConflicts))
	}
}

func TestReleaseRequiresHolder(t *testing.T) {
	mgr, _ := newTestManager(t)

	if err := mgr.Release("ctrl-1"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("release with no lease = %v, want ErrNotHolder", err)
	}

	if _, err := mgr.Acquire("alice", "ctrl-1", false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mgr.Release("ctrl-2"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("release by non-holder = %v, want ErrNotHolder", err)
	}
	if err := mgr.Release("ctrl-1"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}

	active, holder, err := mgr.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if active || holder != nil {
		t.Fatalf("status after release = (%v, %+v), want inactive", active, holder)
	}
}

func TestActiveControllerID(t *testing.T) {
	mgr, _ := newTestManager(t)

	id, err := mgr.ActiveControllerID()
	if err != nil {
		t.Fatalf("active controller: %v", err)
	}
	if id != nil {
		t.Fatalf("id = %v, want nil with no lease", *id)
	}

	if _, err := mgr.Acquire("alice", "ctrl-1", false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	id, err = mgr.ActiveControllerID()
	if err != nil || id == nil || *id != "ctrl-1" {
		t.Fatalf("active controller = (%v, %v), want ctrl-1", id, err)
	}
}

func TestConcurrentNonForcedAcquiresAreExclusive(t *testing.T) {
	mgr, _ := newTestManager(t)

	const n = 16
	granted := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := mgr.Acquire("user", string(rune('a'+i)), false)
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			granted[i] = res.Granted
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, g := range granted {
		if g {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("%d concurrent acquires granted, want exactly 1", wins)
	}
}
