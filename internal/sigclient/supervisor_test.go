package sigclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(logWriter{t}, nil))
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func newTestSupervisor(t *testing.T, maxFailures int) (*Supervisor, *[]time.Duration) {
	s := NewSupervisor(100*time.Millisecond, maxFailures, testLogger(t))
	var delays []time.Duration
	s.jitter = func(base time.Duration) time.Duration { return base }
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return s, &delays
}

func TestGivesUpAfterConsecutiveFailures(t *testing.T) {
	s, delays := newTestSupervisor(t, 3)

	attempts := 0
	err := s.Run(context.Background(), func(ctx context.Context, registered func()) error {
		attempts++
		return errors.New("connection refused")
	})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("err = %v, want ErrGaveUp", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	// Two backoffs between three attempts.
	if len(*delays) != 2 {
		t.Fatalf("slept %d times, want 2", len(*delays))
	}
}

func TestSuccessfulRegistrationResetsFailureCounter(t *testing.T) {
	s, _ := newTestSupervisor(t, 3)

	// Two cold failures would be fatal on the third, but a cycle that reaches
	// registration resets the count, so the run outlives the cap until it
	// exits cleanly.
	attempts := 0
	err := s.Run(context.Background(), func(ctx context.Context, registered func()) error {
		attempts++
		switch {
		case attempts == 3 || attempts == 5:
			registered()
			return errors.New("dropped after registering")
		case attempts == 6:
			return nil
		default:
			return errors.New("connection refused")
		}
	})
	if err != nil {
		t.Fatalf("run = %v, want clean exit", err)
	}
	if attempts != 6 {
		t.Fatalf("attempts = %d, want 6", attempts)
	}
}

func TestCleanCloseSuppressesReconnect(t *testing.T) {
	s, delays := newTestSupervisor(t, 3)

	attempts := 0
	err := s.Run(context.Background(), func(ctx context.Context, registered func()) error {
		attempts++
		registered()
		return nil
	})
	if err != nil {
		t.Fatalf("run = %v, want nil", err)
	}
	if attempts != 1 || len(*delays) != 0 {
		t.Fatalf("attempts = %d, sleeps = %d, want one attempt and no backoff", attempts, len(*delays))
	}
}

func TestContextCancelStopsRetrying(t *testing.T) {
	s, _ := newTestSupervisor(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := s.Run(ctx, func(ctx context.Context, registered func()) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	s, delays := newTestSupervisor(t, 4)

	err := s.Run(context.Background(), func(ctx context.Context, registered func()) error {
		return errors.New("connection refused")
	})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("err = %v, want ErrGaveUp", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("slept %d times, want %d", len(*delays), len(want))
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay %d = %v, want %v", i, d, want[i])
		}
	}

	long := NewSupervisor(10*time.Second, 20, testLogger(t))
	if got := long.backoff(1); got != 10*time.Second {
		t.Errorf("backoff(1) = %v, want base delay", got)
	}
	if got := long.backoff(12); got != maxBackoffDelay {
		t.Errorf("backoff(12) = %v, want cap %v", got, maxBackoffDelay)
	}
}

func TestJitterStaysWithinOneBaseDelay(t *testing.T) {
	s := NewSupervisor(100*time.Millisecond, 3, testLogger(t))
	for i := 0; i < 100; i++ {
		d := s.jitter(100 * time.Millisecond)
		if d < 100*time.Millisecond || d >= 200*time.Millisecond {
			t.Fatalf("jittered delay %v outside [base, 2*base)", d)
		}
	}
}
