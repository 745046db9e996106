package sigclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// ErrGaveUp is returned by Supervisor.Run after the consecutive-failure cap
// is hit.
var ErrGaveUp = errors.New("sigclient: too many consecutive connection failures")

// Session is one full connect-register-read cycle. Implementations must call
// registered once the relay has accepted the registration; that, not a bare
// dial, is what resets the failure counter. The function returns when the
// transport drops, with nil meaning a deliberate local close.
type Session func(ctx context.Context, registered func()) error

// maxBackoffDelay caps the exponential growth between reconnect attempts.
const maxBackoffDelay = 30 * time.Second

// Supervisor owns signaling transport lifetime: it reruns a Session with
// jittered exponential backoff between attempts and gives up after
// maxFailures consecutive cycles that never reached a successful
// registration. It knows nothing about peer connections.
type Supervisor struct {
	log         *slog.Logger
	baseDelay   time.Duration
	maxFailures int

	// test seams
	jitter func(time.Duration) time.Duration
	sleep  func(context.Context, time.Duration) error
}

func NewSupervisor(baseDelay time.Duration, maxFailures int, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		log:         logger,
		baseDelay:   baseDelay,
		maxFailures: maxFailures,
		jitter: func(base time.Duration) time.Duration {
			return base + time.Duration(rand.Int63n(int64(base)))
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run drives session until it ends cleanly (session returns nil), ctx is
// cancelled, or the failure cap is hit.
func (s *Supervisor) Run(ctx context.Context, session Session) error {
	failures := 0
	for {
		cycleRegistered := false
		err := session(ctx, func() { cycleRegistered = true })
		if err == nil {
			// Caller-initiated close; no reconnect.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if cycleRegistered {
			failures = 0
		}
		failures++
		s.log.Warn("signaling transport dropped", "err", err, "consecutive_failures", failures)
		if failures >= s.maxFailures {
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
		}

		delay := s.jitter(s.backoff(failures))
		s.log.Info("reconnecting", "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// backoff doubles the base delay for each consecutive failure beyond the
// first, capped at maxBackoffDelay.
func (s *Supervisor) backoff(failures int) time.Duration {
	d := s.baseDelay
	for i := 1; i < failures && d < maxBackoffDelay; i++ {
		d *= 2
	}
	if d > maxBackoffDelay {
		d = maxBackoffDelay
	}
	return d
}
