// Package supervisor keeps a session alive across connection loss.
//
// The reconnect policy is a fixed interval with jitter, not exponential
// backoff: flaky clients should hover near live instead of drifting to
// multi-minute waits. A hard offline toggle parks the supervisor until
// an operator re-enables it, and every online/offline flip is surfaced
// as a status change for the UI layer.
package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/client/applier"
	"github.com/driftsync/driftsync/internal/client/outbox"
	"github.com/driftsync/driftsync/internal/client/session"
	"github.com/driftsync/driftsync/internal/client/state"
	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/wire"
)

// DefaultReconnectInterval is the fixed base delay between attempts.
const DefaultReconnectInterval = 30 * time.Second

// jitterFraction spreads reconnects by ±10% of the base interval.
const jitterFraction = 0.1

// Status is one connectivity update for the UI layer.
type Status struct {
	Connected bool
	Phase     session.Phase
	Err       error
}

// Dialer opens a transport; wire.Dial wrapped with the configured
// options in production, a stub in tests.
type Dialer func(ctx context.Context, token string) (session.Transport, error)

// Config holds supervisor tuning.
type Config struct {
	// ReconnectInterval is the fixed base delay. Default: 30s
	ReconnectInterval time.Duration

	// Session is passed through to each session.
	Session session.Config
}

// Supervisor owns the reconnect loop for one replica.
type Supervisor struct {
	dial    Dialer
	tokens  TokenSource
	state   *state.Store
	applier *applier.Applier
	outbox  *outbox.Outbox
	cfg     Config

	mu        sync.Mutex
	offline   bool
	resetNext bool
	lastErr   error
	current   *session.Session
	onlineCh  chan struct{}

	statusFn func(Status)
	rng      *rand.Rand
}

// New builds a supervisor. statusFn, when non-nil, receives every
// status_changed transition.
func New(dial Dialer, tokens TokenSource, st *state.Store, ap *applier.Applier, ob *outbox.Outbox, cfg Config, statusFn func(Status)) *Supervisor {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	return &Supervisor{
		dial:     dial,
		tokens:   tokens,
		state:    st,
		applier:  ap,
		outbox:   ob,
		cfg:      cfg,
		onlineCh: make(chan struct{}, 1),
		statusFn: statusFn,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ErrNotConnected is returned by Send when no session is live.
var ErrNotConnected = errors.New("not connected")

// Send forwards one message over the current session. Satisfies
// outbox.Sender so local batches ride whichever connection is up.
func (s *Supervisor) Send(_ context.Context, msg *wire.Message) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return ErrNotConnected
	}
	return cur.Send(msg)
}

// SetOffline toggles hard offline mode. While offline no connection
// attempts are made; going back online triggers an immediate attempt.
func (s *Supervisor) SetOffline(offline bool) {
	s.mu.Lock()
	was := s.offline
	s.offline = offline
	s.mu.Unlock()

	if was == offline {
		return
	}
	logger.Info("Offline mode changed", "offline", offline)
	if !offline {
		select {
		case s.onlineCh <- struct{}{}:
		default:
		}
	}
}

// Offline reports whether hard offline mode is active.
func (s *Supervisor) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// ForceResync makes the next session announce resetSync, driving a
// full snapshot regardless of the stored LSN.
func (s *Supervisor) ForceResync() {
	s.mu.Lock()
	s.resetNext = true
	s.mu.Unlock()
}

// LastError returns the most recent session or dial failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Phase reports the active session phase, or Disconnected.
func (s *Supervisor) Phase() session.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return session.Disconnected
	}
	return s.current.Phase()
}

// Run loops until the context ends: dial, drive a session, wait out the
// reconnect interval, repeat. A fatal session parks the supervisor in
// offline mode so the operator resolves the cause before traffic
// resumes; everything else reconnects on schedule.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.waitUntilOnline(ctx); err != nil {
			return err
		}

		if err := s.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.noteError(err)

			if errors.Is(err, session.ErrFatal) {
				logger.Error("Session ended fatally, entering offline mode", "error", err)
				s.SetOffline(true)
				continue
			}
			if errors.Is(err, wire.ErrUnauthorized) {
				if err := s.waitForToken(ctx); err != nil {
					return err
				}
				continue
			}
		}

		if err := s.sleep(ctx, s.reconnectDelay()); err != nil {
			return err
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	token, err := s.tokens.Token()
	if err != nil {
		return err
	}

	transport, err := s.dial(ctx, token)
	if err != nil {
		logger.Warn("Connection attempt failed", "error", err)
		return err
	}

	s.mu.Lock()
	cfg := s.cfg.Session
	cfg.ResetSync = s.resetNext
	s.resetNext = false
	s.mu.Unlock()

	sess := session.New(transport, s.state, s.applier, s.outbox, cfg, func(p session.Phase) {
		s.emit(Status{Connected: p != session.Disconnected, Phase: p})
	})

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	err = sess.Run(ctx)

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	s.emit(Status{Connected: false, Phase: session.Disconnected, Err: err})
	return err
}

func (s *Supervisor) waitUntilOnline(ctx context.Context) error {
	for s.Offline() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.onlineCh:
		}
	}
	return nil
}

// waitForToken blocks until the token source reports a rotation. A
// static token cannot rotate, so the regular reconnect interval applies
// instead and the dial fails again until someone fixes the credential.
func (s *Supervisor) waitForToken(ctx context.Context) error {
	changed := s.tokens.Changed()
	if changed == nil {
		return s.sleep(ctx, s.reconnectDelay())
	}

	logger.Info("Waiting for token rotation before reconnecting")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		logger.Info("Token rotated, reconnecting")
		return nil
	}
}

func (s *Supervisor) reconnectDelay() time.Duration {
	base := s.cfg.ReconnectInterval
	spread := float64(base) * jitterFraction

	s.mu.Lock()
	offset := (s.rng.Float64()*2 - 1) * spread
	s.mu.Unlock()

	return base + time.Duration(offset)
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-s.onlineCh:
		// An explicit online request skips the rest of the wait.
		return nil
	}
}

func (s *Supervisor) noteError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) emit(status Status) {
	if s.statusFn != nil {
		s.statusFn(status)
	}
}
