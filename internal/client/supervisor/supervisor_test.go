package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/client/applier"
	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/internal/client/outbox"
	"github.com/driftsync/driftsync/internal/client/session"
	"github.com/driftsync/driftsync/internal/client/state"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

// scriptedTransport ends the session with a fixed error after the sync
// announcement.
type scriptedTransport struct {
	fail error
	once sync.Once
	done chan struct{}
}

func newScriptedTransport(fail error) *scriptedTransport {
	return &scriptedTransport{fail: fail, done: make(chan struct{})}
}

func (t *scriptedTransport) Read() (*wire.Message, error) {
	<-t.done
	return nil, t.fail
}

func (t *scriptedTransport) Send(*wire.Message) error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *scriptedTransport) CloseWithCode(string, string) error { return nil }

func newDeps(t *testing.T) (*state.Store, *applier.Applier, *outbox.Outbox) {
	t.Helper()
	dir := t.TempDir()

	db, err := changelog.Open(filepath.Join(dir, "replica.db"), tables.Default)
	require.NoError(t, err)
	st, err := state.Open(dir)
	require.NoError(t, err)

	ap := applier.New(db, st, applier.DefaultMaxRetries)
	ob := outbox.New(db, outbox.SenderFunc(func(context.Context, *wire.Message) error {
		return nil
	}), outbox.DefaultConfig())
	return st, ap, ob
}

func TestSupervisor_ReconnectsWithFixedInterval(t *testing.T) {
	st, ap, ob := newDeps(t)

	var (
		mu    sync.Mutex
		dials int
	)
	dial := func(context.Context, string) (session.Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return newScriptedTransport(wire.ErrConnClosed), nil
	}

	sup := New(dial, StaticToken("secret"), st, ap, ob, Config{
		ReconnectInterval: 20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 3
	}, 2*time.Second, 10*time.Millisecond, "supervisor should keep reconnecting")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSupervisor_JitterStaysWithinBounds(t *testing.T) {
	sup := New(nil, StaticToken(""), nil, nil, nil, Config{
		ReconnectInterval: 30 * time.Second,
	}, nil)

	for i := 0; i < 100; i++ {
		d := sup.reconnectDelay()
		require.GreaterOrEqual(t, d, 27*time.Second)
		require.LessOrEqual(t, d, 33*time.Second)
	}
}

func TestSupervisor_HardOfflineStopsDialing(t *testing.T) {
	st, ap, ob := newDeps(t)

	var (
		mu    sync.Mutex
		dials int
	)
	dial := func(context.Context, string) (session.Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	sup := New(dial, StaticToken("secret"), st, ap, ob, Config{
		ReconnectInterval: 10 * time.Millisecond,
	}, nil)
	sup.SetOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.Zero(t, dials, "offline supervisor must not dial")
	mu.Unlock()

	// Going online triggers an immediate attempt.
	sup.SetOffline(false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSupervisor_ProtocolFailureReconnects(t *testing.T) {
	st, ap, ob := newDeps(t)

	var (
		mu    sync.Mutex
		dials int
	)
	dial := func(context.Context, string) (session.Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return newScriptedTransport(fmt.Errorf("%w: out-of-order chunk", session.ErrProtocol)), nil
	}

	sup := New(dial, StaticToken("secret"), st, ap, ob, Config{
		ReconnectInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Only applier fatals and auth errors stop the reconnect loop; a
	// protocol violation retries on schedule.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 3
	}, 2*time.Second, 10*time.Millisecond, "protocol failure must not park the supervisor")
	require.False(t, sup.Offline())

	cancel()
	<-done
}

func TestSupervisor_FatalSessionParksOffline(t *testing.T) {
	st, ap, ob := newDeps(t)

	dial := func(context.Context, string) (session.Transport, error) {
		return newScriptedTransport(fmt.Errorf("%w: applier wedged", session.ErrFatal)), nil
	}

	var (
		mu       sync.Mutex
		statuses []Status
	)
	sup := New(dial, StaticToken("secret"), st, ap, ob, Config{
		ReconnectInterval: 10 * time.Millisecond,
	}, func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, sup.Offline, 2*time.Second, 10*time.Millisecond,
		"fatal session should park the supervisor offline")
	require.ErrorIs(t, sup.LastError(), session.ErrFatal)

	mu.Lock()
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	mu.Unlock()
	require.False(t, last.Connected)

	cancel()
	<-done
}

func TestSupervisor_UnauthorizedWaitsForTokenRotation(t *testing.T) {
	st, ap, ob := newDeps(t)

	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("expired\n"), 0o600))

	tokens, err := NewFileToken(tokenPath)
	require.NoError(t, err)
	defer tokens.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	dial := func(_ context.Context, token string) (session.Transport, error) {
		mu.Lock()
		seen = append(seen, token)
		mu.Unlock()
		if token == "expired" {
			return nil, fmt.Errorf("%w: rejected", wire.ErrUnauthorized)
		}
		return newScriptedTransport(wire.ErrConnClosed), nil
	}

	sup := New(dial, tokens, st, ap, ob, Config{
		ReconnectInterval: time.Hour, // only token rotation can unblock
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Rotate the token the way secret managers do: write a temp file
	// and rename it into place.
	tmp := filepath.Join(dir, "token.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("fresh\n"), 0o600))
	require.NoError(t, os.Rename(tmp, tokenPath))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1] == "fresh"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSupervisor_ForceResyncSetsFlagOnce(t *testing.T) {
	st, ap, ob := newDeps(t)

	transports := make(chan *announceCapture, 2)
	var dials int32
	dial := func(context.Context, string) (session.Transport, error) {
		if atomic.AddInt32(&dials, 1) > 2 {
			return nil, errors.New("connection refused")
		}
		tr := newAnnounceCapture()
		transports <- tr
		return tr, nil
	}

	sup := New(dial, StaticToken("secret"), st, ap, ob, Config{
		ReconnectInterval: 10 * time.Millisecond,
	}, nil)
	sup.ForceResync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	first := <-transports
	require.True(t, (<-first.hello).ResetSync, "first session carries resetSync")

	second := <-transports
	require.False(t, (<-second.hello).ResetSync, "flag must not stick")

	cancel()
	<-done
}

// announceCapture hands the sync announcement to the test, then fails
// the session so the supervisor moves on.
type announceCapture struct {
	hello chan *wire.Message
	once  sync.Once
	done  chan struct{}
}

func newAnnounceCapture() *announceCapture {
	return &announceCapture{
		hello: make(chan *wire.Message, 1),
		done:  make(chan struct{}),
	}
}

func (t *announceCapture) Read() (*wire.Message, error) {
	<-t.done
	return nil, wire.ErrConnClosed
}

func (t *announceCapture) Send(msg *wire.Message) error {
	if msg.Type == wire.TypeSync {
		t.hello <- msg
		t.once.Do(func() { close(t.done) })
	}
	return nil
}

func (t *announceCapture) CloseWithCode(string, string) error { return nil }
