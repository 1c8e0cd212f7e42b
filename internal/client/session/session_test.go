package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/client/applier"
	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/internal/client/outbox"
	"github.com/driftsync/driftsync/internal/client/state"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

// fakeTransport is an in-memory framed pipe driven by the test.
type fakeTransport struct {
	inbound chan *wire.Message

	mu        sync.Mutex
	sent      []*wire.Message
	sentCh    chan *wire.Message
	closed    bool
	closeCode string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan *wire.Message, 64),
		sentCh:  make(chan *wire.Message, 64),
	}
}

func (t *fakeTransport) Read() (*wire.Message, error) {
	msg, ok := <-t.inbound
	if !ok {
		return nil, wire.ErrConnClosed
	}
	return msg, nil
}

func (t *fakeTransport) Send(msg *wire.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return wire.ErrConnClosed
	}
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	t.sentCh <- msg
	return nil
}

func (t *fakeTransport) CloseWithCode(code, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeCode = code
		close(t.inbound)
	}
	return nil
}

func (t *fakeTransport) deliver(msg *wire.Message) { t.inbound <- msg }

func (t *fakeTransport) hangUp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbound)
	}
}

func (t *fakeTransport) waitSent(tt *testing.T, wantType string) *wire.Message {
	tt.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-t.sentCh:
			if msg.Type == wantType {
				return msg
			}
		case <-deadline:
			tt.Fatalf("timed out waiting for %s", wantType)
			return nil
		}
	}
}

type fixture struct {
	transport *fakeTransport
	state     *state.Store
	db        *changelog.DB
	session   *Session
	phases    []Phase
	phaseMu   sync.Mutex
	done      chan error
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := changelog.Open(filepath.Join(dir, "replica.db"), tables.Default)
	require.NoError(t, err)
	st, err := state.Open(dir)
	require.NoError(t, err)

	f := &fixture{
		transport: newFakeTransport(),
		state:     st,
		db:        db,
		done:      make(chan error, 1),
	}

	ap := applier.New(db, st, applier.DefaultMaxRetries)
	ob := outbox.New(db, outbox.SenderFunc(func(_ context.Context, msg *wire.Message) error {
		return f.transport.Send(msg)
	}), outbox.DefaultConfig())
	ob.Start(context.Background())
	t.Cleanup(ob.Stop)

	f.session = New(f.transport, st, ap, ob, cfg, func(p Phase) {
		f.phaseMu.Lock()
		f.phases = append(f.phases, p)
		f.phaseMu.Unlock()
	})
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	go func() { f.done <- f.session.Run(context.Background()) }()
	f.transport.waitSent(t, wire.TypeSync)
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func catchupChunk(id string, seq, total int, lastLSN string, changes []wire.Change) *wire.Message {
	return &wire.Message{
		Type:      wire.TypeCatchupChanges,
		MessageID: id,
		Sequence:  &wire.Sequence{Chunk: seq, Total: total},
		Changes:   changes,
		LastLSN:   lsnPtr(lastLSN),
	}
}

func lsnPtr(s string) *lsn.LSN {
	at := lsn.MustParse(s)
	return &at
}

func taskChange(id string, at lsn.LSN, updatedAt int64) wire.Change {
	return wire.Change{
		Table:     "tasks",
		Operation: wire.OpInsert,
		Data: tables.Row{
			"id": id, "title": "task " + id, "status": "open",
			"updated_at": float64(updatedAt),
		},
		LSN: &at,
	}
}

func TestSession_AnnouncesStoredPosition(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.state.AdvanceLSN(lsn.MustParse("0/C")))

	f.run(t)
	hello := f.transport.sent[0]
	require.Equal(t, wire.TypeSync, hello.Type)
	require.Equal(t, f.state.ClientID(), hello.ClientID)
	require.Equal(t, lsn.MustParse("0/C"), *hello.LastLSN)
	require.False(t, hello.ResetSync)

	f.transport.hangUp()
	require.Error(t, f.wait(t))
}

func TestSession_InitialSyncToLive(t *testing.T) {
	f := newFixture(t, Config{})
	f.run(t)

	f.transport.deliver(&wire.Message{
		Type: wire.TypeInitStart, MessageID: "m1", ServerLSN: lsnPtr("0/20"),
	})
	f.transport.deliver(&wire.Message{
		Type: wire.TypeInitChanges, MessageID: "m2",
		Sequence: &wire.Sequence{Chunk: 1, Total: 1},
		Changes:  []wire.Change{taskChange("t-1", lsn.MustParse("0/10"), 100)},
	})

	ack := f.transport.waitSent(t, wire.TypeInitReceived)
	require.Equal(t, "m2", ack.InReplyTo)
	require.Equal(t, 1, ack.Chunk)

	// Snapshot rows do not move the position until init_complete.
	require.Equal(t, lsn.Zero, f.state.AppliedLSN())

	f.transport.deliver(&wire.Message{
		Type: wire.TypeInitComplete, MessageID: "m3", ServerLSN: lsnPtr("0/20"),
	})
	processed := f.transport.waitSent(t, wire.TypeInitProcessed)
	require.Equal(t, "m3", processed.InReplyTo)

	f.transport.deliver(&wire.Message{
		Type: wire.TypeCatchupCompleted, MessageID: "m4",
		FinalLSN: lsnPtr("0/20"), Success: wire.Bool(true),
	})

	// Live: the outbound queue starts draining local changes.
	require.Eventually(t, func() bool { return f.session.Phase() == Live }, time.Second, 10*time.Millisecond)
	require.Equal(t, lsn.MustParse("0/20"), f.state.AppliedLSN())

	f.phaseMu.Lock()
	require.Equal(t, []Phase{Connecting, InitialSync, Catchup, Live}, f.phases)
	f.phaseMu.Unlock()

	f.transport.hangUp()
	err := f.wait(t)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrFatal)
}

func TestSession_CatchupChunksAckWithLSN(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.state.AdvanceLSN(lsn.MustParse("0/C")))
	f.run(t)

	f.transport.deliver(catchupChunk("batch", 1, 2, "0/D",
		[]wire.Change{taskChange("t-1", lsn.MustParse("0/D"), 100)}))
	ack := f.transport.waitSent(t, wire.TypeCatchupReceived)
	require.Equal(t, 1, ack.Chunk)
	require.Equal(t, lsn.MustParse("0/D"), *ack.LSN)

	f.transport.deliver(catchupChunk("batch", 2, 2, "0/E",
		[]wire.Change{taskChange("t-2", lsn.MustParse("0/E"), 200)}))
	ack = f.transport.waitSent(t, wire.TypeCatchupReceived)
	require.Equal(t, 2, ack.Chunk)
	require.Equal(t, lsn.MustParse("0/E"), *ack.LSN)

	f.transport.deliver(&wire.Message{
		Type: wire.TypeCatchupCompleted, MessageID: "done",
		FinalLSN: lsnPtr("0/E"), ChangeCount: 2, Success: wire.Bool(true),
	})
	require.Eventually(t, func() bool { return f.session.Phase() == Live }, time.Second, 10*time.Millisecond)

	row, found, err := changelog.GetRow(f.db.Gorm(), tables.Tasks, "t-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "task t-2", row["title"])

	f.transport.hangUp()
	_ = f.wait(t)
}

func TestSession_DuplicateChunkReAcked(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.state.AdvanceLSN(lsn.MustParse("0/C")))
	f.run(t)

	chunk1 := catchupChunk("batch", 1, 2, "0/D",
		[]wire.Change{taskChange("t-1", lsn.MustParse("0/D"), 100)})
	f.transport.deliver(chunk1)
	f.transport.waitSent(t, wire.TypeCatchupReceived)

	// Retransmission is discarded but still acknowledged.
	f.transport.deliver(chunk1)
	ack := f.transport.waitSent(t, wire.TypeCatchupReceived)
	require.Equal(t, 1, ack.Chunk)

	count, err := f.db.PendingCount()
	require.NoError(t, err)
	require.Zero(t, count, "duplicate must not create records")

	f.transport.hangUp()
	_ = f.wait(t)
}

func TestSession_OutOfOrderChunkEndsSession(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.state.AdvanceLSN(lsn.MustParse("0/C")))
	f.run(t)

	f.transport.deliver(catchupChunk("batch", 2, 3, "0/E",
		[]wire.Change{taskChange("t-2", lsn.MustParse("0/E"), 200)}))

	// A protocol violation closes the connection but stays reconnectable.
	err := f.wait(t)
	require.ErrorIs(t, err, ErrProtocol)
	require.NotErrorIs(t, err, ErrFatal)
	require.Equal(t, wire.CodeProtocol, f.transport.closeCode)
}

func TestSession_ApplierFatalClosesConnection(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.state.AdvanceLSN(lsn.MustParse("0/C")))
	f.run(t)

	bad := lsn.MustParse("0/D")
	f.transport.deliver(catchupChunk("batch", 1, 1, "0/D", []wire.Change{{
		Table:     "ghosts",
		Operation: wire.OpInsert,
		Data:      tables.Row{"id": "g-1"},
		LSN:       &bad,
	}}))

	err := f.wait(t)
	require.ErrorIs(t, err, ErrFatal)
	require.Equal(t, wire.CodeApplierFatal, f.transport.closeCode)
	require.Equal(t, lsn.MustParse("0/C"), f.state.AppliedLSN(), "failed chunk must not advance")
}

func TestSession_MissingMigrationRefusesResume(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.state.AdvanceLSN(lsn.MustParse("0/C")))
	require.NoError(t, f.db.Gorm().
		Delete(&changelog.MigrationStatus{Name: changelog.BaselineMigration}).Error)

	err := f.session.Run(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	require.ErrorIs(t, err, changelog.ErrMigrationMissing)
	require.Empty(t, f.transport.sent, "no announcement without the baseline")
}

func TestSession_MissingMigrationStillAllowsSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.db.Gorm().
		Delete(&changelog.MigrationStatus{Name: changelog.BaselineMigration}).Error)

	// A zero position means initial sync, which rebuilds the schema; the
	// announcement still goes out.
	f.run(t)
	f.transport.hangUp()
	require.Error(t, f.wait(t))
}

func TestSession_ContextCancelUnblocksShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { f.done <- f.session.Run(ctx) }()
	f.transport.waitSent(t, wire.TypeSync)

	// No inbound traffic: the read is parked until the transport closes.
	cancel()
	err := f.wait(t)
	require.ErrorIs(t, err, context.Canceled)

	f.transport.mu.Lock()
	closed := f.transport.closed
	f.transport.mu.Unlock()
	require.True(t, closed, "cancel must close the transport")
}

func TestSession_ServerAuthErrorIsFatal(t *testing.T) {
	f := newFixture(t, Config{})
	f.run(t)

	f.transport.deliver(&wire.Message{
		Type: wire.TypeError, MessageID: "e1",
		Code: wire.CodeAuth, Text: "token expired",
	})

	// A fatal server error ends the session even though the server has
	// not dropped the transport yet.
	f.transport.deliver(&wire.Message{Type: wire.TypeHeartbeat, MessageID: "h1"})
	err := f.wait(t)
	require.ErrorIs(t, err, ErrFatal)
}

func TestSession_ResetSyncFlag(t *testing.T) {
	f := newFixture(t, Config{ResetSync: true})
	f.run(t)
	require.True(t, f.transport.sent[0].ResetSync)
	f.transport.hangUp()
	_ = f.wait(t)
}

func TestSession_ChangesAppliedSettlesOutbox(t *testing.T) {
	f := newFixture(t, Config{})
	f.run(t)

	rec, err := f.db.ApplyLocal(wire.Change{
		Table:     "tasks",
		Operation: wire.OpInsert,
		Data: tables.Row{
			"id": "t-local", "title": "mine", "status": "open",
			"updated_at": float64(100),
		},
	})
	require.NoError(t, err)

	f.transport.deliver(&wire.Message{
		Type: wire.TypeLiveStart, MessageID: "ls", FinalLSN: lsnPtr("0/5"),
	})
	batch := f.transport.waitSent(t, wire.TypeSendChanges)
	require.Equal(t, 1, batch.ChangeCount)

	assigned := lsn.MustParse("0/6")
	f.transport.deliver(&wire.Message{
		Type: wire.TypeChangesApplied, MessageID: "ca",
		InReplyTo: batch.MessageID,
		Applied:   []wire.AppliedChange{{ChangeID: rec.ID, Success: true, LSN: &assigned}},
	})

	require.Eventually(t, func() bool {
		count, err := f.db.PendingCount()
		return err == nil && count == 0
	}, 2*time.Second, 20*time.Millisecond)

	f.transport.hangUp()
	err = f.wait(t)
	require.True(t, errors.Is(err, wire.ErrConnClosed) || err != nil)
}
