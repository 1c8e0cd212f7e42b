package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

// captureSender records sent messages and signals each send.
type captureSender struct {
	mu   sync.Mutex
	sent []*wire.Message
	ch   chan *wire.Message
}

func newCaptureSender() *captureSender {
	return &captureSender{ch: make(chan *wire.Message, 16)}
}

func (s *captureSender) Send(_ context.Context, msg *wire.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	s.ch <- msg
	return nil
}

func (s *captureSender) wait(t *testing.T) *wire.Message {
	t.Helper()
	select {
	case msg := <-s.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func openTestDB(t *testing.T) *changelog.DB {
	t.Helper()
	db, err := changelog.Open(filepath.Join(t.TempDir(), "replica.db"), tables.Default)
	require.NoError(t, err)
	return db
}

func localTask(t *testing.T, db *changelog.DB, id, title string, at int64) *changelog.Record {
	t.Helper()
	rec, err := db.ApplyLocal(wire.Change{
		Table:     "tasks",
		Operation: wire.OpInsert,
		Data: tables.Row{
			"id": id, "title": title, "status": "open", "updated_at": float64(at),
		},
	})
	require.NoError(t, err)
	return rec
}

func TestOutbox_DrainsOnLive(t *testing.T) {
	db := openTestDB(t)
	sender := newCaptureSender()

	r1 := localTask(t, db, "t-1", "first", 100)
	r2 := localTask(t, db, "t-2", "second", 200)

	o := New(db, sender, DefaultConfig())
	o.Start(context.Background())
	defer o.Stop()

	// Nothing moves until live.
	o.Notify()
	select {
	case <-sender.ch:
		t.Fatal("sent while not live")
	case <-time.After(100 * time.Millisecond):
	}

	o.SetLive(true)
	msg := sender.wait(t)
	require.Equal(t, wire.TypeSendChanges, msg.Type)
	require.NotEmpty(t, msg.MessageID)
	require.Equal(t, 2, msg.ChangeCount)
	require.Equal(t, r1.ID, msg.Changes[0].ChangeID, "oldest first")
	require.Equal(t, r2.ID, msg.Changes[1].ChangeID)
	require.Equal(t, 1, o.InflightCount())
}

func TestOutbox_SettlesOnApplied(t *testing.T) {
	db := openTestDB(t)
	sender := newCaptureSender()

	r1 := localTask(t, db, "t-1", "good", 100)
	r2 := localTask(t, db, "t-2", "bad", 200)

	o := New(db, sender, DefaultConfig())
	o.Start(context.Background())
	defer o.Stop()
	o.SetLive(true)

	msg := sender.wait(t)
	assigned := lsn.MustParse("0/42")
	require.NoError(t, o.HandleApplied(&wire.Message{
		Type:      wire.TypeChangesApplied,
		InReplyTo: msg.MessageID,
		Applied: []wire.AppliedChange{
			{ChangeID: r1.ID, Success: true, LSN: &assigned},
			{ChangeID: r2.ID, Success: false, Error: "constraint violation"},
		},
	}))
	require.Equal(t, 0, o.InflightCount())

	// The success is settled with its assigned LSN.
	recs, err := db.SelectUnsynced(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, r2.ID, recs[0].ID)
	require.Equal(t, 1, recs[0].Attempts)
	require.Equal(t, "constraint violation", recs[0].Error)

	errored, err := db.SelectErrored()
	require.NoError(t, err)
	require.Len(t, errored, 1)
}

func TestOutbox_BatchSizeBound(t *testing.T) {
	db := openTestDB(t)
	sender := newCaptureSender()

	for i := 0; i < 5; i++ {
		localTask(t, db, string(rune('a'+i)), "task", int64(100+i))
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	o := New(db, sender, cfg)
	o.Start(context.Background())
	defer o.Stop()
	o.SetLive(true)

	first := sender.wait(t)
	require.Equal(t, 2, first.ChangeCount)

	// Settling the batch triggers the next drain immediately.
	assigned := lsn.MustParse("0/1")
	applied := make([]wire.AppliedChange, 0, len(first.Changes))
	for _, c := range first.Changes {
		applied = append(applied, wire.AppliedChange{ChangeID: c.ChangeID, Success: true, LSN: &assigned})
	}
	require.NoError(t, o.HandleApplied(&wire.Message{
		InReplyTo: first.MessageID,
		Applied:   applied,
	}))

	second := sender.wait(t)
	require.Equal(t, 2, second.ChangeCount)
	require.NotEqual(t, first.MessageID, second.MessageID)
}

func TestOutbox_ExhaustedRecordsAreParked(t *testing.T) {
	db := openTestDB(t)
	sender := newCaptureSender()

	rec := localTask(t, db, "t-1", "cursed", 100)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.MarkFailed(rec.ID, "rejected"))
	}

	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	o := New(db, sender, cfg)
	o.Start(context.Background())
	defer o.Stop()
	o.SetLive(true)

	select {
	case <-sender.ch:
		t.Fatal("exhausted record was resent")
	case <-time.After(150 * time.Millisecond):
	}

	// An operator reset puts it back on the wire.
	require.NoError(t, db.ResetAttempts(rec.ID))
	o.Notify()
	msg := sender.wait(t)
	require.Equal(t, 1, msg.ChangeCount)
}

func TestOutbox_DisconnectAbandonsInflight(t *testing.T) {
	db := openTestDB(t)
	sender := newCaptureSender()

	localTask(t, db, "t-1", "keep", 100)

	o := New(db, sender, DefaultConfig())
	o.Start(context.Background())
	defer o.Stop()
	o.SetLive(true)

	first := sender.wait(t)
	require.Equal(t, 1, o.InflightCount())

	// Drop and reconnect: the unsettled batch is reselected.
	o.SetLive(false)
	require.Equal(t, 0, o.InflightCount())
	o.SetLive(true)

	second := sender.wait(t)
	require.Equal(t, first.ChangeCount, second.ChangeCount)

	// Late results for the abandoned batch settle nothing.
	require.NoError(t, o.HandleApplied(&wire.Message{InReplyTo: first.MessageID}))
}
