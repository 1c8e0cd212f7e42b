package chunk

import (
	"testing"
	"time"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

func makeChanges(n int, start lsn.LSN) []wire.Change {
	changes := make([]wire.Change, n)
	cur := start
	for i := range changes {
		l := cur
		changes[i] = wire.Change{
			Table:     "tasks",
			Operation: wire.OpInsert,
			Data:      tables.Row{"id": "t-1"},
			LSN:       &l,
		}
		cur = cur.Next()
	}
	return changes
}

func TestSplit(t *testing.T) {
	// 250 changes at chunk size 100 yield chunks 1/3, 2/3, 3/3.
	changes := makeChanges(250, lsn.MustParse("0/D"))
	msgs := Split(wire.TypeCatchupChanges, changes, 100)

	if len(msgs) != 3 {
		t.Fatalf("got %d chunks, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if msg.MessageID != msgs[0].MessageID {
			t.Error("chunks must share one messageId")
		}
		if msg.Sequence.Chunk != i+1 || msg.Sequence.Total != 3 {
			t.Errorf("chunk %d sequence = %+v", i, msg.Sequence)
		}
	}
	if len(msgs[0].Changes) != 100 || len(msgs[2].Changes) != 50 {
		t.Errorf("chunk sizes = %d, %d, %d", len(msgs[0].Changes), len(msgs[1].Changes), len(msgs[2].Changes))
	}

	// lastLSN is the highest LSN up to and including each chunk.
	if *msgs[0].LastLSN != lsn.MustParse("0/70") {
		t.Errorf("chunk 1 lastLSN = %s", msgs[0].LastLSN)
	}
	if *msgs[2].LastLSN != lsn.MustParse("0/106") {
		t.Errorf("chunk 3 lastLSN = %s", msgs[2].LastLSN)
	}
}

func TestSplit_Empty(t *testing.T) {
	if msgs := Split(wire.TypeCatchupChanges, nil, 100); msgs != nil {
		t.Errorf("empty set should produce no chunks, got %d", len(msgs))
	}
}

func TestTracker_AckFlow(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Track("m-1", 1, 2, 100)
	tr.Track("m-1", 2, 2, 100)

	if err := tr.Ack("m-1", 1, lsn.MustParse("0/70")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Ack("m-1", 2, lsn.MustParse("0/D4")); err != nil {
		t.Fatal(err)
	}
	if tr.Pending() != 0 {
		t.Errorf("pending = %d, want 0", tr.Pending())
	}
	if tr.AckedLSN() != lsn.MustParse("0/D4") {
		t.Errorf("acked LSN = %s", tr.AckedLSN())
	}
}

func TestTracker_FinalAckReleasesMessageState(t *testing.T) {
	tr := NewTracker(time.Minute)

	// A long-lived session tracks many messages; each must be forgotten
	// once its last chunk is acknowledged.
	for i := 0; i < 50; i++ {
		id := wire.NewMessageID()
		tr.Track(id, 1, 1, 10)
		if err := tr.Ack(id, 1, lsn.LSN{Minor: uint32(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.nextAck) != 0 || len(tr.totals) != 0 {
		t.Errorf("residual message state: nextAck=%d totals=%d", len(tr.nextAck), len(tr.totals))
	}
}

func TestTracker_ProtocolViolations(t *testing.T) {
	t.Run("unknown chunk", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		if err := tr.Ack("m-9", 1, lsn.Zero); err == nil {
			t.Error("expected protocol error")
		}
	})

	t.Run("out of order", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		tr.Track("m-1", 1, 2, 10)
		tr.Track("m-1", 2, 2, 10)
		if err := tr.Ack("m-1", 2, lsn.MustParse("0/2")); err == nil {
			t.Error("chunk 2 must not be ACKed before chunk 1")
		}
	})

	t.Run("regressing LSN", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		tr.Track("m-1", 1, 2, 10)
		tr.Track("m-1", 2, 2, 10)
		if err := tr.Ack("m-1", 1, lsn.MustParse("0/10")); err != nil {
			t.Fatal(err)
		}
		if err := tr.Ack("m-1", 2, lsn.MustParse("0/5")); err == nil {
			t.Error("ACK LSN must not regress")
		}
	})
}

func TestTracker_Expired(t *testing.T) {
	tr := NewTracker(10 * time.Millisecond)
	tr.Track("m-1", 1, 1, 10)

	if expired, _ := tr.Expired(time.Now()); expired {
		t.Error("fresh chunk should not be expired")
	}
	if expired, desc := tr.Expired(time.Now().Add(time.Second)); !expired || desc == "" {
		t.Error("chunk past deadline should be expired")
	}
}

func TestReceiver_Ordering(t *testing.T) {
	r := NewReceiver()
	msg := func(chunk int) *wire.Message {
		return &wire.Message{
			Type:      wire.TypeCatchupChanges,
			MessageID: "m-1",
			Sequence:  &wire.Sequence{Chunk: chunk, Total: 3},
		}
	}

	if d, err := r.Observe(msg(1)); err != nil || d != Accept {
		t.Fatalf("chunk 1: %v %v", d, err)
	}

	// Gap: chunk 3 before chunk 2.
	if _, err := r.Observe(msg(3)); err == nil {
		t.Error("out-of-order chunk must be a protocol error")
	}

	if d, err := r.Observe(msg(2)); err != nil || d != Accept {
		t.Fatalf("chunk 2: %v %v", d, err)
	}

	// Retransmit of an already-accepted chunk.
	if d, err := r.Observe(msg(2)); err != nil || d != Duplicate {
		t.Errorf("duplicate chunk: %v %v", d, err)
	}

	if d, err := r.Observe(msg(3)); err != nil || d != Accept {
		t.Fatalf("chunk 3: %v %v", d, err)
	}

	// Late retransmit after the stream finished.
	if d, err := r.Observe(msg(3)); err != nil || d != Duplicate {
		t.Errorf("late duplicate: %v %v", d, err)
	}
}

func TestReceiver_InvalidSequence(t *testing.T) {
	r := NewReceiver()
	if _, err := r.Observe(&wire.Message{Type: wire.TypeCatchupChanges, MessageID: "m-1"}); err == nil {
		t.Error("missing sequence must be a protocol error")
	}
	if _, err := r.Observe(&wire.Message{
		Type: wire.TypeCatchupChanges, MessageID: "m-2",
		Sequence: &wire.Sequence{Chunk: 4, Total: 3},
	}); err == nil {
		t.Error("chunk beyond total must be a protocol error")
	}
}
