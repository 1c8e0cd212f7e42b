package chunk

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftsync/driftsync/pkg/lsn"
)

// DefaultAckTimeout is how long the sender waits for a chunk ACK before
// failing the session.
const DefaultAckTimeout = 30 * time.Second

// ProtocolError marks a semantic violation of the ACK protocol: an ACK
// for an unknown chunk, an out-of-order ACK, or a regressing ACK LSN.
// The session closes the connection and logs for the operator.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "chunk protocol violation: " + e.Reason
}

type chunkKey struct {
	messageID string
	chunk     int
}

type pending struct {
	deadline time.Time
	size     int
}

// Tracker is the sender-side registry of in-flight chunks.
//
// Track is called when a chunk is written; Ack when the matching
// acknowledgement arrives. Expired reports chunks whose deadline passed,
// which the session treats as a protocol failure. The tracker also
// enforces the two ACK invariants: chunks of one message are acknowledged
// in order, and the acknowledged LSN never regresses.
type Tracker struct {
	timeout time.Duration

	mu       sync.Mutex
	inflight map[chunkKey]pending
	nextAck  map[string]int // messageId -> next chunk expected to be ACKed
	totals   map[string]int // messageId -> chunk count
	ackedLSN lsn.LSN
}

// NewTracker returns a tracker with the given ACK timeout.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Tracker{
		timeout:  timeout,
		inflight: make(map[chunkKey]pending),
		nextAck:  make(map[string]int),
		totals:   make(map[string]int),
	}
}

// Track records a written chunk awaiting acknowledgement.
func (t *Tracker) Track(messageID string, chunk, total, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nextAck[messageID]; !ok {
		t.nextAck[messageID] = 1
	}
	t.totals[messageID] = total
	t.inflight[chunkKey{messageID, chunk}] = pending{
		deadline: time.Now().Add(t.timeout),
		size:     size,
	}
}

// Ack resolves one chunk acknowledgement. ackLSN is the highest LSN the
// receiver has seen; it must not regress across ACKs. Acknowledging the
// final chunk forgets the message entirely.
func (t *Tracker) Ack(messageID string, chunk int, ackLSN lsn.LSN) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := chunkKey{messageID, chunk}
	if _, ok := t.inflight[key]; !ok {
		return &ProtocolError{Reason: fmt.Sprintf("ACK for unknown chunk %d of message %s", chunk, messageID)}
	}
	if expected := t.nextAck[messageID]; chunk != expected {
		return &ProtocolError{Reason: fmt.Sprintf("out-of-order ACK: got chunk %d of message %s, expected %d", chunk, messageID, expected)}
	}
	if ackLSN.Less(t.ackedLSN) {
		return &ProtocolError{Reason: fmt.Sprintf("ACK LSN regressed from %s to %s", t.ackedLSN, ackLSN)}
	}

	delete(t.inflight, key)
	t.ackedLSN = ackLSN
	if chunk >= t.totals[messageID] {
		delete(t.nextAck, messageID)
		delete(t.totals, messageID)
	} else {
		t.nextAck[messageID] = chunk + 1
	}
	return nil
}

// Expired returns true when any in-flight chunk has passed its deadline.
// The second return identifies the oldest expired chunk for logging.
func (t *Tracker) Expired(now time.Time) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest time.Time
	var desc string
	for key, p := range t.inflight {
		if now.After(p.deadline) && (oldest.IsZero() || p.deadline.Before(oldest)) {
			oldest = p.deadline
			desc = fmt.Sprintf("chunk %d of message %s (%d changes)", key.chunk, key.messageID, p.size)
		}
	}
	return desc != "", desc
}

// Pending returns the number of chunks awaiting acknowledgement.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// AckedLSN returns the highest LSN acknowledged so far.
func (t *Tracker) AckedLSN() lsn.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ackedLSN
}
