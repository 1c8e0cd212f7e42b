package chunk

import (
	"fmt"
	"sync"

	"github.com/driftsync/driftsync/pkg/wire"
)

// Disposition classifies an incoming chunk.
type Disposition int

const (
	// Accept: the chunk is the next expected one; apply it, then ACK.
	Accept Disposition = iota

	// Duplicate: already applied (a retransmit crossing an ACK in
	// flight). Re-ACK silently, do not apply.
	Duplicate
)

// Receiver tracks chunk ordering on the receiving side of a stream.
//
// Chunks of one messageId must arrive in order 1..total; a gap is a
// protocol error, an already-seen chunk is a duplicate to re-ACK.
type Receiver struct {
	mu    sync.Mutex
	next  map[string]int // messageId -> next chunk expected
	total map[string]int
}

// NewReceiver returns an empty receiver.
func NewReceiver() *Receiver {
	return &Receiver{
		next:  make(map[string]int),
		total: make(map[string]int),
	}
}

// Observe classifies one incoming chunk and advances the expected
// position when it is accepted. Total mismatches across chunks of one
// message and out-of-order arrivals are protocol errors.
func (r *Receiver) Observe(msg *wire.Message) (Disposition, error) {
	if msg.Sequence == nil {
		return 0, &ProtocolError{Reason: fmt.Sprintf("%s message %s has no sequence", msg.Type, msg.MessageID)}
	}
	seq := *msg.Sequence
	if seq.Chunk < 1 || seq.Total < 1 || seq.Chunk > seq.Total {
		return 0, &ProtocolError{Reason: fmt.Sprintf("invalid sequence %d/%d on message %s", seq.Chunk, seq.Total, msg.MessageID)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expected, seen := r.next[msg.MessageID]
	if !seen {
		expected = 1
		r.total[msg.MessageID] = seq.Total
	} else if r.total[msg.MessageID] != seq.Total {
		return 0, &ProtocolError{Reason: fmt.Sprintf("message %s total changed from %d to %d", msg.MessageID, r.total[msg.MessageID], seq.Total)}
	}

	switch {
	case seq.Chunk < expected:
		return Duplicate, nil
	case seq.Chunk > expected:
		return 0, &ProtocolError{Reason: fmt.Sprintf("message %s chunk %d arrived before chunk %d", msg.MessageID, seq.Chunk, expected)}
	}

	// Keep the entry after the final chunk so late retransmits still
	// classify as duplicates.
	r.next[msg.MessageID] = seq.Chunk + 1
	return Accept, nil
}
