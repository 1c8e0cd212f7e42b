// Package chunk implements chunked change delivery with per-chunk
// acknowledgement.
//
// Large change sets are split into ordered chunks sharing one messageId.
// The sender retains every chunk until the receiver acknowledges it; a
// chunk unacknowledged past the timeout fails the session, and the
// supervisor resumes from the last acknowledged LSN, never from the
// unacknowledged chunk. The receiver acknowledges chunks in order and
// silently re-acknowledges duplicates.
package chunk

import (
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/wire"
)

// DefaultSize is the number of changes per chunk when unconfigured.
const DefaultSize = 100

// Split builds the ordered chunk messages for one change set.
//
// All chunks share a fresh messageId and are numbered 1..total. Each
// chunk's lastLSN is the highest server LSN seen up to and including that
// chunk, so an interrupted stream can resume exactly at the last
// acknowledged chunk boundary. A nil or empty change set yields no
// messages.
func Split(msgType string, changes []wire.Change, size int) []*wire.Message {
	if len(changes) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}

	total := (len(changes) + size - 1) / size
	messageID := wire.NewMessageID()
	msgs := make([]*wire.Message, 0, total)

	var highest lsn.LSN
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(changes) {
			end = len(changes)
		}
		part := changes[start:end]

		for _, c := range part {
			if c.LSN != nil {
				highest = lsn.Max(highest, *c.LSN)
			}
		}
		chunkLSN := highest

		msgs = append(msgs, &wire.Message{
			Type:      msgType,
			MessageID: messageID,
			Sequence:  &wire.Sequence{Chunk: i + 1, Total: total},
			Changes:   part,
			LastLSN:   &chunkLSN,
		})
	}
	return msgs
}
