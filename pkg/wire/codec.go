package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// FramingError marks a frame the receiver cannot interpret: malformed
// JSON, a missing type or messageId, or an unknown critical type. The
// session closes the connection on a framing error and the supervisor
// reconnects.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// knownTypes is the full vocabulary. A type outside this set is critical
// by definition: the protocol has no optional extensions, so an
// unrecognized type means the peer speaks a different dialect.
var knownTypes = map[string]bool{
	TypeInitStart:        true,
	TypeInitChanges:      true,
	TypeInitComplete:     true,
	TypeCatchupChanges:   true,
	TypeCatchupCompleted: true,
	TypeSyncCompleted:    true,
	TypeLiveStart:        true,
	TypeLiveChanges:      true,
	TypeLSNUpdate:        true,
	TypeChangesReceived:  true,
	TypeChangesApplied:   true,
	TypeHeartbeat:        true,
	TypeError:            true,
	TypeSync:             true,
	TypeInitReceived:     true,
	TypeInitProcessed:    true,
	TypeCatchupReceived:  true,
	TypeSendChanges:      true,
	TypeDisconnect:       true,
}

// Decode parses one frame. The legacy sync_completed type is normalized
// to catchup_completed so the rest of the code never sees it.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if msg.Type == "" {
		return nil, &FramingError{Reason: "missing type field"}
	}
	if !knownTypes[msg.Type] {
		return nil, &FramingError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	if msg.MessageID == "" {
		return nil, &FramingError{Reason: fmt.Sprintf("message %q has no messageId", msg.Type)}
	}

	if msg.Type == TypeSyncCompleted {
		msg.Type = TypeCatchupCompleted
	}

	return &msg, nil
}

// Encode serializes one frame, assigning a fresh messageId when the
// caller left it empty.
func Encode(msg *Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("cannot encode message without type")
	}
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// NewMessageID returns an id unique within any realistic session.
func NewMessageID() string {
	return uuid.NewString()
}
