// Package wire defines the sync protocol message vocabulary and the framed
// JSON transport it travels over.
//
// Every frame is one UTF-8 JSON object with a required "type" and a
// "messageId" unique within the session. Timestamps are unix-millis
// integers and LSNs are "HH/HH" strings. Change-carrying messages are
// chunked: they add a sequence {chunk, total} and each chunk is
// acknowledged individually by the receiver.
package wire

import (
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
)

// Message types, server to client.
const (
	TypeInitStart        = "init_start"
	TypeInitChanges      = "init_changes"
	TypeInitComplete     = "init_complete"
	TypeCatchupChanges   = "catchup_changes"
	TypeCatchupCompleted = "catchup_completed"
	TypeLiveStart        = "live_start"
	TypeLiveChanges      = "live_changes"
	TypeLSNUpdate        = "lsn_update"
	TypeChangesReceived  = "changes_received"
	TypeChangesApplied   = "changes_applied"
	TypeHeartbeat        = "heartbeat"
	TypeError            = "error"

	// TypeSyncCompleted is a legacy synonym of catchup_completed still
	// emitted by older servers. Accepted inbound, never sent.
	TypeSyncCompleted = "sync_completed"
)

// Message types, client to server.
const (
	TypeSync            = "sync"
	TypeInitReceived    = "init_received"
	TypeInitProcessed   = "init_processed"
	TypeCatchupReceived = "catchup_received"
	TypeSendChanges     = "send_changes"
	TypeDisconnect      = "disconnect"
)

// Error codes carried by error messages and close frames.
const (
	CodeFraming       = "framing_error"
	CodeProtocol      = "protocol_failure"
	CodeAuth          = "auth_failure"
	CodeApplierFatal  = "applier_fatal"
	CodeUnknownClient = "unknown_client"
	CodeInternal      = "internal_error"
)

// Operation is the kind of row mutation a change carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Change is a single row-level mutation.
//
// Data is the post-image for insert/update. OldData is the pre-image for
// update/delete and carries at least the primary key. LSN is assigned by
// the server when the change is emitted and is absent on client-originated
// changes until acknowledged. ChangeID is the client-local change log id,
// used by the server to acknowledge client changes; it is zero on
// server-originated changes.
type Change struct {
	Table     string     `json:"table"`
	Operation Operation  `json:"operation"`
	Data      tables.Row `json:"data,omitempty"`
	OldData   tables.Row `json:"oldData,omitempty"`
	LSN       *lsn.LSN   `json:"lsn,omitempty"`
	UpdatedAt int64      `json:"updatedAt"`
	ChangeID  int64      `json:"changeId,omitempty"`
}

// Key returns the change identity (table, primary key). The second return
// is false when the table is unknown to the registry or the key cannot be
// extracted; both are framing errors for the receiver.
func (c Change) Key(reg *tables.Registry) (string, string, bool) {
	desc, ok := reg.Lookup(c.Table)
	if !ok {
		return "", "", false
	}
	if pk, ok := desc.PrimaryKeyValue(c.Data); ok {
		return c.Table, pk, true
	}
	if pk, ok := desc.PrimaryKeyValue(c.OldData); ok {
		return c.Table, pk, true
	}
	return "", "", false
}

// Sequence positions one chunk inside a chunked message. Chunks are
// numbered 1..Total and arrive in order.
type Sequence struct {
	Chunk int `json:"chunk"`
	Total int `json:"total"`
}

// AppliedChange reports the server-side outcome for one client change.
type AppliedChange struct {
	ChangeID int64    `json:"changeId"`
	LSN      *lsn.LSN `json:"lsn,omitempty"`
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
}

// Message is the single frame shape of the protocol. Fields beyond Type
// and MessageID are populated per message type; absent fields are omitted
// on the wire.
type Message struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`

	// sync
	ClientID  string `json:"clientId,omitempty"`
	ResetSync bool   `json:"resetSync,omitempty"`

	// Chunked change delivery.
	Sequence *Sequence `json:"sequence,omitempty"`
	Changes  []Change  `json:"changes,omitempty"`

	// LSN bookkeeping. LastLSN is the client position (sync) or the
	// highest LSN in a chunk; ServerLSN the server position announced by
	// init_start/init_complete; FinalLSN the end of a catchup stream;
	// LSN a single acknowledged or updated position.
	LastLSN   *lsn.LSN `json:"lastLSN,omitempty"`
	ServerLSN *lsn.LSN `json:"serverLSN,omitempty"`
	FinalLSN  *lsn.LSN `json:"finalLSN,omitempty"`
	LSN       *lsn.LSN `json:"lsn,omitempty"`

	// Chunk acknowledgement.
	InReplyTo string `json:"inReplyTo,omitempty"`
	Chunk     int    `json:"chunk,omitempty"`

	// init_changes snapshot chunks name the table being streamed.
	Table string `json:"table,omitempty"`

	// catchup_completed / changes_applied outcome.
	ChangeCount int             `json:"changeCount,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	ChangeIDs   []int64         `json:"changeIds,omitempty"`
	Applied     []AppliedChange `json:"appliedChanges,omitempty"`

	// heartbeat
	Active bool `json:"active,omitempty"`

	// disconnect / error
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
	Text   string `json:"message,omitempty"`
}

// IsChunked reports whether the message participates in per-chunk
// acknowledgement.
func (m *Message) IsChunked() bool {
	return m.Sequence != nil
}

// Bool is a helper for the optional Success field.
func Bool(v bool) *bool { return &v }
