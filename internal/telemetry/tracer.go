package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for replication operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Sync-protocol keys use the "sync." prefix, component-internal keys
// use their component's prefix.
const (
	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrClientID  = "sync.client_id"
	AttrPhase     = "sync.phase" // initial_sync, catchup, live
	AttrLSN       = "sync.lsn"
	AttrFromLSN   = "sync.from_lsn"
	AttrToLSN     = "sync.to_lsn"
	AttrResetSync = "sync.reset"

	// ========================================================================
	// Chunk / batch attributes
	// ========================================================================
	AttrMessageID   = "sync.message_id"
	AttrMessageType = "sync.message_type"
	AttrChunk       = "sync.chunk"
	AttrChunkTotal  = "sync.chunk_total"
	AttrChangeCount = "sync.change_count"
	AttrTable       = "sync.table"
	AttrOperation   = "sync.operation" // insert, update, delete

	// ========================================================================
	// Store attributes
	// ========================================================================
	AttrStoreDriver = "store.driver" // sqlite, postgres
	AttrOrigin      = "store.origin"
	AttrApplied     = "store.applied"
	AttrRejected    = "store.rejected"

	// ========================================================================
	// Outbox attributes
	// ========================================================================
	AttrOutboxPending  = "outbox.pending"
	AttrOutboxAttempts = "outbox.attempts"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Root span for one client connection on the server.
	SpanSession = "session.run"

	// Session phases
	SpanSnapshot = "session.snapshot"
	SpanCatchup  = "session.catchup"

	// Store operations
	SpanStoreAppend   = "store.append"
	SpanStoreSnapshot = "store.snapshot"

	// Replica-side operations
	SpanApplyChunk  = "applier.apply_chunk"
	SpanOutboxDrain = "outbox.drain"
)

// ClientID returns an attribute for the sync client identifier
func ClientID(id string) attribute.KeyValue {
	return attribute.String(AttrClientID, id)
}

// Phase returns an attribute for the session phase
func Phase(phase string) attribute.KeyValue {
	return attribute.String(AttrPhase, phase)
}

// LSN returns an attribute for a log sequence number
func LSN(at string) attribute.KeyValue {
	return attribute.String(AttrLSN, at)
}

// FromLSN returns an attribute for the start of a replayed range
func FromLSN(at string) attribute.KeyValue {
	return attribute.String(AttrFromLSN, at)
}

// ToLSN returns an attribute for the end of a replayed range
func ToLSN(at string) attribute.KeyValue {
	return attribute.String(AttrToLSN, at)
}

// ResetSync returns an attribute for the forced-resync flag
func ResetSync(reset bool) attribute.KeyValue {
	return attribute.Bool(AttrResetSync, reset)
}

// MessageID returns an attribute for the wire message identifier
func MessageID(id string) attribute.KeyValue {
	return attribute.String(AttrMessageID, id)
}

// MessageType returns an attribute for the wire message type
func MessageType(t string) attribute.KeyValue {
	return attribute.String(AttrMessageType, t)
}

// Chunk returns an attribute for a chunk position
func Chunk(chunk int) attribute.KeyValue {
	return attribute.Int(AttrChunk, chunk)
}

// ChunkTotal returns an attribute for the chunk count of a message
func ChunkTotal(total int) attribute.KeyValue {
	return attribute.Int(AttrChunkTotal, total)
}

// ChangeCount returns an attribute for the number of changes carried
func ChangeCount(n int) attribute.KeyValue {
	return attribute.Int(AttrChangeCount, n)
}

// Table returns an attribute for the replicated table name
func Table(name string) attribute.KeyValue {
	return attribute.String(AttrTable, name)
}

// Operation returns an attribute for the change operation
func Operation(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

// StoreDriver returns an attribute for the store driver name
func StoreDriver(driver string) attribute.KeyValue {
	return attribute.String(AttrStoreDriver, driver)
}

// Origin returns an attribute for the producing client of a batch
func Origin(id string) attribute.KeyValue {
	return attribute.String(AttrOrigin, id)
}

// Applied returns an attribute for the accepted change count
func Applied(n int) attribute.KeyValue {
	return attribute.Int(AttrApplied, n)
}

// Rejected returns an attribute for the rejected change count
func Rejected(n int) attribute.KeyValue {
	return attribute.Int(AttrRejected, n)
}

// OutboxPending returns an attribute for the queued record count
func OutboxPending(n int) attribute.KeyValue {
	return attribute.Int(AttrOutboxPending, n)
}

// OutboxAttempts returns an attribute for a record's send attempts
func OutboxAttempts(n int) attribute.KeyValue {
	return attribute.Int(AttrOutboxAttempts, n)
}

// StartSessionSpan starts a span for a session phase, carrying the
// client identity.
func StartSessionSpan(ctx context.Context, name, clientID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ClientID(clientID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartApplySpan starts a span for applying one inbound chunk on the
// replica.
func StartApplySpan(ctx context.Context, messageType string, changes int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		MessageType(messageType),
		ChangeCount(changes),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanApplyChunk, trace.WithAttributes(allAttrs...))
}
