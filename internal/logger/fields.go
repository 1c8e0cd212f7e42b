package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log
// aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Sync Protocol
	// ========================================================================
	KeyOperation = "operation"  // Sync operation: snapshot, catchup, live, apply
	KeyPhase     = "phase"      // Client session phase
	KeyLSN       = "lsn"        // Log sequence number (major/minor)
	KeyFromLSN   = "from_lsn"   // Range start for catchup replay
	KeyToLSN     = "to_lsn"     // Range end for catchup replay
	KeyMessageID = "message_id" // Wire message identifier
	KeyChunk     = "chunk"      // Chunk index within a message
	KeyChunks    = "chunks"     // Total chunks in a message
	KeyChanges   = "changes"    // Number of changes in a batch or chunk

	// ========================================================================
	// Replicated Data
	// ========================================================================
	KeyTable      = "table"       // Replicated table name
	KeyPrimaryKey = "primary_key" // Row primary key
	KeyChangeOp   = "change_op"   // Change operation: insert, update, delete
	KeyOrigin     = "origin"      // Client that produced a change

	// ========================================================================
	// Client Identification
	// ========================================================================
	KeyClientID   = "client_id"   // Replica client identifier
	KeyClientIP   = "client_ip"   // Client IP address
	KeyClientPort = "client_port" // Client source port

	// ========================================================================
	// Session & Connection
	// ========================================================================
	KeySessionID = "session_id" // Session identifier
	KeyRequestID = "request_id" // HTTP request ID
	KeyServerURL = "server_url" // Sync server base URL

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Protocol error code
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Storage
	// ========================================================================
	KeyDriver = "driver" // Store driver: sqlite, postgres
	KeyDSN    = "dsn"    // Store connection string (redacted where sensitive)
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Operation returns a slog.Attr for the sync operation
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Phase returns a slog.Attr for the client session phase
func Phase(p string) slog.Attr {
	return slog.String(KeyPhase, p)
}

// LSN returns a slog.Attr for a log sequence number
func LSN(v string) slog.Attr {
	return slog.String(KeyLSN, v)
}

// MessageID returns a slog.Attr for a wire message identifier
func MessageID(id string) slog.Attr {
	return slog.String(KeyMessageID, id)
}

// Chunk returns a slog.Attr for a chunk index
func Chunk(n int) slog.Attr {
	return slog.Int(KeyChunk, n)
}

// Chunks returns a slog.Attr for the total chunks in a message
func Chunks(n int) slog.Attr {
	return slog.Int(KeyChunks, n)
}

// Changes returns a slog.Attr for a change count
func Changes(n int) slog.Attr {
	return slog.Int(KeyChanges, n)
}

// Table returns a slog.Attr for a replicated table name
func Table(name string) slog.Attr {
	return slog.String(KeyTable, name)
}

// PrimaryKey returns a slog.Attr for a row primary key
func PrimaryKey(pk string) slog.Attr {
	return slog.String(KeyPrimaryKey, pk)
}

// ChangeOp returns a slog.Attr for a change operation
func ChangeOp(op string) slog.Attr {
	return slog.String(KeyChangeOp, op)
}

// Origin returns a slog.Attr for the client that produced a change
func Origin(id string) slog.Attr {
	return slog.String(KeyOrigin, id)
}

// ClientID returns a slog.Attr for a replica client identifier
func ClientID(id string) slog.Attr {
	return slog.String(KeyClientID, id)
}

// ClientIP returns a slog.Attr for client IP address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// ClientPort returns a slog.Attr for client source port
func ClientPort(port int) slog.Attr {
	return slog.Int(KeyClientPort, port)
}

// SessionID returns a slog.Attr for session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// RequestID returns a slog.Attr for HTTP request ID
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// ServerURL returns a slog.Attr for the sync server base URL
func ServerURL(url string) slog.Attr {
	return slog.String(KeyServerURL, url)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a protocol error code
func ErrorCode(code string) slog.Attr {
	return slog.String(KeyErrorCode, code)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// Driver returns a slog.Attr for the store driver
func Driver(d string) slog.Attr {
	return slog.String(KeyDriver, d)
}

// DSN returns a slog.Attr for the store connection string
func DSN(dsn string) slog.Attr {
	return slog.String(KeyDSN, dsn)
}
