package metrics

// SyncMetrics provides observability for server-side sync sessions.
//
// Implementations record session lifecycle, chunk delivery, and the
// fate of inbound client batches. The interface is optional: a nil
// SyncMetrics disables collection with zero overhead.
type SyncMetrics interface {
	// SessionStarted marks one client session as connected.
	SessionStarted()

	// SessionEnded marks one client session as gone.
	SessionEnded()

	// ChunkSent records one outbound chunk by message type
	// (init_changes, catchup_changes, live_changes).
	ChunkSent(msgType string)

	// ChunkAcked records one acknowledged chunk by message type.
	ChunkAcked(msgType string)

	// AckTimeout records a session cut off for a missed chunk ACK.
	AckTimeout()

	// BatchReceived records an inbound send_changes batch of n changes.
	BatchReceived(n int)

	// ChangesApplied records n changes committed to the store.
	ChangesApplied(n int)

	// ChangesRejected records n changes refused validation.
	ChangesRejected(n int)
}

// NewSyncMetrics creates a Prometheus-backed SyncMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewSyncMetrics() SyncMetrics {
	if !IsEnabled() || newPrometheusSyncMetrics == nil {
		return nil
	}
	return newPrometheusSyncMetrics()
}

// newPrometheusSyncMetrics is implemented in pkg/metrics/prometheus.
// The indirection avoids an import cycle while keeping the API clean.
var newPrometheusSyncMetrics func() SyncMetrics

// RegisterSyncMetricsConstructor registers the Prometheus sync metrics
// constructor. Called by pkg/metrics/prometheus during package init.
func RegisterSyncMetricsConstructor(constructor func() SyncMetrics) {
	newPrometheusSyncMetrics = constructor
}
