// Package outbox drains locally originated changes to the server.
//
// The outbox is a single background drainer over the change log: it
// selects unsynced records oldest first, ships them as send_changes
// batches, and settles them when the server reports per-change results.
// It only transmits while the session is live; outside live the queue
// simply accumulates.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/wire"
)

// Sender transmits one outbound message on the active session.
type Sender interface {
	Send(ctx context.Context, msg *wire.Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *wire.Message) error

func (f SenderFunc) Send(ctx context.Context, msg *wire.Message) error { return f(ctx, msg) }

// Config holds drainer tuning.
type Config struct {
	// BatchSize is the maximum number of changes per send_changes
	// message. Default: 100
	BatchSize int

	// Interval is the idle poll period; local writes also kick the
	// drainer immediately through Notify. Default: 5s
	Interval time.Duration

	// MaxAttempts bounds automatic resends of a record the server keeps
	// rejecting; beyond it the record waits for an operator retry.
	// Default: 3
	MaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		Interval:    5 * time.Second,
		MaxAttempts: 3,
	}
}

// Outbox is the outbound change drainer.
type Outbox struct {
	db     *changelog.DB
	sender Sender
	cfg    Config

	notify chan struct{}

	mu       sync.Mutex
	live     bool
	started  bool
	inflight map[string][]int64 // messageId -> record IDs awaiting results

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates an outbox over the change log.
func New(db *changelog.DB, sender Sender, cfg Config) *Outbox {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Outbox{
		db:        db,
		sender:    sender,
		cfg:       cfg,
		notify:    make(chan struct{}, 1),
		inflight:  make(map[string][]int64),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (o *Outbox) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	logger.Info("Starting outbound drainer",
		"batch_size", o.cfg.BatchSize, "interval", o.cfg.Interval)
	go o.loop(ctx)
}

// Stop shuts the drainer down and waits for the loop to exit.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	close(o.stopCh)
	<-o.stoppedCh
}

// SetLive flips transmission on or off. Entering live kicks an
// immediate drain so changes queued while offline replay right away;
// leaving live abandons in-flight bookkeeping, the records are still
// unsynced and will be reselected on the next live session.
func (o *Outbox) SetLive(live bool) {
	o.mu.Lock()
	o.live = live
	if !live {
		o.inflight = make(map[string][]int64)
	}
	o.mu.Unlock()

	if live {
		o.Notify()
	}
}

// Notify kicks the drainer; called after every local write.
func (o *Outbox) Notify() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) loop(ctx context.Context) {
	defer close(o.stoppedCh)

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-o.notify:
		case <-ticker.C:
		}

		if err := o.drainOnce(ctx); err != nil {
			logger.Warn("Outbound drain failed", "error", err)
		}
	}
}

// drainOnce ships at most one batch. One batch stays in flight at a
// time; ordering across batches is the server's to preserve and ours to
// not scramble.
func (o *Outbox) drainOnce(ctx context.Context) error {
	o.mu.Lock()
	if !o.live || len(o.inflight) > 0 {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	recs, err := o.db.SelectUnsynced(0)
	if err != nil {
		return err
	}

	var (
		batch []wire.Change
		ids   []int64
	)
	for _, rec := range recs {
		if rec.Attempts >= o.cfg.MaxAttempts {
			continue
		}
		change, err := rec.ToChange()
		if err != nil {
			// Corrupt record: park it for the operator instead of
			// wedging the whole queue.
			logger.Error("Skipping corrupt change log record", "id", rec.ID, "error", err)
			if markErr := o.db.MarkFailed(rec.ID, err.Error()); markErr != nil {
				return markErr
			}
			continue
		}
		batch = append(batch, change)
		ids = append(ids, rec.ID)
		if len(batch) >= o.cfg.BatchSize {
			break
		}
	}
	if len(batch) == 0 {
		return nil
	}

	msg := &wire.Message{
		Type:        wire.TypeSendChanges,
		MessageID:   wire.NewMessageID(),
		Changes:     batch,
		ChangeCount: len(batch),
	}

	o.mu.Lock()
	o.inflight[msg.MessageID] = ids
	o.mu.Unlock()

	if err := o.sender.Send(ctx, msg); err != nil {
		o.mu.Lock()
		delete(o.inflight, msg.MessageID)
		o.mu.Unlock()
		return fmt.Errorf("failed to send batch of %d changes: %w", len(batch), err)
	}

	logger.Debug("Sent outbound batch", "message_id", msg.MessageID, "changes", len(batch))
	return nil
}

// HandleReceived processes the server receipt acknowledgement. Receipt
// is not durability; records settle only on changes_applied.
func (o *Outbox) HandleReceived(msg *wire.Message) {
	o.mu.Lock()
	_, known := o.inflight[msg.InReplyTo]
	o.mu.Unlock()
	if !known {
		logger.Debug("Receipt for unknown batch", "in_reply_to", msg.InReplyTo)
		return
	}
	logger.Debug("Server received batch", "message_id", msg.InReplyTo)
}

// HandleApplied settles a batch from the per-change results: successes
// store the assigned LSN and flip processed_sync, failures increment the
// retry counter. The next drain runs immediately after settling.
func (o *Outbox) HandleApplied(msg *wire.Message) error {
	o.mu.Lock()
	ids, known := o.inflight[msg.InReplyTo]
	delete(o.inflight, msg.InReplyTo)
	o.mu.Unlock()

	if !known {
		// Results for a batch from a previous session; the records were
		// reselected already, nothing to settle here.
		logger.Warn("Results for unknown batch", "in_reply_to", msg.InReplyTo)
		return nil
	}

	results := make(map[int64]wire.AppliedChange, len(msg.Applied))
	for _, applied := range msg.Applied {
		results[applied.ChangeID] = applied
	}

	for _, id := range ids {
		res, ok := results[id]
		if !ok {
			if err := o.db.MarkFailed(id, "no result from server"); err != nil {
				return err
			}
			continue
		}
		if res.Success {
			if res.LSN == nil {
				if err := o.db.MarkFailed(id, "server result missing LSN"); err != nil {
					return err
				}
				continue
			}
			if err := o.db.MarkSynced(id, *res.LSN); err != nil {
				return err
			}
			continue
		}
		reason := res.Error
		if reason == "" {
			reason = "rejected by server"
		}
		if err := o.db.MarkFailed(id, reason); err != nil {
			return err
		}
	}

	o.Notify()
	return nil
}

// InflightCount reports batches awaiting server results.
func (o *Outbox) InflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}
