// Package applier validates and applies batches of server changes to the
// replica store.
//
// Each chunk executes inside a single transaction: row mutations, change
// log records, and nothing else. The persisted LSN advances immediately
// after the commit; because replay is idempotent, a crash between commit
// and advance re-applies the chunk as a no-op.
//
// Failures come in three flavors, returned as a value instead of thrown:
// ok, retryable (engine contention, transient I/O), and fatal (schema
// mismatch, unresolvable constraint). Retryables are retried with
// exponential backoff up to the configured budget, then escalate.
package applier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/internal/client/state"
	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/internal/telemetry"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/wire"
)

// DefaultMaxRetries bounds retryable re-execution of one chunk.
const DefaultMaxRetries = 3

// Outcome is the three-valued result of applying a chunk.
type Outcome int

const (
	Ok Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Result reports one chunk application.
type Result struct {
	Outcome Outcome
	Err     error

	// FailedTable/FailedKey identify the failing record on a fatal
	// outcome so the operator sees which row is stuck.
	FailedTable string
	FailedKey   string
}

// fatalError wraps an error that must not be retried.
type fatalError struct {
	err   error
	table string
	key   string
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Applier applies inbound server chunks.
type Applier struct {
	db         *changelog.DB
	state      *state.Store
	maxRetries int
}

// New returns an applier over the replica store.
func New(db *changelog.DB, st *state.Store, maxRetries int) *Applier {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Applier{db: db, state: st, maxRetries: maxRetries}
}

// DB returns the replica database the applier writes to.
func (a *Applier) DB() *changelog.DB { return a.db }

// ApplyChunk applies one chunk of server changes and, on success,
// advances the persisted applied LSN to chunkLSN.
//
// Changes apply in array order. A change whose identity already exists
// at or beyond its LSN is skipped (idempotent replay). Unknown tables
// and unresolvable rows are fatal: the transaction rolls back, the LSN
// stays put, and the failing identity is reported upward.
func (a *Applier) ApplyChunk(ctx context.Context, changes []wire.Change, chunkLSN lsn.LSN) Result {
	ctx, span := telemetry.StartApplySpan(ctx, "server_changes", len(changes),
		telemetry.LSN(chunkLSN.String()))
	defer span.End()

	operation := func() error {
		return a.applyOnce(changes, chunkLSN)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		),
		uint64(a.maxRetries),
	), ctx)

	err := backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return backoff.Permanent(err)
		}
		logger.Warn("Retryable applier failure", "error", err)
		return err
	}, policy)

	if err == nil {
		if err := a.state.AdvanceLSN(chunkLSN); err != nil {
			// A regressing chunk LSN is a protocol-level bug upstream.
			return Result{Outcome: Fatal, Err: err}
		}
		return Result{Outcome: Ok}
	}

	telemetry.RecordError(ctx, err)

	var fatal *fatalError
	if errors.As(err, &fatal) {
		a.recordFailure(fatal)
		return Result{
			Outcome:     Fatal,
			Err:         fatal.err,
			FailedTable: fatal.table,
			FailedKey:   fatal.key,
		}
	}

	// Retry budget exhausted: escalate to fatal per the error policy.
	return Result{Outcome: Fatal, Err: fmt.Errorf("retries exhausted: %w", err)}
}

func (a *Applier) applyOnce(changes []wire.Change, chunkLSN lsn.LSN) error {
	registry := a.db.Registry()

	return a.db.Transaction(func(tx *gorm.DB) error {
		var recs []*changelog.Record

		for i := range changes {
			change := changes[i]

			table, pk, ok := change.Key(registry)
			if !ok {
				return &fatalError{
					err:   fmt.Errorf("change for table %q has no resolvable identity", change.Table),
					table: change.Table,
				}
			}
			if !change.Operation.Valid() {
				return &fatalError{
					err:   fmt.Errorf("change %s/%s has unknown operation %q", table, pk, change.Operation),
					table: table,
					key:   pk,
				}
			}

			changeLSN := chunkLSN
			if change.LSN != nil {
				changeLSN = *change.LSN
			}
			applied, err := changelog.AlreadyAppliedTx(tx, table, pk, changeLSN)
			if err != nil {
				return classify(err, table, pk)
			}
			if applied {
				continue
			}

			desc, _ := registry.Lookup(table)
			switch change.Operation {
			case wire.OpInsert, wire.OpUpdate:
				// Upsert with last-writer-wins on updated_at; an older
				// image losing the comparison is still a success.
				if _, err := changelog.UpsertRow(tx, desc, change.Data); err != nil {
					return classify(err, table, pk)
				}
			case wire.OpDelete:
				if err := changelog.DeleteRow(tx, desc, pk); err != nil {
					return classify(err, table, pk)
				}
			}

			rec, err := changelog.NewRecord(change, registry)
			if err != nil {
				return &fatalError{err: err, table: table, key: pk}
			}
			recs = append(recs, rec)
		}

		if err := changelog.AppendServerTx(tx, recs); err != nil {
			return classify(err, "", "")
		}
		return nil
	})
}

// recordFailure leaves an unprocessed change log record describing the
// fatal change so the operator surface can show and retry it. Best
// effort: the session is going down either way.
func (a *Applier) recordFailure(fatal *fatalError) {
	rec := &changelog.Record{
		Table:          fatal.table,
		PrimaryKey:     fatal.key,
		Operation:      "apply",
		Timestamp:      time.Now().UnixMilli(),
		FromServer:     true,
		ProcessedLocal: false,
		ProcessedSync:  true,
		Attempts:       a.maxRetries,
		Error:          fatal.err.Error(),
	}
	if err := a.db.Gorm().Create(rec).Error; err != nil {
		logger.Error("Failed to record applier failure", "error", err,
			"table", fatal.table, "key", fatal.key)
	}
}

// classify maps engine errors onto the retryable/fatal split. SQLite
// contention and transient I/O retry; everything else is fatal.
func classify(err error, table, pk string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "busy"),
		strings.Contains(msg, "disk i/o error"),
		strings.Contains(msg, "interrupted"):
		return err
	}
	return &fatalError{err: err, table: table, key: pk}
}
