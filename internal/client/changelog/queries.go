package changelog

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/wire"
)

// ApplyLocal performs a locally originated mutation: the row change and
// its change log record commit in one transaction. The record starts
// with processed_local=true and processed_sync=false and is picked up by
// the outbound queue once the session is live.
func (d *DB) ApplyLocal(change wire.Change) (*Record, error) {
	rec, err := NewRecord(change, d.registry)
	if err != nil {
		return nil, err
	}
	rec.FromServer = false
	rec.ProcessedLocal = true
	rec.ProcessedSync = false

	desc, _ := d.registry.Lookup(rec.Table)
	err = d.gorm.Transaction(func(tx *gorm.DB) error {
		switch change.Operation {
		case wire.OpInsert, wire.OpUpdate:
			if _, err := UpsertRow(tx, desc, change.Data); err != nil {
				return err
			}
		case wire.OpDelete:
			if err := DeleteRow(tx, desc, rec.PrimaryKey); err != nil {
				return err
			}
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply local change: %w", err)
	}
	return rec, nil
}

// AppendServerTx inserts the change log rows for an applied server chunk
// inside the applier's transaction. Server records are authoritative:
// both processing flags are set.
func AppendServerTx(tx *gorm.DB, recs []*Record) error {
	for _, rec := range recs {
		rec.FromServer = true
		rec.ProcessedLocal = true
		rec.ProcessedSync = true
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to append server change record: %w", err)
		}
	}
	return nil
}

// MarkSynced records the server acknowledgement of a local change: the
// assigned LSN is stored and processed_sync flips to true.
func (d *DB) MarkSynced(id int64, assigned lsn.LSN) error {
	res := d.gorm.Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
		"processed_sync": true,
		"lsn":            assigned.String(),
		"error":          "",
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mark record %d synced: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cannot mark record %d synced: no such record", id)
	}
	return nil
}

// MarkFailed increments the retry counter and stores the failure reason.
// The record stays pending; failed changes are surfaced, never dropped.
func (d *DB) MarkFailed(id int64, reason string) error {
	res := d.gorm.Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
		"attempts": gorm.Expr("attempts + 1"),
		"error":    reason,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mark record %d failed: %w", id, res.Error)
	}
	return nil
}

// SelectUnsynced returns locally originated records not yet confirmed by
// the server, oldest first, for outbound replay.
func (d *DB) SelectUnsynced(limit int) ([]*Record, error) {
	var recs []*Record
	q := d.gorm.
		Where("from_server = ? AND processed_sync = ?", false, false).
		Order("timestamp ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to select unsynced records: %w", err)
	}
	return recs, nil
}

// SelectFailed returns records that failed local processing and still
// have retry budget.
func (d *DB) SelectFailed(maxAttempts int) ([]*Record, error) {
	var recs []*Record
	err := d.gorm.
		Where("processed_local = ? AND attempts < ?", false, maxAttempts).
		Order("timestamp ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select failed records: %w", err)
	}
	return recs, nil
}

// SelectErrored returns pending outbound records that have recorded at
// least one failure, for the operator surface.
func (d *DB) SelectErrored() ([]*Record, error) {
	var recs []*Record
	err := d.gorm.
		Where("from_server = ? AND processed_sync = ? AND attempts > 0", false, false).
		Order("timestamp ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select errored records: %w", err)
	}
	return recs, nil
}

// ResetAttempts clears the retry bookkeeping of a record so the operator
// can retry a change that exhausted its budget.
func (d *DB) ResetAttempts(id int64) error {
	res := d.gorm.Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
		"attempts": 0,
		"error":    "",
	})
	if res.Error != nil {
		return fmt.Errorf("failed to reset attempts on record %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cannot reset record %d: no such record", id)
	}
	return nil
}

// AlreadyAppliedTx reports whether a server change with this identity is
// already recorded at or beyond the given LSN. Replaying such a change
// is a no-op.
func AlreadyAppliedTx(tx *gorm.DB, table, pk string, at lsn.LSN) (bool, error) {
	var recs []Record
	err := tx.
		Where("table_name = ? AND primary_key = ? AND from_server = ? AND lsn <> ''", table, pk, true).
		Find(&recs).Error
	if err != nil {
		return false, fmt.Errorf("failed to check applied LSN for %s/%s: %w", table, pk, err)
	}
	for i := range recs {
		if l, ok := recs[i].ServerLSN(); ok && !l.Less(at) {
			return true, nil
		}
	}
	return false, nil
}

// PendingCount returns the number of locally originated records awaiting
// server confirmation.
func (d *DB) PendingCount() (int64, error) {
	var count int64
	err := d.gorm.Model(&Record{}).
		Where("from_server = ? AND processed_sync = ?", false, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}
