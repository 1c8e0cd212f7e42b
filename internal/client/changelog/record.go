package changelog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

// Record is one row of the local change log.
//
// For FromServer records ProcessedSync is always true (the server is
// authoritative). A locally originated record is complete only when both
// ProcessedLocal and ProcessedSync are set. Records are retained for
// audit; there is no garbage collection.
type Record struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Table      string `gorm:"column:table_name;size:64;index:idx_change_identity,priority:1"`
	PrimaryKey string `gorm:"column:primary_key;size:255;index:idx_change_identity,priority:2"`
	Operation  string `gorm:"size:16"`
	Data       string
	OldData    string

	// Timestamp is the local insertion time in unix millis; it orders
	// outbound replay.
	Timestamp int64 `gorm:"index"`

	ProcessedLocal bool
	ProcessedSync  bool `gorm:"index"`
	FromServer     bool

	Attempts int
	Error    string

	// LSN is the server-assigned position in wire form, set when the
	// server emits or acknowledges the change.
	LSN string `gorm:"column:lsn;size:32"`
}

// TableName returns the SQL table name for Record.
func (Record) TableName() string { return "change_log" }

// ServerLSN decodes the stored LSN. The second return is false when no
// LSN has been assigned yet.
func (r *Record) ServerLSN() (lsn.LSN, bool) {
	if r.LSN == "" {
		return lsn.Zero, false
	}
	l, err := lsn.Parse(r.LSN)
	if err != nil {
		return lsn.Zero, false
	}
	return l, true
}

// NewRecord builds the change log row for a change. The caller sets the
// processing flags before inserting.
func NewRecord(change wire.Change, registry *tables.Registry) (*Record, error) {
	table, pk, ok := change.Key(registry)
	if !ok {
		return nil, fmt.Errorf("change for table %q has no resolvable identity", change.Table)
	}
	if !change.Operation.Valid() {
		return nil, fmt.Errorf("change %s/%s has unknown operation %q", table, pk, change.Operation)
	}

	rec := &Record{
		Table:      table,
		PrimaryKey: pk,
		Operation:  string(change.Operation),
		Timestamp:  time.Now().UnixMilli(),
	}
	if change.LSN != nil {
		rec.LSN = change.LSN.String()
	}
	if change.Data != nil {
		data, err := json.Marshal(change.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode change data: %w", err)
		}
		rec.Data = string(data)
	}
	if change.OldData != nil {
		data, err := json.Marshal(change.OldData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode change pre-image: %w", err)
		}
		rec.OldData = string(data)
	}
	return rec, nil
}

// ToChange rebuilds the wire change for outbound replay.
func (r *Record) ToChange() (wire.Change, error) {
	change := wire.Change{
		Table:     r.Table,
		Operation: wire.Operation(r.Operation),
		UpdatedAt: r.Timestamp,
		ChangeID:  r.ID,
	}
	if r.Data != "" {
		if err := json.Unmarshal([]byte(r.Data), &change.Data); err != nil {
			return wire.Change{}, fmt.Errorf("change log record %d has corrupt data: %w", r.ID, err)
		}
		if ts, ok := change.Data["updated_at"].(float64); ok {
			change.UpdatedAt = int64(ts)
		}
	}
	if r.OldData != "" {
		if err := json.Unmarshal([]byte(r.OldData), &change.OldData); err != nil {
			return wire.Change{}, fmt.Errorf("change log record %d has corrupt pre-image: %w", r.ID, err)
		}
	}
	if l, ok := r.ServerLSN(); ok {
		change.LSN = &l
	}
	return change, nil
}
