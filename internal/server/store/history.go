package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

// HistoryRecord is one entry of the served change history. The history
// is the catchup source: everything a client missed is replayed from
// here in LSN order.
type HistoryRecord struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Major      uint32 `gorm:"index:idx_history_lsn,priority:1"`
	Minor      uint32 `gorm:"index:idx_history_lsn,priority:2"`
	Table      string `gorm:"column:table_name;size:64"`
	PrimaryKey string `gorm:"column:primary_key;size:255"`
	Operation  string `gorm:"size:16"`
	Data       string

	// OriginID is the producing client, empty for server-side writes.
	// Live fan-out skips the origin.
	OriginID string `gorm:"size:64;index"`

	CreatedAt int64
}

// TableName returns the SQL table name for HistoryRecord.
func (HistoryRecord) TableName() string { return "server_changes" }

// LSN returns the record position.
func (h *HistoryRecord) LSN() lsn.LSN {
	return lsn.LSN{Major: h.Major, Minor: h.Minor}
}

// ToChange rebuilds the wire change for replay.
func (h *HistoryRecord) ToChange() (wire.Change, error) {
	at := h.LSN()
	change := wire.Change{
		Table:     h.Table,
		Operation: wire.Operation(h.Operation),
		LSN:       &at,
	}
	if h.Data != "" {
		if err := json.Unmarshal([]byte(h.Data), &change.Data); err != nil {
			return wire.Change{}, fmt.Errorf("history record %d has corrupt data: %w", h.ID, err)
		}
		if ts, ok := change.Data["updated_at"].(float64); ok {
			change.UpdatedAt = int64(ts)
		}
	}
	if change.Operation == wire.OpDelete {
		change.OldData = tables.Row{"id": h.PrimaryKey}
	}
	return change, nil
}

// Position is the single-row LSN high-water mark.
type Position struct {
	ID    int `gorm:"primaryKey"`
	Major uint32
	Minor uint32
}

// TableName returns the SQL table name for Position.
func (Position) TableName() string { return "sync_position" }

// CurrentLSN returns the highest assigned LSN, Zero on a fresh store.
func (s *Store) CurrentLSN() (lsn.LSN, error) {
	var pos Position
	if err := s.gorm.First(&pos, 1).Error; err != nil {
		return lsn.Zero, fmt.Errorf("failed to read sync position: %w", err)
	}
	return lsn.LSN{Major: pos.Major, Minor: pos.Minor}, nil
}

// AppendChanges validates and applies a client batch, assigning one LSN
// per accepted change. The whole batch commits in one transaction;
// per-change validation failures are reported in the result without
// poisoning the rest of the batch. Returns the per-change results and
// the new high-water mark.
func (s *Store) AppendChanges(origin string, changes []wire.Change) ([]wire.AppliedChange, lsn.LSN, error) {
	results := make([]wire.AppliedChange, 0, len(changes))
	var mark lsn.LSN

	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		// SQLite serialises writers on its own; Postgres needs the
		// row lock to keep LSN assignment single-file.
		q := tx
		if s.driver == DriverPostgres {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var pos Position
		if err := q.First(&pos, 1).Error; err != nil {
			return fmt.Errorf("failed to lock sync position: %w", err)
		}
		next := lsn.LSN{Major: pos.Major, Minor: pos.Minor}

		for i := range changes {
			change := changes[i]
			res := wire.AppliedChange{ChangeID: change.ChangeID}

			assigned, err := s.applyOne(tx, origin, change, next)
			if err != nil {
				res.Error = err.Error()
				results = append(results, res)
				continue
			}

			next = assigned
			res.Success = true
			at := assigned
			res.LSN = &at
			results = append(results, res)
		}

		pos.Major, pos.Minor = next.Major, next.Minor
		if err := tx.Save(&pos).Error; err != nil {
			return fmt.Errorf("failed to advance sync position: %w", err)
		}
		mark = next
		return nil
	})
	if err != nil {
		return nil, lsn.Zero, err
	}
	return results, mark, nil
}

// applyOne validates, mutates the domain table, and records history for
// a single change. Returns the LSN it was assigned.
func (s *Store) applyOne(tx *gorm.DB, origin string, change wire.Change, prev lsn.LSN) (lsn.LSN, error) {
	table, pk, ok := change.Key(s.registry)
	if !ok {
		return lsn.Zero, fmt.Errorf("change for table %q has no resolvable identity", change.Table)
	}
	if !change.Operation.Valid() {
		return lsn.Zero, fmt.Errorf("unknown operation %q", change.Operation)
	}
	desc, _ := s.registry.Lookup(table)

	var data string
	switch change.Operation {
	case wire.OpInsert, wire.OpUpdate:
		applied, err := s.upsertRow(tx, desc, change.Data)
		if err != nil {
			return lsn.Zero, err
		}
		if !applied {
			// Lost the updated_at comparison: no LSN, no history entry.
			// The producing client surfaces the change as failed.
			return lsn.Zero, fmt.Errorf("stale change for %s/%s: stored row is newer", table, pk)
		}
		encoded, err := json.Marshal(change.Data)
		if err != nil {
			return lsn.Zero, fmt.Errorf("failed to encode change data: %w", err)
		}
		data = string(encoded)
	case wire.OpDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", desc.Name, desc.PrimaryKey)
		if err := tx.Exec(query, pk).Error; err != nil {
			return lsn.Zero, fmt.Errorf("delete %s/%s: %w", desc.Name, pk, err)
		}
	}

	assigned := prev.Next()
	rec := HistoryRecord{
		Major:      assigned.Major,
		Minor:      assigned.Minor,
		Table:      table,
		PrimaryKey: pk,
		Operation:  string(change.Operation),
		Data:       data,
		OriginID:   origin,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := tx.Create(&rec).Error; err != nil {
		return lsn.Zero, fmt.Errorf("failed to record history for %s/%s: %w", table, pk, err)
	}
	return assigned, nil
}

// upsertRow is the server-side last-writer-wins write: the incoming
// image wins when its updated_at is at or after the stored one.
func (s *Store) upsertRow(tx *gorm.DB, desc tables.Descriptor, row tables.Row) (bool, error) {
	values, err := desc.CoerceRow(row)
	if err != nil {
		return false, err
	}
	if _, ok := values[desc.PrimaryKey]; !ok {
		return false, fmt.Errorf("row for %s has no primary key", desc.Name)
	}

	cols := make([]string, 0, len(values))
	for name := range values {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	sets := make([]string, 0, len(cols))
	for i, name := range cols {
		placeholders[i] = "?"
		args[i] = values[name]
		if name != desc.PrimaryKey {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", name, name))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE excluded.updated_at >= COALESCE(%s.updated_at, 0)",
		desc.Name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		desc.PrimaryKey,
		strings.Join(sets, ", "),
		desc.Name,
	)

	res := tx.Exec(query, args...)
	if res.Error != nil {
		return false, fmt.Errorf("upsert %s: %w", desc.Name, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ChangesAfter returns up to limit history entries with LSN strictly
// beyond after, in LSN order. excludeOrigin, when non-empty, filters
// out the changes that client produced itself.
func (s *Store) ChangesAfter(after lsn.LSN, excludeOrigin string, limit int) ([]wire.Change, error) {
	q := s.gorm.
		Where("major > ? OR (major = ? AND minor > ?)", after.Major, after.Major, after.Minor).
		Order("major ASC, minor ASC")
	if excludeOrigin != "" {
		q = q.Where("origin_id <> ?", excludeOrigin)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []HistoryRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to read history after %s: %w", after, err)
	}

	changes := make([]wire.Change, 0, len(recs))
	for i := range recs {
		change, err := recs[i].ToChange()
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// HistoryCount returns the number of history entries beyond after.
func (s *Store) HistoryCount(after lsn.LSN) (int64, error) {
	var count int64
	err := s.gorm.Model(&HistoryRecord{}).
		Where("major > ? OR (major = ? AND minor > ?)", after.Major, after.Major, after.Minor).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// SnapshotTable reads every row of one replicated table as wire
// changes, for the initial sync stream.
func (s *Store) SnapshotTable(name string) ([]wire.Change, error) {
	desc, ok := s.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}

	var rows []map[string]any
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", desc.Name, desc.PrimaryKey)
	if err := s.gorm.Raw(query).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
	}

	changes := make([]wire.Change, 0, len(rows))
	for _, row := range rows {
		change := wire.Change{
			Table:     name,
			Operation: wire.OpInsert,
			Data:      tables.Row(row),
		}
		if ts, ok := row["updated_at"].(int64); ok {
			change.UpdatedAt = ts
		}
		changes = append(changes, change)
	}
	return changes, nil
}
