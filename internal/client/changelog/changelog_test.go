package changelog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "replica.db"), tables.Default)
	require.NoError(t, err)
	return db
}

func taskInsert(id, title string, updatedAt int64) wire.Change {
	return wire.Change{
		Table:     "tasks",
		Operation: wire.OpInsert,
		Data: tables.Row{
			"id":         id,
			"title":      title,
			"status":     "open",
			"updated_at": float64(updatedAt),
		},
		UpdatedAt: updatedAt,
	}
}

func TestOpen_SchemaAndBaseline(t *testing.T) {
	db := openTestDB(t)

	// Replicated tables exist.
	for _, name := range tables.Default.Names() {
		_, err := CountRows(db.Gorm(), name)
		require.NoError(t, err, "table %s should exist", name)
	}

	// The baseline migration is recorded; the session may proceed.
	require.NoError(t, db.RequireMigrations(BaselineMigration))
	require.ErrorIs(t, db.RequireMigrations("0002_future"), ErrMigrationMissing)
}

func TestApplyLocal_InsertCreatesRowAndRecord(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.ApplyLocal(taskInsert("t-1", "write spec", 100))
	require.NoError(t, err)
	require.False(t, rec.FromServer)
	require.True(t, rec.ProcessedLocal)
	require.False(t, rec.ProcessedSync)
	require.Equal(t, "tasks", rec.Table)
	require.Equal(t, "t-1", rec.PrimaryKey)

	row, found, err := GetRow(db.Gorm(), tables.Tasks, "t-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "write spec", row["title"])
}

func TestApplyLocal_DeleteAbsentRowSucceeds(t *testing.T) {
	db := openTestDB(t)

	_, err := db.ApplyLocal(wire.Change{
		Table:     "tasks",
		Operation: wire.OpDelete,
		OldData:   tables.Row{"id": "ghost"},
	})
	require.NoError(t, err)
}

func TestApplyLocal_UnknownTable(t *testing.T) {
	db := openTestDB(t)

	_, err := db.ApplyLocal(wire.Change{
		Table:     "ghosts",
		Operation: wire.OpInsert,
		Data:      tables.Row{"id": "g-1"},
	})
	require.Error(t, err)
}

func TestUpsertRow_LastWriterWins(t *testing.T) {
	db := openTestDB(t)

	_, err := db.ApplyLocal(taskInsert("t-1", "old title", 100))
	require.NoError(t, err)

	// A newer image replaces the row.
	err = db.Transaction(func(tx *gorm.DB) error {
		applied, err := UpsertRow(tx, tables.Tasks, tables.Row{
			"id": "t-1", "title": "new title", "updated_at": float64(200),
		})
		require.NoError(t, err)
		require.True(t, applied)
		return nil
	})
	require.NoError(t, err)

	// An older image is discarded.
	err = db.Transaction(func(tx *gorm.DB) error {
		applied, err := UpsertRow(tx, tables.Tasks, tables.Row{
			"id": "t-1", "title": "stale title", "updated_at": float64(150),
		})
		require.NoError(t, err)
		require.False(t, applied)
		return nil
	})
	require.NoError(t, err)

	row, _, err := GetRow(db.Gorm(), tables.Tasks, "t-1")
	require.NoError(t, err)
	require.Equal(t, "new title", row["title"])
}

func TestSelectUnsynced_OrderAndMarkSynced(t *testing.T) {
	db := openTestDB(t)

	r1, err := db.ApplyLocal(taskInsert("t-1", "first", 100))
	require.NoError(t, err)
	r2, err := db.ApplyLocal(taskInsert("t-2", "second", 200))
	require.NoError(t, err)

	recs, err := db.SelectUnsynced(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, r1.ID, recs[0].ID, "oldest first")
	require.Equal(t, r2.ID, recs[1].ID)

	require.NoError(t, db.MarkSynced(r1.ID, lsn.MustParse("0/10")))

	recs, err = db.SelectUnsynced(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, r2.ID, recs[0].ID)

	count, err := db.PendingCount()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestMarkFailed_AndReset(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.ApplyLocal(taskInsert("t-1", "x", 100))
	require.NoError(t, err)

	require.NoError(t, db.MarkFailed(rec.ID, "server said no"))
	require.NoError(t, db.MarkFailed(rec.ID, "server said no again"))

	errored, err := db.SelectErrored()
	require.NoError(t, err)
	require.Len(t, errored, 1)
	require.Equal(t, 2, errored[0].Attempts)
	require.Equal(t, "server said no again", errored[0].Error)

	require.NoError(t, db.ResetAttempts(rec.ID))
	errored, err = db.SelectErrored()
	require.NoError(t, err)
	require.Empty(t, errored)
}

func TestAppendServerTx_AndAlreadyApplied(t *testing.T) {
	db := openTestDB(t)

	at := lsn.MustParse("0/C")
	change := taskInsert("t-1", "from server", 100)
	change.LSN = &at

	rec, err := NewRecord(change, tables.Default)
	require.NoError(t, err)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return AppendServerTx(tx, []*Record{rec})
	}))
	require.True(t, rec.FromServer)
	require.True(t, rec.ProcessedSync, "server records are authoritative")

	// Same identity at an earlier or equal LSN is already applied.
	already, err := AlreadyAppliedTx(db.Gorm(), "tasks", "t-1", lsn.MustParse("0/C"))
	require.NoError(t, err)
	require.True(t, already)

	already, err = AlreadyAppliedTx(db.Gorm(), "tasks", "t-1", lsn.MustParse("0/D"))
	require.NoError(t, err)
	require.False(t, already)
}

func TestRecordToChange_RoundTrip(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.ApplyLocal(taskInsert("t-1", "round trip", 123))
	require.NoError(t, err)

	change, err := rec.ToChange()
	require.NoError(t, err)
	require.Equal(t, "tasks", change.Table)
	require.Equal(t, wire.OpInsert, change.Operation)
	require.Equal(t, rec.ID, change.ChangeID)
	require.EqualValues(t, 123, change.UpdatedAt)
	require.Equal(t, "round trip", change.Data["title"])
	require.Nil(t, change.LSN)
}
