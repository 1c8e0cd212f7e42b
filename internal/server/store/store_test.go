package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
	}, tables.Default)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func taskChange(id, title string, updatedAt int64) wire.Change {
	return wire.Change{
		Table:     "tasks",
		Operation: wire.OpInsert,
		Data: tables.Row{
			"id": id, "title": title, "status": "open",
			"updated_at": float64(updatedAt),
		},
		ChangeID: updatedAt,
	}
}

func TestAppendChanges_AssignsSequentialLSNs(t *testing.T) {
	s := openTestStore(t)

	results, mark, err := s.AppendChanges("client-a", []wire.Change{
		taskChange("t-1", "first", 1),
		taskChange("t-2", "second", 2),
		taskChange("t-3", "third", 3),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, lsn.MustParse("0/3"), mark)

	for i, res := range results {
		require.True(t, res.Success)
		require.NotNil(t, res.LSN)
		require.Equal(t, lsn.LSN{Minor: uint32(i + 1)}, *res.LSN)
	}

	current, err := s.CurrentLSN()
	require.NoError(t, err)
	require.Equal(t, mark, current)

	// The position survives across batches.
	results, mark, err = s.AppendChanges("client-b", []wire.Change{
		taskChange("t-4", "fourth", 4),
	})
	require.NoError(t, err)
	require.Equal(t, lsn.MustParse("0/4"), mark)
	require.Equal(t, lsn.MustParse("0/4"), *results[0].LSN)
}

func TestAppendChanges_PartialFailure(t *testing.T) {
	s := openTestStore(t)

	results, mark, err := s.AppendChanges("client-a", []wire.Change{
		taskChange("t-1", "good", 1),
		{Table: "ghosts", Operation: wire.OpInsert, Data: tables.Row{"id": "g"}, ChangeID: 2},
		taskChange("t-2", "also good", 3),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.Contains(t, results[1].Error, "ghosts")
	require.Nil(t, results[1].LSN)
	require.True(t, results[2].Success)

	// Rejected changes consume no LSN.
	require.Equal(t, lsn.MustParse("0/2"), mark)
}

func TestAppendChanges_LastWriterWins(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.AppendChanges("a", []wire.Change{taskChange("t-1", "newer", 500)})
	require.NoError(t, err)

	// A stale image from another client loses the updated_at comparison
	// and is rejected: no LSN, no history entry, reported as failed.
	results, mark, err := s.AppendChanges("b", []wire.Change{taskChange("t-1", "stale", 300)})
	require.NoError(t, err)
	require.False(t, results[0].Success)
	require.Nil(t, results[0].LSN)
	require.Contains(t, results[0].Error, "stale")
	require.Equal(t, lsn.MustParse("0/1"), mark)

	count, err := s.HistoryCount(lsn.MustParse("0/1"))
	require.NoError(t, err)
	require.Zero(t, count)

	var title string
	require.NoError(t, s.Gorm().Raw("SELECT title FROM tasks WHERE id = ?", "t-1").Scan(&title).Error)
	require.Equal(t, "newer", title)

	// An equal updated_at wins: the comparison accepts at-or-after.
	results, _, err = s.AppendChanges("b", []wire.Change{taskChange("t-1", "tie", 500)})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.NoError(t, s.Gorm().Raw("SELECT title FROM tasks WHERE id = ?", "t-1").Scan(&title).Error)
	require.Equal(t, "tie", title)
}

func TestChangesAfter_OrderAndOriginFilter(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.AppendChanges("client-a", []wire.Change{
		taskChange("t-1", "one", 1),
		taskChange("t-2", "two", 2),
	})
	require.NoError(t, err)
	_, _, err = s.AppendChanges("client-b", []wire.Change{
		taskChange("t-3", "three", 3),
	})
	require.NoError(t, err)

	changes, err := s.ChangesAfter(lsn.Zero, "", 0)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, lsn.MustParse("0/1"), *changes[0].LSN)
	require.Equal(t, lsn.MustParse("0/3"), *changes[2].LSN)

	// Resume mid-stream.
	changes, err = s.ChangesAfter(lsn.MustParse("0/2"), "", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "t-3", changes[0].Data["id"])

	// A client never sees its own changes on fan-out.
	changes, err = s.ChangesAfter(lsn.Zero, "client-a", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "t-3", changes[0].Data["id"])

	count, err := s.HistoryCount(lsn.MustParse("0/1"))
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestChangesAfter_DeleteRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.AppendChanges("a", []wire.Change{taskChange("t-1", "doomed", 1)})
	require.NoError(t, err)
	_, _, err = s.AppendChanges("a", []wire.Change{{
		Table:     "tasks",
		Operation: wire.OpDelete,
		OldData:   tables.Row{"id": "t-1"},
		ChangeID:  2,
	}})
	require.NoError(t, err)

	changes, err := s.ChangesAfter(lsn.MustParse("0/1"), "", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, wire.OpDelete, changes[0].Operation)
	require.Equal(t, "t-1", changes[0].OldData["id"])
}

func TestSnapshotTable(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.AppendChanges("a", []wire.Change{
		taskChange("t-2", "b", 2),
		taskChange("t-1", "a", 1),
	})
	require.NoError(t, err)

	changes, err := s.SnapshotTable("tasks")
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, "t-1", changes[0].Data["id"], "snapshot is PK ordered")

	_, err = s.SnapshotTable("ghosts")
	require.Error(t, err)
}

func TestClients_RegisterLookupTouch(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LookupClient("c-1")
	require.ErrorIs(t, err, ErrUnknownClient)

	c, err := s.RegisterClient("c-1")
	require.NoError(t, err)
	require.Equal(t, "c-1", c.ID)

	// Registration is idempotent.
	again, err := s.RegisterClient("c-1")
	require.NoError(t, err)
	require.Equal(t, c.CreatedAt, again.CreatedAt)

	require.NoError(t, s.TouchClient("c-1", lsn.MustParse("0/AF")))
	got, err := s.LookupClient("c-1")
	require.NoError(t, err)
	require.Equal(t, "0/AF", got.LastLSN)

	require.ErrorIs(t, s.TouchClient("nobody", lsn.Zero), ErrUnknownClient)

	clients, err := s.ListClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
}
