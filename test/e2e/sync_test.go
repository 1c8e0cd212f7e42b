//go:build e2e

package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/client/session"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/test/e2e/helpers"
)

const waitFor = 10 * time.Second

// TestInitialSync verifies that a fresh replica downloads the full
// snapshot and ends up at the server's high-water mark.
func TestInitialSync(t *testing.T) {
	srv := helpers.StartServer(t)
	mark := srv.SeedTasks(t, 250)

	agent := helpers.StartAgent(t, srv, t.TempDir())
	agent.WaitPhase(t, session.Live, waitFor)

	agent.CountRows(t, "tasks", 250, waitFor)
	assert.Equal(t, 0, lsn.Compare(mark, agent.State.AppliedLSN()))
}

// TestLiveStreaming verifies that server-side writes reach a live
// replica without reconnecting.
func TestLiveStreaming(t *testing.T) {
	srv := helpers.StartServer(t)

	agent := helpers.StartAgent(t, srv, t.TempDir())
	agent.WaitPhase(t, session.Live, waitFor)

	srv.AppendServerChanges(t, helpers.TaskInsert("live-1", "streamed", 100))
	agent.CountRows(t, "tasks", 1, waitFor)
}

// TestLocalChangesReachServerAndPeers drives a local write through the
// outbox to the server and on to a second replica.
func TestLocalChangesReachServerAndPeers(t *testing.T) {
	srv := helpers.StartServer(t)

	a := helpers.StartAgent(t, srv, t.TempDir())
	b := helpers.StartAgent(t, srv, t.TempDir())
	a.WaitPhase(t, session.Live, waitFor)
	b.WaitPhase(t, session.Live, waitFor)

	rec := a.LocalInsert(t, "from-a", "written on a", 100)

	// The server applies the batch and assigns an LSN.
	deadline := time.Now().Add(waitFor)
	for {
		current, err := srv.Store.CurrentLSN()
		require.NoError(t, err)
		if !current.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never applied the local change")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The peer receives the fan-out.
	b.CountRows(t, "tasks", 1, waitFor)

	// The originating record settles: synced, with the assigned LSN.
	for {
		var synced bool
		rows, err := a.DB.SelectUnsynced(10)
		require.NoError(t, err)
		synced = len(rows) == 0
		if synced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record %d never settled", rec.ID)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestCatchupAfterRestart stops a replica, lets the server move on, and
// verifies the restarted replica converges through catchup rather than
// another full snapshot.
func TestCatchupAfterRestart(t *testing.T) {
	srv := helpers.StartServer(t)
	srv.SeedTasks(t, 5)

	dataDir := t.TempDir()
	agent := helpers.StartAgent(t, srv, dataDir)
	agent.WaitPhase(t, session.Live, waitFor)
	agent.CountRows(t, "tasks", 5, waitFor)
	agent.Stop()

	srv.AppendServerChanges(t,
		helpers.TaskInsert("gap-1", "missed while down", 200),
		helpers.TaskInsert("gap-2", "missed while down", 201),
	)

	restarted := helpers.StartAgent(t, srv, dataDir)
	restarted.WaitPhase(t, session.Live, waitFor)
	restarted.CountRows(t, "tasks", 7, waitFor)

	assert.True(t, restarted.SawPhase(session.Catchup) || !restarted.SawPhase(session.InitialSync),
		"restart should catch up, not snapshot")
}

// TestConflictLastWriterWins sends two competing updates for the same
// row; the higher updated_at wins on the server and the losing change
// comes back as a failed record, not a silent success.
func TestConflictLastWriterWins(t *testing.T) {
	srv := helpers.StartServer(t)

	a := helpers.StartAgent(t, srv, t.TempDir())
	a.WaitPhase(t, session.Live, waitFor)

	// The newer write lands first; the older one must not clobber it.
	srv.AppendServerChanges(t, helpers.TaskInsert("contested", "newer", 300))
	a.LocalInsert(t, "contested", "older", 100)

	// The stale change is rejected by the updated_at comparison and
	// surfaced on the replica with the failure reason.
	deadline := time.Now().Add(waitFor)
	for {
		rows, err := a.DB.SelectErrored()
		require.NoError(t, err)
		if len(rows) == 1 {
			require.Contains(t, rows[0].Error, "stale")
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("losing change never surfaced as failed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	var title string
	row := srv.Store.Gorm().Table("tasks").Select("title").Where("id = ?", "contested").Row()
	require.NoError(t, row.Scan(&title))
	assert.Equal(t, "newer", title)
}
