//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

// TestPostgresStore runs the store contract against a real postgres.
// Build with -tags integration; requires a container runtime.
func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	container, err := pgcontainer.Run(ctx, "postgres:16-alpine",
		pgcontainer.WithDatabase("driftsync"),
		pgcontainer.WithUsername("driftsync"),
		pgcontainer.WithPassword("driftsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(Config{Driver: DriverPostgres, DSN: dsn}, tables.Default)
	require.NoError(t, err)
	defer s.Close()

	// Opening again is a no-op: migrations are idempotent.
	again, err := Open(Config{Driver: DriverPostgres, DSN: dsn}, tables.Default)
	require.NoError(t, err)
	require.NoError(t, again.Close())

	results, mark, err := s.AppendChanges("client-a", []wire.Change{
		{
			Table:     "tasks",
			Operation: wire.OpInsert,
			Data: tables.Row{
				"id": "t-1", "title": "newer", "status": "open",
				"updated_at": float64(500),
			},
			ChangeID: 1,
		},
	})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.Equal(t, lsn.MustParse("0/1"), mark)

	// Last-writer-wins holds on postgres too.
	results, _, err = s.AppendChanges("client-b", []wire.Change{
		{
			Table:     "tasks",
			Operation: wire.OpInsert,
			Data: tables.Row{
				"id": "t-1", "title": "stale", "status": "open",
				"updated_at": float64(300),
			},
			ChangeID: 2,
		},
	})
	require.NoError(t, err)
	require.True(t, results[0].Success)

	var title string
	require.NoError(t, s.Gorm().Raw("SELECT title FROM tasks WHERE id = ?", "t-1").Scan(&title).Error)
	require.Equal(t, "newer", title)

	changes, err := s.ChangesAfter(lsn.Zero, "", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	_, err = s.RegisterClient("client-a")
	require.NoError(t, err)
	require.NoError(t, s.TouchClient("client-a", mark))
}
