//go:build e2e

// Package helpers wires a full in-process sync deployment for end to end
// tests: a real server behind httptest and real replica agents with
// their own data directories, talking over actual websockets.
package helpers

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/client/applier"
	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/internal/client/outbox"
	"github.com/driftsync/driftsync/internal/client/session"
	"github.com/driftsync/driftsync/internal/client/state"
	"github.com/driftsync/driftsync/internal/client/supervisor"
	"github.com/driftsync/driftsync/internal/server/api"
	"github.com/driftsync/driftsync/internal/server/auth"
	"github.com/driftsync/driftsync/internal/server/store"
	"github.com/driftsync/driftsync/internal/server/wal"
	"github.com/driftsync/driftsync/pkg/apiclient"
	"github.com/driftsync/driftsync/pkg/lsn"
	"github.com/driftsync/driftsync/pkg/tables"
	"github.com/driftsync/driftsync/pkg/wire"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// Server is one in-process sync server.
type Server struct {
	Store *store.Store
	Hub   *wal.Hub
	Auth  *auth.Service
	HTTP  *httptest.Server
}

// StartServer brings up a server on a fresh SQLite store.
func StartServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open(store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
	}, tables.Default)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	authSvc, err := auth.NewService(auth.Config{Secret: testSecret})
	require.NoError(t, err)

	hub := wal.NewHub()
	handler := api.NewHandler(st, authSvc, hub, api.Config{
		HeartbeatInterval: time.Minute,
	})
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)

	return &Server{Store: st, Hub: hub, Auth: authSvc, HTTP: srv}
}

// Token issues a valid replica token.
func (s *Server) Token(t *testing.T, clientID string) string {
	t.Helper()
	token, _, err := s.Auth.IssueToken(clientID)
	require.NoError(t, err)
	return token
}

// AppendServerChanges applies server-originated changes and fans them
// out to connected replicas, like a server-side writer would.
func (s *Server) AppendServerChanges(t *testing.T, changes ...wire.Change) lsn.LSN {
	t.Helper()
	results, mark, err := s.Store.AppendChanges("", changes)
	require.NoError(t, err)

	applied := make([]wire.Change, 0, len(changes))
	for i, res := range results {
		require.True(t, res.Success, res.Error)
		c := changes[i]
		c.LSN = res.LSN
		applied = append(applied, c)
	}
	s.Hub.Publish(wal.Event{Origin: "", Changes: applied, Mark: mark})
	return mark
}

// SeedTasks inserts n server-side task rows before any replica connects.
func (s *Server) SeedTasks(t *testing.T, n int) lsn.LSN {
	t.Helper()
	changes := make([]wire.Change, 0, n)
	for i := 0; i < n; i++ {
		changes = append(changes, TaskInsert(fmt.Sprintf("seed-%04d", i), "seeded", int64(i+1)))
	}
	return s.AppendServerChanges(t, changes...)
}

// TaskInsert builds an insert change for the tasks table.
func TaskInsert(id, title string, updatedAt int64) wire.Change {
	return wire.Change{
		Table:     "tasks",
		Operation: wire.OpInsert,
		Data: tables.Row{
			"id": id, "title": title, "status": "open", "updated_at": float64(updatedAt),
		},
	}
}

// Agent is one in-process replica with the full production wiring.
type Agent struct {
	State   *state.Store
	DB      *changelog.DB
	Outbox  *outbox.Outbox
	Sup     *supervisor.Supervisor
	DataDir string

	mu     sync.Mutex
	phases []session.Phase
	cancel context.CancelFunc
	done   chan error
}

// StartAgent wires and runs a replica against the server. The data
// directory survives Stop so a restarted agent keeps its identity.
func StartAgent(t *testing.T, srv *Server, dataDir string) *Agent {
	t.Helper()

	st, err := state.Open(dataDir)
	require.NoError(t, err)

	db, err := changelog.Open(filepath.Join(dataDir, "replica.db"), tables.Default)
	require.NoError(t, err)

	ap := applier.New(db, st, applier.DefaultMaxRetries)
	tokens := supervisor.StaticToken(srv.Token(t, st.ClientID()))
	mgmt := apiclient.New(srv.HTTP.URL)

	a := &Agent{
		State:   st,
		DB:      db,
		DataDir: dataDir,
		done:    make(chan error, 1),
	}

	var sup *supervisor.Supervisor
	ob := outbox.New(db, outbox.SenderFunc(func(ctx context.Context, msg *wire.Message) error {
		return sup.Send(ctx, msg)
	}), outbox.Config{
		BatchSize: 100,
		Interval:  50 * time.Millisecond,
	})

	dial := func(ctx context.Context, token string) (session.Transport, error) {
		if _, err := mgmt.WithToken(token).ReplicationInit(st.ClientID()); err != nil {
			return nil, err
		}
		return wire.Dial(ctx, wire.DialOptions{
			URL:               srv.HTTP.URL,
			ClientID:          st.ClientID(),
			Token:             token,
			HeartbeatInterval: time.Minute,
		})
	}

	sup = supervisor.New(dial, tokens, st, ap, ob, supervisor.Config{
		ReconnectInterval: 100 * time.Millisecond,
		Session: session.Config{
			HeartbeatInterval: time.Minute,
		},
	}, func(status supervisor.Status) {
		a.mu.Lock()
		a.phases = append(a.phases, status.Phase)
		a.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	a.Outbox = ob
	a.Sup = sup
	a.cancel = cancel

	ob.Start(ctx)
	go func() {
		a.done <- sup.Run(ctx)
	}()

	t.Cleanup(a.Stop)
	return a
}

// Stop tears the agent down. Idempotent.
func (a *Agent) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.cancel = nil
	a.Outbox.Stop()
	<-a.done
	_ = a.DB.Close()
}

// WaitPhase blocks until the agent has reported the phase at least once.
func (a *Agent) WaitPhase(t *testing.T, want session.Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !a.SawPhase(want) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for phase %s", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SawPhase reports whether the phase was observed since the agent
// started.
func (a *Agent) SawPhase(want session.Phase) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.phases {
		if p == want {
			return true
		}
	}
	return false
}

// LocalInsert performs a local task write the way an application using
// the replica database would.
func (a *Agent) LocalInsert(t *testing.T, id, title string, updatedAt int64) *changelog.Record {
	t.Helper()
	rec, err := a.DB.ApplyLocal(TaskInsert(id, title, updatedAt))
	require.NoError(t, err)
	a.Outbox.Notify()
	return rec
}

// CountRows polls until the replicated table holds want rows.
func (a *Agent) CountRows(t *testing.T, table string, want int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		var count int64
		require.NoError(t, a.DB.Gorm().Table(table).Count(&count).Error)
		if count == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("table %s has %d rows, want %d", table, count, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
