// Package state persists the replica identity and sync position.
//
// The state is a small JSON file {clientId, appliedLSN, timestamp}
// rewritten atomically (temp file + rename) after every LSN advance. A
// file that fails to parse is backed up with a .corrupt suffix and the
// store restarts from 0/0 with a fresh client id, which forces the next
// session into a full initial sync.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/lsn"
)

// ErrRegressingLSN is returned when an LSN advance would move the
// persisted position backwards. Only Reset may do that.
var ErrRegressingLSN = errors.New("applied LSN may not regress")

// FileName is the state file name inside the replica data directory.
const FileName = "sync_state.json"

type persisted struct {
	ClientID   string  `json:"clientId"`
	AppliedLSN lsn.LSN `json:"appliedLSN"`
	Timestamp  int64   `json:"timestamp"`
}

// Store owns the persisted replica state. Safe for concurrent use; the
// applier advances the LSN while the CLI reads it.
type Store struct {
	path string

	mu  sync.Mutex
	cur persisted
}

// Open loads or initializes the state file in dir.
//
// A missing file yields a fresh identity at 0/0. A corrupt file is moved
// aside and likewise yields a fresh identity; the incident is logged so
// the operator can inspect the backup.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{path: filepath.Join(dir, FileName)}

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return s.initialize()
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err == nil && p.ClientID != "" {
		s.cur = p
		return s, nil
	}

	// Corruption: back the file up and start over with a new identity.
	backup := s.path + ".corrupt"
	if err := os.Rename(s.path, backup); err != nil {
		return nil, fmt.Errorf("failed to back up corrupt state file: %w", err)
	}
	logger.Warn("State file corrupt, starting over with a fresh identity",
		"path", s.path, "backup", backup)
	return s.initialize()
}

func (s *Store) initialize() (*Store, error) {
	s.cur = persisted{
		ClientID:   uuid.NewString(),
		AppliedLSN: lsn.Zero,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := s.write(); err != nil {
		return nil, err
	}
	return s, nil
}

// ClientID returns the persistent replica identity.
func (s *Store) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.ClientID
}

// AppliedLSN returns the last durably applied server position.
func (s *Store) AppliedLSN() lsn.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.AppliedLSN
}

// AdvanceLSN persists a new applied position. Equal positions are a
// no-op; a smaller position is rejected with ErrRegressingLSN.
func (s *Store) AdvanceLSN(to lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch lsn.Compare(to, s.cur.AppliedLSN) {
	case -1:
		return fmt.Errorf("%w: %s < %s", ErrRegressingLSN, to, s.cur.AppliedLSN)
	case 0:
		return nil
	}

	s.cur.AppliedLSN = to
	s.cur.Timestamp = time.Now().UnixMilli()
	return s.write()
}

// Reset moves the position back to 0/0, forcing the next session into a
// full initial sync. The client identity is preserved.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur.AppliedLSN = lsn.Zero
	s.cur.Timestamp = time.Now().UnixMilli()
	return s.write()
}

// Drop removes the state file entirely. The next Open assigns a fresh
// identity.
func (s *Store) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// write rewrites the state file atomically. Must hold s.mu.
func (s *Store) write() error {
	data, err := json.MarshalIndent(s.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
