package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/driftsync/driftsync/pkg/lsn"
)

// ErrUnknownClient is returned for clients that never registered.
var ErrUnknownClient = errors.New("unknown client")

// Client is one registered replica.
type Client struct {
	ID        string `gorm:"primaryKey;size:64"`
	LastLSN   string `gorm:"size:32"`
	LastSeen  int64
	CreatedAt int64
}

// TableName returns the SQL table name for Client.
func (Client) TableName() string { return "sync_clients" }

// RegisterClient creates or refreshes a client registration. The call
// is idempotent so replication init can be retried freely.
func (s *Store) RegisterClient(id string) (*Client, error) {
	if id == "" {
		return nil, errors.New("client id must not be empty")
	}

	now := time.Now().UnixMilli()
	client := Client{ID: id, LastSeen: now, CreatedAt: now}
	err := s.gorm.Where(Client{ID: id}).
		Assign(map[string]any{"last_seen": now}).
		FirstOrCreate(&client).Error
	if err != nil {
		return nil, fmt.Errorf("failed to register client %s: %w", id, err)
	}
	return &client, nil
}

// LookupClient fetches one registration.
func (s *Store) LookupClient(id string) (*Client, error) {
	var client Client
	err := s.gorm.First(&client, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client %s: %w", id, err)
	}
	return &client, nil
}

// TouchClient records the client's acknowledged position and liveness.
func (s *Store) TouchClient(id string, at lsn.LSN) error {
	res := s.gorm.Model(&Client{}).Where("id = ?", id).Updates(map[string]any{
		"last_lsn":  at.String(),
		"last_seen": time.Now().UnixMilli(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to touch client %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return nil
}

// ListClients returns every registration, most recently seen first.
func (s *Store) ListClients() ([]Client, error) {
	var clients []Client
	if err := s.gorm.Order("last_seen DESC").Find(&clients).Error; err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}
