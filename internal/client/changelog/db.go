// Package changelog owns the replica's local SQL engine: the replicated
// domain tables, the append-only change_log table, and the
// migrations_status table.
//
// The change log is the single point of serialisation between the
// inbound applier and the local writer. Every mutation, local or
// server-originated, leaves exactly one record here, inserted in the
// same transaction as the mutation it describes.
package changelog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/driftsync/driftsync/pkg/tables"
)

// ErrMigrationMissing is returned when a required schema migration has
// not been applied. The session then refuses every phase except
// initial_sync.
var ErrMigrationMissing = errors.New("required migration not applied")

// BaselineMigration is the schema version this build requires.
const BaselineMigration = "0001_replication_baseline"

// MigrationStatus tracks applied schema migrations by name. The table is
// created on first need and never dropped.
type MigrationStatus struct {
	Name      string `gorm:"primaryKey;size:128"`
	Status    string `gorm:"size:32"`
	AppliedAt int64
}

// TableName returns the SQL table name for MigrationStatus.
func (MigrationStatus) TableName() string { return "migrations_status" }

const migrationApplied = "applied"

// DB is the replica's local database.
type DB struct {
	gorm     *gorm.DB
	registry *tables.Registry
}

// Open opens (creating if needed) the local SQLite database and ensures
// the schema. Out-of-disk and schema failures are fatal here; callers
// surface them as a session-abort condition.
func Open(path string, registry *tables.Registry) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL for concurrent readers, busy_timeout so the applier and the
	// local writer wait on each other instead of failing.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	d := &DB{gorm: db, registry: registry}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	if err := d.gorm.AutoMigrate(&Record{}, &MigrationStatus{}); err != nil {
		return fmt.Errorf("failed to migrate change log schema: %w", err)
	}

	for _, name := range d.registry.Names() {
		desc, _ := d.registry.Lookup(name)
		if err := d.gorm.Exec(tables.CreateDDL(desc, tables.DialectSQLite)).Error; err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}

	// Record the baseline this build ships. Idempotent.
	status := MigrationStatus{
		Name:      BaselineMigration,
		Status:    migrationApplied,
		AppliedAt: time.Now().UnixMilli(),
	}
	if err := d.gorm.Where(MigrationStatus{Name: BaselineMigration}).
		FirstOrCreate(&status).Error; err != nil {
		return fmt.Errorf("failed to record baseline migration: %w", err)
	}
	return nil
}

// RequireMigrations verifies that every named migration is applied.
// Returns ErrMigrationMissing naming the first gap.
func (d *DB) RequireMigrations(names ...string) error {
	for _, name := range names {
		var status MigrationStatus
		err := d.gorm.First(&status, "name = ?", name).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && status.Status != migrationApplied) {
			return fmt.Errorf("%w: %s", ErrMigrationMissing, name)
		}
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
	}
	return nil
}

// Registry returns the table registry this database was opened with.
func (d *DB) Registry() *tables.Registry { return d.registry }

// Transaction runs fn inside one SQL transaction.
func (d *DB) Transaction(fn func(tx *gorm.DB) error) error {
	return d.gorm.Transaction(fn)
}

// Gorm exposes the underlying handle for advanced queries and tests.
func (d *DB) Gorm() *gorm.DB { return d.gorm }

// Close releases the underlying SQLite handle.
func (d *DB) Close() error {
	db, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
