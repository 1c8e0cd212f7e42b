// Package store is the server-side authority: the domain tables, the
// served change history ordered by LSN, and the client registry all
// live here. SQLite serves single-node deployments and tests; Postgres
// serves production.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/tables"
)

// Driver selects the backing engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds store connection settings.
type Config struct {
	// Driver is sqlite or postgres. Default: sqlite
	Driver Driver `mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres" yaml:"driver"`

	// DSN is the connection string: a file path for sqlite, a
	// postgres URL otherwise.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// Store is the server database handle.
type Store struct {
	gorm     *gorm.DB
	driver   Driver
	dsn      string
	registry *tables.Registry
}

// Open connects and migrates the schema for the replicated tables plus
// the sync bookkeeping tables.
func Open(cfg Config, registry *tables.Registry) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch cfg.Driver {
	case DriverSQLite:
		dsn := cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}

	s := &Store{gorm: db, driver: cfg.Driver, dsn: cfg.DSN, registry: registry}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	logger.Info("Server store opened", "driver", cfg.Driver)
	return s, nil
}

func (s *Store) migrate() error {
	if s.driver == DriverPostgres {
		// Postgres schema is managed by the embedded SQL migrations,
		// applied at startup or through the migrate command.
		if err := RunPostgresMigrations(context.Background(), s.dsn); err != nil {
			return err
		}
	} else {
		if err := s.gorm.AutoMigrate(&HistoryRecord{}, &Position{}, &Client{}); err != nil {
			return fmt.Errorf("failed to migrate sync tables: %w", err)
		}
		for _, name := range s.registry.Names() {
			desc, _ := s.registry.Lookup(name)
			if err := s.gorm.Exec(tables.CreateDDL(desc, tables.DialectSQLite)).Error; err != nil {
				return fmt.Errorf("failed to create table %s: %w", name, err)
			}
		}
	}

	// Seed the position row so assignment can always update in place.
	pos := Position{ID: 1}
	if err := s.gorm.FirstOrCreate(&pos, Position{ID: 1}).Error; err != nil {
		return fmt.Errorf("failed to seed sync position: %w", err)
	}
	return nil
}

// Registry returns the replicated table registry.
func (s *Store) Registry() *tables.Registry { return s.registry }

// Gorm exposes the raw handle for tests and migrations tooling.
func (s *Store) Gorm() *gorm.DB { return s.gorm }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	db, err := s.gorm.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
