// Package store implements the embedded transactional KV Store of §2 L2:
// a gorm-backed relational store with ordered, idempotent migrations and a
// per-table single-writer discipline enforced by convention (each
// repository package is the sole writer of its own tables). Grounded on
// internal/database/database.go's dual sqlite/postgres gorm wiring.
package store

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the gorm handle shared by every repository.
type Store struct {
	db *gorm.DB
}

// Driver selects the backing SQL engine, mirroring the teacher's dual
// sqlite/postgres wiring in internal/database/database.go.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open connects to the KV Store and runs all pending migrations.
func Open(driver Driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	log.Info().Str("driver", string(driver)).Msg("kv store connected and migrated")
	return s, nil
}

// DB exposes the underlying gorm handle to repositories.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn inside a transaction, wrapping multi-statement invariants
// (e.g. migration apply + row insert) per §5.
func (s *Store) WithTx(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
