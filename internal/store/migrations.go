package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// migrationRecord is the __migrations ledger row (§6).
type migrationRecord struct {
	Version    string `gorm:"column:version;primaryKey"`
	Description string `gorm:"column:description"`
	AppliedAt  time.Time `gorm:"column:applied_at"`
}

func (migrationRecord) TableName() string { return "__migrations" }

// migration is one ordered, idempotent step with an optional rollback.
type migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// migrations lists every ordered step, 001..NNN. Up statements must be
// idempotent (IF NOT EXISTS); Down statements fully reverse Up.
var migrations = []migration{
	{
		Version:     "001",
		Description: "distributed_locks table",
		Up: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE TABLE IF NOT EXISTS distributed_locks (
				lock_name TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				acquired_at TIMESTAMP NOT NULL,
				expires_at TIMESTAMP NOT NULL,
				metadata TEXT
			)`).Error
		},
		Down: func(tx *gorm.DB) error {
			return tx.Exec(`DROP TABLE IF EXISTS distributed_locks`).Error
		},
	},
	{
		Version:     "002",
		Description: "settlement_requests (pending operations) table and indexes",
		Up: func(tx *gorm.DB) error {
			if err := tx.Exec(`CREATE TABLE IF NOT EXISTS settlement_requests (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				key TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL,
				payload TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 5,
				last_error TEXT,
				locked_by TEXT,
				locked_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_settlement_requests_status ON settlement_requests(status)`).Error; err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_settlement_requests_created ON settlement_requests(created_at)`).Error
		},
		Down: func(tx *gorm.DB) error {
			if err := tx.Exec(`DROP INDEX IF EXISTS idx_settlement_requests_created`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`DROP INDEX IF EXISTS idx_settlement_requests_status`).Error; err != nil {
				return err
			}
			return tx.Exec(`DROP TABLE IF EXISTS settlement_requests`).Error
		},
	},
	{
		Version:     "003",
		Description: "mpc_processed_requests table",
		Up: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE TABLE IF NOT EXISTS mpc_processed_requests (
				request_key TEXT PRIMARY KEY,
				request_type TEXT NOT NULL,
				status TEXT NOT NULL,
				computation_type TEXT,
				tx_signature TEXT,
				error_message TEXT,
				created_at TIMESTAMP NOT NULL
			)`).Error
		},
		Down: func(tx *gorm.DB) error {
			return tx.Exec(`DROP TABLE IF EXISTS mpc_processed_requests`).Error
		},
	},
	{
		Version:     "004",
		Description: "transaction_records table",
		Up: func(tx *gorm.DB) error {
			if err := tx.Exec(`CREATE TABLE IF NOT EXISTS transaction_records (
				tx_signature TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				status TEXT NOT NULL,
				buy_pda TEXT,
				sell_pda TEXT,
				mpc_request_id TEXT,
				slot INTEGER,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`).Error; err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_transaction_records_status ON transaction_records(status)`).Error
		},
		Down: func(tx *gorm.DB) error {
			if err := tx.Exec(`DROP INDEX IF EXISTS idx_transaction_records_status`).Error; err != nil {
				return err
			}
			return tx.Exec(`DROP TABLE IF EXISTS transaction_records`).Error
		},
	},
}

// migrate applies all pending migrations atomically; a failure stops the
// startup sequence (§6).
func (s *Store) migrate() error {
	if err := s.db.Exec(`CREATE TABLE IF NOT EXISTS __migrations (
		version TEXT PRIMARY KEY,
		description TEXT,
		applied_at TIMESTAMP NOT NULL
	)`).Error; err != nil {
		return err
	}

	applied, err := s.GetAppliedMigrations()
	if err != nil {
		return err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range migrations {
			if appliedSet[m.Version] {
				continue
			}
			if err := m.Up(tx); err != nil {
				return fmt.Errorf("migration %s (%s): %w", m.Version, m.Description, err)
			}
			if err := tx.Create(&migrationRecord{Version: m.Version, Description: m.Description, AppliedAt: nowUTC()}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Rollback reverts the most recently applied migration matching version,
// removing its ledger row. Used by operators and by R1/S6 tests.
func (s *Store) Rollback(version string) error {
	var m *migration
	for i := range migrations {
		if migrations[i].Version == version {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("store: unknown migration version %q", version)
	}
	if m.Down == nil {
		return fmt.Errorf("store: migration %q has no down step", version)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := m.Down(tx); err != nil {
			return err
		}
		return tx.Delete(&migrationRecord{}, "version = ?", version).Error
	})
}

// GetAppliedMigrations returns applied migration versions in application
// order.
func (s *Store) GetAppliedMigrations() ([]string, error) {
	var rows []migrationRecord
	if err := s.db.Order("version asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(rows))
	for _, r := range rows {
		versions = append(versions, r.Version)
	}
	return versions, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
