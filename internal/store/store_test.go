package store

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateAppliesAllVersionsInOrder(t *testing.T) {
	s := openTestStore(t)
	applied, err := s.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations: %v", err)
	}
	want := []string{"001", "002", "003", "004"}
	if len(applied) != len(want) {
		t.Fatalf("expected %d applied migrations, got %d: %v", len(want), len(applied), applied)
	}
	for i, v := range want {
		if applied[i] != v {
			t.Errorf("applied[%d] = %q, want %q", i, applied[i], v)
		}
	}
}

func TestMigrateIsIdempotentAcrossReopen(t *testing.T) {
	s := openTestStore(t)
	applied1, _ := s.GetAppliedMigrations()

	// Re-running migrate() (as Open does internally) must not error or
	// duplicate ledger rows.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	applied2, _ := s.GetAppliedMigrations()
	if len(applied1) != len(applied2) {
		t.Fatalf("expected stable migration count, got %d then %d", len(applied1), len(applied2))
	}
}

func TestRollbackRemovesTableAndLedgerEntry(t *testing.T) {
	// S6: migration 002 applied then rolled back removes settlement_requests
	// and its indexes; getAppliedMigrations no longer includes 002.
	s := openTestStore(t)

	if err := s.Rollback("002"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	applied, err := s.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations: %v", err)
	}
	for _, v := range applied {
		if v == "002" {
			t.Fatal("expected version 002 to be absent after rollback")
		}
	}

	if s.DB().Migrator().HasTable("settlement_requests") {
		t.Fatal("expected settlement_requests table to be dropped after rollback")
	}
}

func TestRollbackAllThenReapplyReachesEquivalentState(t *testing.T) {
	// R1: applying all migrations, then all rollbacks in reverse, leaves a
	// store equivalent to initial (modulo __migrations being empty).
	s := openTestStore(t)

	for i := len(migrations) - 1; i >= 0; i-- {
		if err := s.Rollback(migrations[i].Version); err != nil {
			t.Fatalf("Rollback(%s): %v", migrations[i].Version, err)
		}
	}

	applied, err := s.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected empty migration ledger after full rollback, got %v", applied)
	}
	for _, tbl := range []string{"distributed_locks", "settlement_requests", "mpc_processed_requests", "transaction_records"} {
		if s.DB().Migrator().HasTable(tbl) {
			t.Errorf("expected table %q to be dropped after full rollback", tbl)
		}
	}

	if err := s.migrate(); err != nil {
		t.Fatalf("re-migrate after full rollback: %v", err)
	}
	applied, _ = s.GetAppliedMigrations()
	if len(applied) != len(migrations) {
		t.Fatalf("expected re-migrate to reapply all %d migrations, got %d", len(migrations), len(applied))
	}
}
