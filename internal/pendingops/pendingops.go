// Package pendingops implements the Pending-Op Repository of §4.9 and the
// MpcProcessedRequests / TransactionRecord ledgers of §3, all backed by
// internal/store. Grounded on execution/reconciler.go's persisted-position
// recovery flow and internal/database/database.go's gorm query idioms.
package pendingops

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/store"
)

// OperationType enumerates PendingOperation.type (§3).
type OperationType string

const (
	OpMatch       OperationType = "match"
	OpSettlement  OperationType = "settlement"
	OpMpcCallback OperationType = "mpc_callback"
)

// OperationStatus enumerates PendingOperation.status (§3).
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

const staleLockWindow = 5 * time.Minute

// PendingOperation is the durable queue row of §3.
type PendingOperation struct {
	ID         string `gorm:"column:id;primaryKey"`
	Type       string `gorm:"column:type"`
	Key        string `gorm:"column:key;uniqueIndex"`
	Status     string `gorm:"column:status;index"`
	Payload    string `gorm:"column:payload"`
	RetryCount int    `gorm:"column:retry_count"`
	MaxRetries int    `gorm:"column:max_retries"`
	LastError  string `gorm:"column:last_error"`
	LockedBy   string `gorm:"column:locked_by"`
	LockedAt   *time.Time `gorm:"column:locked_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;index"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (PendingOperation) TableName() string { return "settlement_requests" }

// MpcProcessedRequest is the idempotency ledger row of §3.
type MpcProcessedRequest struct {
	RequestKey      string `gorm:"column:request_key;primaryKey"`
	RequestType     string `gorm:"column:request_type"`
	Status          string `gorm:"column:status"`
	ComputationType string `gorm:"column:computation_type"`
	TxSignature     string `gorm:"column:tx_signature"`
	ErrorMessage    string `gorm:"column:error_message"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (MpcProcessedRequest) TableName() string { return "mpc_processed_requests" }

// TransactionRecord tracks a submitted on-chain transaction (§3).
type TransactionRecord struct {
	TxSignature  string `gorm:"column:tx_signature;primaryKey"`
	Type         string `gorm:"column:type"`
	Status       string `gorm:"column:status;index"`
	BuyPda       string `gorm:"column:buy_pda"`
	SellPda      string `gorm:"column:sell_pda"`
	MpcRequestID string `gorm:"column:mpc_request_id"`
	Slot         uint64 `gorm:"column:slot"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (TransactionRecord) TableName() string { return "transaction_records" }

// Repository is the Pending-Op Repository of §4.9, plus the related
// MpcProcessedRequests and TransactionRecord ledgers.
type Repository struct {
	store *store.Store
	clk   clock.Clock
}

// New builds a Repository over the given KV Store.
func New(s *store.Store, clk clock.Clock) *Repository {
	return &Repository{store: s, clk: clk}
}

// Create inserts a new PendingOperation. key must be unique; a duplicate
// insert returns the underlying uniqueness constraint error so callers can
// treat it as "already enqueued".
func (r *Repository) Create(id string, opType OperationType, key string, payload string, maxRetries int) error {
	now := r.clk.Now()
	row := PendingOperation{
		ID:         id,
		Type:       string(opType),
		Key:        key,
		Status:     string(StatusPending),
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return r.store.DB().Create(&row).Error
}

// FindReadyToProcess returns pending/in_progress rows whose retry budget is
// not exhausted and whose lock (if any) is stale, ordered by createdAt asc,
// limited to limit rows (§4.9 ready predicate).
func (r *Repository) FindReadyToProcess(opType OperationType, limit int) ([]PendingOperation, error) {
	staleBefore := r.clk.Now().Add(-staleLockWindow)

	q := r.store.DB().
		Where("status IN ?", []string{string(StatusPending), string(StatusInProgress)}).
		Where("retry_count < max_retries").
		Where("locked_by IS NULL OR locked_by = '' OR locked_at < ?", staleBefore).
		Order("created_at asc")

	if opType != "" {
		q = q.Where("type = ?", string(opType))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []PendingOperation
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkInProgress claims a row for lockedBy, conditional on the same
// staleness window a second process may steal against (§4.9).
func (r *Repository) MarkInProgress(id string, lockedBy string) error {
	now := r.clk.Now()
	staleBefore := now.Add(-staleLockWindow)

	res := r.store.DB().Model(&PendingOperation{}).
		Where("id = ?", id).
		Where("locked_by IS NULL OR locked_by = '' OR locked_at < ?", staleBefore).
		Updates(map[string]any{
			"status":     string(StatusInProgress),
			"locked_by":  lockedBy,
			"locked_at":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pendingops: %q is locked by another worker", id)
	}
	return nil
}

// MarkCompleted transitions a row to completed.
func (r *Repository) MarkCompleted(id string) error {
	return r.store.DB().Model(&PendingOperation{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(StatusCompleted),
		"updated_at": r.clk.Now(),
	}).Error
}

// MarkFailed transitions a row to failed, recording the last error.
func (r *Repository) MarkFailed(id string, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return r.store.DB().Model(&PendingOperation{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(StatusFailed),
		"last_error": msg,
		"updated_at": r.clk.Now(),
	}).Error
}

// ResetForRetry increments retryCount, clears the lock, and returns the row
// to pending so the next tick's FindReadyToProcess can pick it up.
func (r *Repository) ResetForRetry(id string) error {
	return r.store.DB().Model(&PendingOperation{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(StatusPending),
		"retry_count": gorm.Expr("retry_count + 1"),
		"locked_by":  "",
		"locked_at":  nil,
		"updated_at": r.clk.Now(),
	}).Error
}

// Exists reports whether a non-terminal row with the given key already
// exists (dedup guard per §3's "at most one non-terminal row per key").
func (r *Repository) Exists(key string) (bool, error) {
	var count int64
	err := r.store.DB().Model(&PendingOperation{}).
		Where("key = ?", key).
		Where("status IN ?", []string{string(StatusPending), string(StatusInProgress)}).
		Count(&count).Error
	return count > 0, err
}

// ReleaseStaleLocks clears lockedBy/lockedAt for any in_progress row whose
// lock is older than timeoutSec (default 300s), returning them to pending.
func (r *Repository) ReleaseStaleLocks(timeoutSec int) (int64, error) {
	if timeoutSec <= 0 {
		timeoutSec = int(staleLockWindow.Seconds())
	}
	staleBefore := r.clk.Now().Add(-time.Duration(timeoutSec) * time.Second)

	res := r.store.DB().Model(&PendingOperation{}).
		Where("status = ?", string(StatusInProgress)).
		Where("locked_at < ?", staleBefore).
		Updates(map[string]any{
			"status":     string(StatusPending),
			"locked_by":  "",
			"locked_at":  nil,
			"updated_at": r.clk.Now(),
		})
	return res.RowsAffected, res.Error
}

// DeleteCompleted removes completed rows older than the given retention
// window (default 7 days).
func (r *Repository) DeleteCompleted(days int) (int64, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := r.clk.Now().Add(-time.Duration(days) * 24 * time.Hour)
	res := r.store.DB().Where("status = ? AND updated_at < ?", string(StatusCompleted), cutoff).Delete(&PendingOperation{})
	return res.RowsAffected, res.Error
}

// DeleteFailed removes failed rows older than the given retention window
// (default 30 days).
func (r *Repository) DeleteFailed(days int) (int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := r.clk.Now().Add(-time.Duration(days) * 24 * time.Hour)
	res := r.store.DB().Where("status = ? AND updated_at < ?", string(StatusFailed), cutoff).Delete(&PendingOperation{})
	return res.RowsAffected, res.Error
}

// GetCountByStatus returns the row count for every status value.
func (r *Repository) GetCountByStatus() (map[string]int64, error) {
	statuses := []string{string(StatusPending), string(StatusInProgress), string(StatusCompleted), string(StatusFailed)}
	counts := make(map[string]int64, len(statuses))
	for _, s := range statuses {
		var n int64
		if err := r.store.DB().Model(&PendingOperation{}).Where("status = ?", s).Count(&n).Error; err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, nil
}

// SkipAllInProgress marks every in_progress row as failed and clears its
// lock, the `skip-pending-mpc` escape hatch of §7.
func (r *Repository) SkipAllInProgress() (int64, error) {
	res := r.store.DB().Model(&PendingOperation{}).
		Where("status = ?", string(StatusInProgress)).
		Updates(map[string]any{
			"status":     string(StatusFailed),
			"last_error": "skipped via skip-pending-mpc",
			"locked_by":  "",
			"locked_at":  nil,
			"updated_at": r.clk.Now(),
		})
	return res.RowsAffected, res.Error
}

// IsProcessed implements mpcclient.ProcessedRequestStore: has requestKey
// already been recorded in MpcProcessedRequests?
func (r *Repository) IsProcessed(requestKey string) (bool, error) {
	var row MpcProcessedRequest
	err := r.store.DB().Where("request_key = ?", requestKey).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MarkProcessed implements mpcclient.ProcessedRequestStore: records
// requestKey at most once (P6, R2 — a duplicate insert attempt is a no-op
// because the primary key already exists).
func (r *Repository) MarkProcessed(requestKey, requestType, status, computationType, txSignature, errorMessage string) error {
	row := MpcProcessedRequest{
		RequestKey:      requestKey,
		RequestType:     requestType,
		Status:          status,
		ComputationType: computationType,
		TxSignature:     txSignature,
		ErrorMessage:    errorMessage,
		CreatedAt:       r.clk.Now(),
	}
	err := r.store.DB().Create(&row).Error
	if err != nil {
		// Treat a primary-key conflict as idempotent success: the request
		// was already recorded by a concurrent or prior delivery.
		var existing MpcProcessedRequest
		if lookupErr := r.store.DB().Where("request_key = ?", requestKey).Take(&existing).Error; lookupErr == nil {
			return nil
		}
	}
	return err
}

// RecordTransaction inserts a new TransactionRecord before submit (§4.7
// step 3: "Persist TransactionRecord pending").
func (r *Repository) RecordTransaction(sig, txType, buyPda, sellPda, mpcRequestID string) error {
	now := r.clk.Now()
	row := TransactionRecord{
		TxSignature:  sig,
		Type:         txType,
		Status:       "pending",
		BuyPda:       buyPda,
		SellPda:      sellPda,
		MpcRequestID: mpcRequestID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return r.store.DB().Create(&row).Error
}

// UpdateTransactionStatus updates a TransactionRecord's status and slot
// (§4.7 step 6: "Mark TransactionRecord confirmed").
func (r *Repository) UpdateTransactionStatus(sig, status string, slot uint64) error {
	return r.store.DB().Model(&TransactionRecord{}).Where("tx_signature = ?", sig).Updates(map[string]any{
		"status":     status,
		"slot":       slot,
		"updated_at": r.clk.Now(),
	}).Error
}
