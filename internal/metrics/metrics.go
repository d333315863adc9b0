// Package metrics implements CrankMetrics (§3): monotone counters and
// gauges owned exclusively by the Crank Service, reset only on process
// restart. Grounded on risk.Manager/risk.CircuitBreaker's mutex-guarded
// counter fields and GetStats() snapshot pattern.
package metrics

import "sync"

// Snapshot is an immutable point-in-time read of CrankMetrics.
type Snapshot struct {
	TotalPolls         int64
	TotalMatchAttempts int64
	SuccessfulMatches  int64
	FailedMatches      int64
	ConsecutiveErrors  int64
	ValidationErrors   int64

	Status          string
	OpenOrderCount  int
	PendingMatches  int
	WalletBalanceStr string
}

// Metrics holds the Crank Service's counters and gauges. Only the Crank
// Service mutates it; all other readers take a Snapshot.
type Metrics struct {
	mu sync.RWMutex

	totalPolls         int64
	totalMatchAttempts int64
	successfulMatches  int64
	failedMatches      int64
	consecutiveErrors  int64
	validationErrors   int64

	status          string
	openOrderCount  int
	pendingMatches  int
	walletBalance   string
}

// New returns a zeroed Metrics registry.
func New() *Metrics {
	return &Metrics{status: "stopped"}
}

func (m *Metrics) IncPolls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalPolls++
}

func (m *Metrics) IncMatchAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalMatchAttempts++
}

func (m *Metrics) IncSuccessfulMatches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successfulMatches++
}

func (m *Metrics) IncFailedMatches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedMatches++
}

func (m *Metrics) IncValidationErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validationErrors++
}

// ResetConsecutiveErrors zeroes the consecutive-error counter, e.g. after a
// tick with no errors or on circuit breaker resume.
func (m *Metrics) ResetConsecutiveErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveErrors = 0
}

// IncConsecutiveErrors increments and returns the new value, used by the
// circuit breaker to compare against the error threshold.
func (m *Metrics) IncConsecutiveErrors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveErrors++
	return m.consecutiveErrors
}

func (m *Metrics) SetStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *Metrics) SetOpenOrderCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrderCount = n
}

func (m *Metrics) SetPendingMatches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingMatches = n
}

func (m *Metrics) SetWalletBalance(balance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walletBalance = balance
}

// Snapshot returns a consistent read of all fields.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		TotalPolls:         m.totalPolls,
		TotalMatchAttempts: m.totalMatchAttempts,
		SuccessfulMatches:  m.successfulMatches,
		FailedMatches:      m.failedMatches,
		ConsecutiveErrors:  m.consecutiveErrors,
		ValidationErrors:   m.validationErrors,
		Status:             m.status,
		OpenOrderCount:     m.openOrderCount,
		PendingMatches:     m.pendingMatches,
		WalletBalanceStr:   m.walletBalance,
	}
}
