// Package pairlock implements the in-process Lock-Protected State Manager of
// §4.8: a pairwise mutex over order PDAs held for the duration of a single
// match attempt, distinct from the cross-process Distributed Lock Service
// (internal/distlock). Grounded on risk.CircuitBreaker's mutex-guarded
// map-of-state shape.
package pairlock

import (
	"sync"
	"time"

	"github.com/confidex/crank/internal/clock"
)

const (
	expiryWithoutRequestID = 60 * time.Second
	expiryWithRequestID    = 120 * time.Second
)

type entry struct {
	partner   string
	requestID string
	lockedAt  time.Time
}

func (e entry) expiry() time.Duration {
	if e.requestID != "" {
		return expiryWithRequestID
	}
	return expiryWithoutRequestID
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.lockedAt) > e.expiry()
}

// Manager holds the in-process pair-lock table.
type Manager struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]entry
}

// New builds an empty pair-lock manager.
func New(clk clock.Clock) *Manager {
	return &Manager{clk: clk, entries: make(map[string]entry)}
}

// sweepLocked removes expired entries. Caller must hold mu.
func (m *Manager) sweepLocked() {
	now := m.clk.Now()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

// AcquireLocks attempts to lock both buyPda and sellPda atomically (§4.8).
// requestId is optional; its presence extends the expiry window to 120s.
func (m *Manager) AcquireLocks(buyPda, sellPda, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	if _, ok := m.entries[buyPda]; ok {
		return false
	}
	if _, ok := m.entries[sellPda]; ok {
		return false
	}

	now := m.clk.Now()
	m.entries[buyPda] = entry{partner: sellPda, requestID: requestID, lockedAt: now}
	m.entries[sellPda] = entry{partner: buyPda, requestID: requestID, lockedAt: now}
	return true
}

// ReleaseLocks deletes both sides of a pair unconditionally.
func (m *Manager) ReleaseLocks(buyPda, sellPda string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, buyPda)
	delete(m.entries, sellPda)
}

// ReleaseLock deletes a single key and its recorded partner, if any (§4.8).
func (m *Manager) ReleaseLock(pda string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[pda]
	delete(m.entries, pda)
	if ok && e.partner != "" {
		delete(m.entries, e.partner)
	}
}

// IsLocked reports whether pda is currently held (after sweeping expired
// entries).
func (m *Manager) IsLocked(pda string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	_, ok := m.entries[pda]
	return ok
}

// LockedSet returns the set of currently-locked PDAs, for the Match
// Selector's `pda ∉ locked` filter (§4.6).
func (m *Manager) LockedSet() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	out := make(map[string]struct{}, len(m.entries))
	for k := range m.entries {
		out[k] = struct{}{}
	}
	return out
}

// GetPendingMatchCount returns floor(count/2), the number of locked pairs.
func (m *Manager) GetPendingMatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.entries) / 2
}

// ReleaseAll clears the entire table, used on crank stop().
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
}
