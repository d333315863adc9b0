// Package distlock implements the Distributed Lock Service of §4.4: a
// KV-backed named mutex with TTL, heartbeat, and ownership, the only valid
// cross-process synchronization primitive (§5). Grounded on
// internal/database/database.go's gorm exec idiom, adapted to the
// conditional-acquire semantics of §4.4.
package distlock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/store"
)

// Well-known workload names (§4.4).
const (
	WorkloadOrderMatching = "order-matching"
	WorkloadMPCCallbacks  = "mpc-callbacks"
	WorkloadSettlement    = "settlement"
	WorkloadCrankStartup  = "crank-startup"
	WorkloadDBMaintenance = "db-maintenance"
)

// AcquireOptions configures Acquire/TryAcquire.
type AcquireOptions struct {
	TTL          time.Duration
	Retry        bool
	MaxRetries   int
	RetryDelayMs int
}

func (o AcquireOptions) withDefaults() AcquireOptions {
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelayMs <= 0 {
		o.RetryDelayMs = 500
	}
	return o
}

// ErrShutdown is returned by any acquisition attempt after Shutdown.
var ErrShutdown = errors.New("distlock: service has shut down")

// Service is the Distributed Lock Service.
type Service struct {
	store   *store.Store
	clk     clock.Clock
	ownerID string

	heartbeatInterval time.Duration

	mu         sync.Mutex
	held       map[string]time.Time // lockName -> expiresAt, locks this process believes it holds
	shutdown   bool
	stopHeartbeat chan struct{}
}

// New builds a Distributed Lock Service for the given process identity.
func New(s *store.Store, clk clock.Clock, ownerID string, heartbeatInterval time.Duration) *Service {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Service{
		store:             s,
		clk:               clk,
		ownerID:           ownerID,
		heartbeatInterval: heartbeatInterval,
		held:              make(map[string]time.Time),
		stopHeartbeat:     make(chan struct{}),
	}
}

// StartHeartbeat launches the background renewal loop for every lock this
// process currently holds.
func (s *Service) StartHeartbeat() {
	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.renewAll()
			case <-s.stopHeartbeat:
				return
			}
		}
	}()
}

func (s *Service) renewAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.held))
	for name := range s.held {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.renew(name); err != nil {
			log.Warn().Err(err).Str("lock", name).Msg("distributed lock heartbeat renewal failed; lock may be lost")
			s.mu.Lock()
			delete(s.held, name)
			s.mu.Unlock()
		}
	}
}

func (s *Service) renew(name string) error {
	newExpiry := s.clk.Now().Add(s.lockTTLFor(name))
	res := s.store.DB().Model(&Row{}).
		Where("lock_name = ? AND owner_id = ?", name, s.ownerID).
		Update("expires_at", newExpiry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("distlock: lock %q no longer owned by this process", name)
	}
	s.mu.Lock()
	s.held[name] = newExpiry
	s.mu.Unlock()
	return nil
}

func (s *Service) lockTTLFor(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.held[name]; ok {
		if d := exp.Sub(s.clk.Now()); d > 0 {
			return d
		}
	}
	return 60 * time.Second
}

// tryAcquireOnce performs the INSERT-OR-REPLACE-on-WHERE-expired-or-same-owner
// acquire protocol of §4.4 in a single transaction.
func (s *Service) tryAcquireOnce(name string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return false, ErrShutdown
	}
	s.mu.Unlock()

	now := s.clk.Now()
	expiresAt := now.Add(ttl)

	acquired := false
	err := s.store.WithTx(func(tx *gorm.DB) error {
		var existing Row
		err := tx.Where("lock_name = ?", name).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&Row{LockName: name, OwnerID: s.ownerID, AcquiredAt: now, ExpiresAt: expiresAt}).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		case err != nil:
			return err
		}

		if existing.ExpiresAt.Before(now) || existing.OwnerID == s.ownerID {
			res := tx.Model(&Row{}).Where("lock_name = ?", name).Updates(map[string]any{
				"owner_id":    s.ownerID,
				"acquired_at": now,
				"expires_at":  expiresAt,
			})
			if res.Error != nil {
				return res.Error
			}
			acquired = res.RowsAffected > 0
			return nil
		}

		acquired = false
		return nil
	})
	if err != nil {
		return false, err
	}

	if acquired {
		s.mu.Lock()
		s.held[name] = expiresAt
		s.mu.Unlock()
	}
	return acquired, nil
}

// TryAcquire attempts to acquire the lock exactly once, with no retry.
func (s *Service) TryAcquire(name string, opts AcquireOptions) (bool, error) {
	opts = opts.withDefaults()
	return s.tryAcquireOnce(name, opts.TTL)
}

// Acquire attempts to acquire the lock, retrying with a fixed delay up to
// MaxRetries times when opts.Retry is set.
func (s *Service) Acquire(name string, opts AcquireOptions) (bool, error) {
	opts = opts.withDefaults()
	ok, err := s.tryAcquireOnce(name, opts.TTL)
	if err != nil || ok || !opts.Retry {
		return ok, err
	}

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		done := make(chan struct{})
		if !s.clk.Sleep(time.Duration(opts.RetryDelayMs)*time.Millisecond, done) {
			return false, nil
		}
		ok, err := s.tryAcquireOnce(name, opts.TTL)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// WithLock acquires name, runs fn, and releases the lock on every
// control-flow exit including panics/errors (§4.4 edge case).
func (s *Service) WithLock(name string, opts AcquireOptions, fn func() error) error {
	ok, err := s.Acquire(name, opts)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("distlock: could not acquire lock %q", name)
	}
	defer func() {
		if relErr := s.Release(name); relErr != nil {
			log.Warn().Err(relErr).Str("lock", name).Msg("failed to release lock after withLock")
		}
	}()
	return fn()
}

// Release deletes the lock row if owned by this process (§P7: wrong owner
// must not delete).
func (s *Service) Release(name string) error {
	res := s.store.DB().Where("lock_name = ? AND owner_id = ?", name, s.ownerID).Delete(&Row{})
	if res.Error != nil {
		return res.Error
	}
	s.mu.Lock()
	delete(s.held, name)
	s.mu.Unlock()
	return nil
}

// HoldsLock reports whether this process currently believes it holds name.
func (s *Service) HoldsLock(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.held[name]
	return ok && exp.After(s.clk.Now())
}

// IsLocked reports whether anyone currently holds name (possibly another
// process).
func (s *Service) IsLocked(name string) (bool, error) {
	var row Row
	err := s.store.DB().Where("lock_name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.ExpiresAt.After(s.clk.Now()), nil
}

// ListHeldLocks returns the names this process believes it currently holds.
func (s *Service) ListHeldLocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.held))
	now := s.clk.Now()
	for name, exp := range s.held {
		if exp.After(now) {
			names = append(names, name)
		}
	}
	return names
}

// ReleaseAll deletes every row owned by this process, used on shutdown.
func (s *Service) ReleaseAll() error {
	err := s.store.DB().Where("owner_id = ?", s.ownerID).Delete(&Row{}).Error
	s.mu.Lock()
	s.held = make(map[string]time.Time)
	s.mu.Unlock()
	return err
}

// Shutdown releases all locks and rejects any further acquisitions.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	close(s.stopHeartbeat)
	return s.ReleaseAll()
}
