// Package crank implements the Crank Service orchestrator of §4.11: the
// top-level poll loop, circuit breaker, and start/stop/pause/resume state
// machine that drives L4-L13. Grounded on core/engine.go's Start()/stopCh
// loop and cmd/polybot/main.go's feed->risk->executor->storage wiring,
// generalized to poll->selector->locks->MPC->settlement.
package crank

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/distlock"
	"github.com/confidex/crank/internal/matchselector"
	"github.com/confidex/crank/internal/metrics"
	"github.com/confidex/crank/internal/orderaccount"
	"github.com/confidex/crank/internal/ordercache"
	"github.com/confidex/crank/internal/pairlock"
	"github.com/confidex/crank/internal/pendingops"
	"github.com/confidex/crank/internal/settlement"
)

// State is the Crank Service's top-level status machine (§4.11).
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// Config bounds polling, MPC, and circuit-breaker behavior (§6).
type Config struct {
	PollingInterval       time.Duration
	MaxConcurrentMatches  int
	ErrorThreshold        int
	PauseDuration         time.Duration
	ShutdownTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 5 * time.Second
	}
	if c.MaxConcurrentMatches <= 0 {
		c.MaxConcurrentMatches = 5
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	if c.PauseDuration <= 0 {
		c.PauseDuration = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// NonceSource supplies fresh per-match nonces and ephemeral keys; owned by
// the wallet/signing integration outside this package's scope.
type NonceSource interface {
	NextNonce() *big.Int
	EphemeralPubkey() [32]byte
}

// Service is the Crank Service orchestrator (§4.11).
type Service struct {
	clk      clock.Clock
	cache    *ordercache.Cache
	locks    *pairlock.Manager
	distlock *distlock.Service
	ops      *pendingops.Repository
	executor *settlement.Executor
	metrics  *metrics.Metrics
	nonces   NonceSource
	cfg      Config

	mu               sync.Mutex
	state            State
	timer            *time.Timer
	stopCh           chan struct{}
	consecutiveErrors int64
	circuitOpenUntil time.Time
	inFlight         sync.WaitGroup
}

// New builds the Crank Service.
func New(clk clock.Clock, cache *ordercache.Cache, locks *pairlock.Manager, dl *distlock.Service, ops *pendingops.Repository, executor *settlement.Executor, m *metrics.Metrics, nonces NonceSource, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		clk:      clk,
		cache:    cache,
		locks:    locks,
		distlock: dl,
		ops:      ops,
		executor: executor,
		metrics:  m,
		nonces:   nonces,
		cfg:      cfg,
		state:    StateStopped,
	}
}

// State returns the current top-level state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions stopped -> starting -> running: obtains the
// crank-startup distributed lock, the order-matching lock, runs one poll
// immediately, then schedules the next (§4.11).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("crank: cannot start from state %q", s.state)
	}
	s.state = StateStarting
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	ok, err := s.distlock.Acquire(distlock.WorkloadCrankStartup, distlock.AcquireOptions{TTL: time.Minute, Retry: true, MaxRetries: 5})
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("crank: acquire crank-startup lock: %w", err)
	}
	if !ok {
		s.setState(StateError)
		return fmt.Errorf("crank: another instance holds crank-startup lock")
	}

	ok, err = s.distlock.Acquire(distlock.WorkloadOrderMatching, distlock.AcquireOptions{TTL: 5 * time.Minute, Retry: true, MaxRetries: 5})
	if err != nil || !ok {
		s.setState(StateError)
		return fmt.Errorf("crank: acquire order-matching lock: %w", err)
	}

	s.metrics.SetStatus(string(StateRunning))
	s.setState(StateRunning)

	s.runTick(ctx)
	s.scheduleNext(ctx)
	return nil
}

// Stop cancels the pending timer, waits up to cfg.ShutdownTimeout for
// in-flight match attempts to drain, releases pair and distributed locks
// best-effort, and enters stopped. Never enqueues new work after entering
// stopped (§4.11).
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.stopCh)
	s.state = StateStopped
	s.mu.Unlock()

	if !waitWithTimeout(&s.inFlight, s.cfg.ShutdownTimeout) {
		log.Warn().Dur("shutdownTimeout", s.cfg.ShutdownTimeout).Msg("in-flight match attempts did not drain before shutdown timeout, releasing locks best-effort")
	}

	s.locks.ReleaseAll()
	if err := s.distlock.ReleaseAll(); err != nil {
		log.Warn().Err(err).Msg("failed to release all distributed locks on stop")
	}
	s.metrics.SetStatus(string(StateStopped))
}

// Pause cancels the timer only; locks and in-flight work are left intact.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = StatePaused
	s.metrics.SetStatus(string(StatePaused))
}

// Resume zeroes consecutiveErrors, clears the circuit breaker, re-enters
// running, and reschedules.
func (s *Service) Resume(ctx context.Context) {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.consecutiveErrors = 0
	s.circuitOpenUntil = time.Time{}
	s.mu.Unlock()

	s.metrics.ResetConsecutiveErrors()
	s.metrics.SetStatus(string(StateRunning))
	s.scheduleNext(ctx)
}

// SkipPendingMpc is the `skip-pending-mpc` escape hatch of §7.
func (s *Service) SkipPendingMpc() (int64, error) {
	return s.ops.SkipAllInProgress()
}

// waitWithTimeout waits for wg to drain, returning false if timeout elapses
// first. A goroutine leak is accepted in the timeout case: Wait() keeps
// running in the background and simply has no observer.
func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Service) scheduleNext(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.timer = time.AfterFunc(s.cfg.PollingInterval, func() {
		s.runTick(ctx)
		s.scheduleNext(ctx)
	})
	s.mu.Unlock()
}

// runTick executes one polling iteration (§4.11 "Polling loop each tick").
func (s *Service) runTick(ctx context.Context) {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.metrics.IncPolls()

	s.mu.Lock()
	circuitOpen := !s.circuitOpenUntil.IsZero() && s.clk.Now().Before(s.circuitOpenUntil)
	s.mu.Unlock()
	if circuitOpen {
		return
	}
	s.maybeClearCircuitBreaker()

	orders := s.cache.All()
	var opens []matchselector.OpenOrder
	for _, o := range orders {
		opens = append(opens, matchselector.OpenOrder{Pda: o.OrderID, Order: o})
	}

	hasBuy, hasSell := false, false
	for _, o := range orders {
		if o.Side == orderaccount.SideBuy {
			hasBuy = true
		} else {
			hasSell = true
		}
	}
	if !hasBuy || !hasSell {
		s.metrics.ResetConsecutiveErrors()
		s.metrics.SetPendingMatches(s.locks.GetPendingMatchCount())
		return
	}

	locked := s.locks.LockedSet()
	candidates := matchselector.Select(opens, locked, s.cfg.MaxConcurrentMatches)

	// Match attempts are fired and not awaited here: each one blocks on an
	// MPC round trip for up to MpcTimeout, and the poll loop must keep
	// ticking while they're in flight rather than serialize behind them.
	// inFlight is only drained by Stop() at shutdown.
	for _, candidate := range candidates {
		s.inFlight.Add(1)
		go func(c matchselector.MatchCandidate) {
			defer s.inFlight.Done()
			s.metrics.IncMatchAttempts()
			result := s.executor.ExecuteMatch(ctx, c, s.nonces.NextNonce(), s.nonces.EphemeralPubkey())
			s.recordOutcome(result)
		}(candidate)
	}

	s.metrics.SetPendingMatches(s.locks.GetPendingMatchCount())
}

func (s *Service) recordOutcome(result settlement.Result) {
	if result.Success {
		s.metrics.IncSuccessfulMatches()
		s.mu.Lock()
		s.consecutiveErrors = 0
		s.mu.Unlock()
		s.metrics.ResetConsecutiveErrors()
		return
	}

	s.metrics.IncFailedMatches()
	if result.Error == nil {
		// Prices did not match: a failed match, not a crank error.
		return
	}
	n := s.metrics.IncConsecutiveErrors()

	s.mu.Lock()
	s.consecutiveErrors = n
	tripped := n >= int64(s.cfg.ErrorThreshold)
	if tripped {
		s.circuitOpenUntil = s.clk.Now().Add(s.cfg.PauseDuration)
	}
	s.mu.Unlock()

	if tripped {
		log.Warn().Int64("consecutiveErrors", n).Dur("pauseDuration", s.cfg.PauseDuration).Msg("circuit breaker tripped")
	}
}

func (s *Service) maybeClearCircuitBreaker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuitOpenUntil.IsZero() {
		return
	}
	if s.clk.Now().Before(s.circuitOpenUntil) {
		return
	}
	s.circuitOpenUntil = time.Time{}
	s.consecutiveErrors = 0
	s.metrics.ResetConsecutiveErrors()
}
