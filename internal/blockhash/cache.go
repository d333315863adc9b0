// Package blockhash implements the blockhash cache of §4.2: an always-fresh
// ring of recent blockhashes maintained without blocking the critical path.
// Grounded on internal/chainlink/client.go's bounded, interval-refreshed
// price buffer read under sync.RWMutex.
package blockhash

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/rpcclient"
)

// Fetcher is the subset of rpcclient.Client the cache depends on.
type Fetcher interface {
	GetLatestBlockhash(ctx context.Context, commitment rpcclient.Commitment) (rpcclient.Blockhash, error)
	GetSlot(ctx context.Context) (uint64, error)
}

// Entry is one cached blockhash (§3 CachedBlockhash).
type Entry struct {
	Hash                 string
	LastValidBlockHeight  uint64
	FetchedAt            time.Time
	Slot                 uint64
}

// Stats summarizes cache health for observability.
type Stats struct {
	Size          int
	FreshestAgeMs int64
	RefreshCount  int64
	ErrorCount    int64
}

const slotDurationMs = 400 // assumed per §4.2 estimateRemainingValidity

// Cache holds up to prefetchCount entries, freshest at head.
type Cache struct {
	fetcher Fetcher
	clk     clock.Clock

	refreshIntervalMs int
	maxAgeMs          int
	prefetchCount     int
	fetchTimeout      time.Duration

	mu      sync.Mutex
	entries []Entry

	refreshing    bool
	refreshWaitCh chan struct{}

	stopCh  chan struct{}
	started bool

	refreshCount int64
	errorCount   int64
}

// Config configures a Cache; zero values take §4.2 defaults.
type Config struct {
	RefreshIntervalMs int
	MaxAgeMs          int
	PrefetchCount     int
	FetchTimeoutMs    int
}

func (c Config) withDefaults() Config {
	if c.RefreshIntervalMs <= 0 {
		c.RefreshIntervalMs = 30000
	}
	if c.MaxAgeMs <= 0 {
		c.MaxAgeMs = 60000
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 2
	}
	if c.FetchTimeoutMs <= 0 {
		c.FetchTimeoutMs = 5000
	}
	return c
}

// New builds a blockhash Cache.
func New(fetcher Fetcher, clk clock.Clock, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		fetcher:           fetcher,
		clk:               clk,
		refreshIntervalMs: cfg.RefreshIntervalMs,
		maxAgeMs:          cfg.MaxAgeMs,
		prefetchCount:     cfg.PrefetchCount,
		fetchTimeout:      time.Duration(cfg.FetchTimeoutMs) * time.Millisecond,
		stopCh:            make(chan struct{}),
	}
}

// Start launches the background refresher.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.refreshLoop(ctx)
}

// Stop halts the background refresher.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()
	close(c.stopCh)
}

func (c *Cache) refreshLoop(ctx context.Context) {
	interval := time.Duration(c.refreshIntervalMs) * time.Millisecond
	for {
		if _, err := c.refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("blockhash refresh failed")
		}
		select {
		case <-time.After(interval):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pruneLocked removes entries older than maxAgeMs. Caller must hold c.mu.
func (c *Cache) pruneLocked() {
	now := c.clk.Now()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if now.Sub(e.FetchedAt) <= time.Duration(c.maxAgeMs)*time.Millisecond {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// refresh fetches a new blockhash and pushes it to the head of the ring,
// collapsing concurrent refreshes into one in-flight call.
func (c *Cache) refresh(ctx context.Context) (Entry, error) {
	c.mu.Lock()
	if c.refreshing {
		waitCh := c.refreshWaitCh
		c.mu.Unlock()
		<-waitCh
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pruneLocked()
		if len(c.entries) > 0 {
			return c.entries[0], nil
		}
		return Entry{}, errNoBlockhash
	}
	c.refreshing = true
	waitCh := make(chan struct{})
	c.refreshWaitCh = waitCh
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	bh, err := c.fetcher.GetLatestBlockhash(cctx, rpcclient.CommitmentConfirmed)

	c.mu.Lock()
	c.refreshing = false
	close(waitCh)
	c.refreshWaitCh = nil

	if err != nil {
		c.errorCount++
		c.pruneLocked()
		var latest Entry
		hasLatest := len(c.entries) > 0
		if hasLatest {
			latest = c.entries[0]
		}
		c.mu.Unlock()
		if hasLatest {
			// Failure mode: propagate a stale-but-valid entry rather than error.
			return latest, nil
		}
		return Entry{}, err
	}

	entry := Entry{Hash: bh.Hash, LastValidBlockHeight: bh.LastValidBlockHeight, FetchedAt: c.clk.Now(), Slot: bh.Slot}
	c.entries = append([]Entry{entry}, c.entries...)
	if len(c.entries) > c.prefetchCount {
		c.entries = c.entries[:c.prefetchCount]
	}
	c.pruneLocked()
	c.refreshCount++
	c.mu.Unlock()

	return entry, nil
}

var errNoBlockhash = &NoBlockhashError{}

// NoBlockhashError is returned when no fresh entry exists and refresh failed.
type NoBlockhashError struct{ Cause error }

func (e *NoBlockhashError) Error() string {
	if e.Cause != nil {
		return "blockhash: no fresh entry available: " + e.Cause.Error()
	}
	return "blockhash: no fresh entry available"
}

// GetBlockhash returns the freshest entry, refreshing first if forceRefresh
// is set or the cache is empty after pruning.
func (c *Cache) GetBlockhash(ctx context.Context, forceRefresh bool) (Entry, error) {
	if forceRefresh {
		return c.refresh(ctx)
	}
	c.mu.Lock()
	c.pruneLocked()
	if len(c.entries) > 0 {
		e := c.entries[0]
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()
	return c.refresh(ctx)
}

// GetBlockhashWithMaxAge returns the freshest entry if it is within maxMs,
// otherwise forces a refresh.
func (c *Cache) GetBlockhashWithMaxAge(ctx context.Context, maxMs int) (Entry, error) {
	c.mu.Lock()
	c.pruneLocked()
	if len(c.entries) > 0 && c.clk.Now().Sub(c.entries[0].FetchedAt) <= time.Duration(maxMs)*time.Millisecond {
		e := c.entries[0]
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()
	return c.refresh(ctx)
}

// EstimateRemainingValidity assumes 400ms/slot (§4.2) and reports whether
// the blockhash is "likely valid" (> 10 slots of headroom remain).
func (c *Cache) EstimateRemainingValidity(ctx context.Context, lastValidBlockHeight uint64) (slotsRemaining int64, likelyValid bool, err error) {
	currentSlot, err := c.fetcher.GetSlot(ctx)
	if err != nil {
		return 0, false, err
	}
	remaining := int64(lastValidBlockHeight) - int64(currentSlot)
	return remaining, remaining > 10, nil
}

// EnsureFreshBlockhash refreshes the cache if the freshest entry's estimated
// remaining validity is at or below maxSlotAge, per §4.2.
func (c *Cache) EnsureFreshBlockhash(ctx context.Context, maxSlotAge int64) (Entry, error) {
	c.mu.Lock()
	c.pruneLocked()
	hasEntry := len(c.entries) > 0
	var current Entry
	if hasEntry {
		current = c.entries[0]
	}
	c.mu.Unlock()

	if !hasEntry {
		return c.refresh(ctx)
	}

	slotsRemaining, _, err := c.EstimateRemainingValidity(ctx, current.LastValidBlockHeight)
	if err != nil {
		// Can't check freshness; fall back to the cached entry per the
		// §4.2 failure mode (non-expired cache entry wins over a
		// propagated RPC error).
		return current, nil
	}
	if slotsRemaining <= maxSlotAge {
		return c.refresh(ctx)
	}
	return current, nil
}

// GetStats reports cache health.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{Size: len(c.entries), RefreshCount: c.refreshCount, ErrorCount: c.errorCount}
	if len(c.entries) > 0 {
		stats.FreshestAgeMs = c.clk.Now().Sub(c.entries[0].FetchedAt).Milliseconds()
	}
	return stats
}
