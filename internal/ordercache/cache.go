// Package ordercache implements the WebSocket-driven, slot-monotone order
// cache of §4.3. Grounded directly on internal/polymarket/ws_client.go:
// gorilla/websocket connection, isConnected flag, Subscribe, reconnect loop
// with backoff.
package ordercache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/orderaccount"
	"github.com/confidex/crank/internal/rpcclient"
)

// InvalidateKind distinguishes push-based invalidation events.
type InvalidateKind int

const (
	InvalidateUpdate InvalidateKind = iota
	InvalidateDelete
)

// UpdateCallback is invoked whenever an order is written or invalidated.
type UpdateCallback func(pda string, order *orderaccount.Order, kind InvalidateKind)

type cachedEntry struct {
	order    *orderaccount.Order
	cachedAt time.Time
}

// Stats reports cache/connection health.
type Stats struct {
	Size              int
	Active            bool
	ReconnectAttempts int
	PollingOnly       bool
}

// Subscriber is the subset of rpcclient.SubConn-shaped behavior the cache
// needs; kept as an interface so tests can fake the websocket layer.
type Subscriber interface {
	SubscribeProgramAccountChange(program string, filter []any, cb rpcclient.AccountChangeCallback) (int, error)
	Unsubscribe(subID int) error
	Close() error
}

// Dialer opens a fresh Subscriber, used by the reconnect loop.
type Dialer func() (Subscriber, error)

const orderAccountDataFilterSize = orderaccount.AccountSize // 366 bytes

// Cache is the slot-monotone order projection cache.
type Cache struct {
	clk       clock.Clock
	maxTTL    time.Duration
	dialer    Dialer
	programID string

	mu      sync.RWMutex
	entries map[string]cachedEntry

	maxReconnectAttempts int
	reconnectAttempts    int
	active               bool
	pollingOnly          bool

	sub      Subscriber
	subID    int
	stopCh   chan struct{}
	started  bool

	onUpdate []UpdateCallback
}

// Config configures the Cache; zero values take §4.3 defaults.
type Config struct {
	MaxTTLMs             int
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxTTLMs <= 0 {
		c.MaxTTLMs = 60000
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	return c
}

// New builds an order cache for the given program, dialing subscriptions
// through dialer (nil disables push updates and runs polling-only).
func New(clk clock.Clock, programID string, dialer Dialer, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		clk:                  clk,
		maxTTL:               time.Duration(cfg.MaxTTLMs) * time.Millisecond,
		dialer:               dialer,
		programID:            programID,
		entries:              make(map[string]cachedEntry),
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		stopCh:               make(chan struct{}),
	}
}

// OnUpdate registers a push-update callback.
func (c *Cache) OnUpdate(cb UpdateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = append(c.onUpdate, cb)
}

// Start begins the subscription (if a dialer was configured) with
// exponential-backoff reconnect, falling back to polling-only mode after
// maxReconnectAttempts.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.dialer == nil {
		c.mu.Lock()
		c.pollingOnly = true
		c.mu.Unlock()
		return
	}
	go c.connectLoop(ctx)
}

// Stop tears down the subscription.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	sub := c.sub
	subID := c.subID
	c.sub = nil
	active := c.active
	c.active = false
	c.mu.Unlock()

	if active && sub != nil {
		_ = sub.Unsubscribe(subID)
		_ = sub.Close()
	}
	close(c.stopCh)
}

func (c *Cache) connectLoop(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		c.mu.RLock()
		stillStarted := c.started
		c.mu.RUnlock()
		if !stillStarted {
			return
		}

		sub, err := c.dialer()
		if err != nil {
			if c.handleDialFailure(ctx, attempt, err) {
				return
			}
			continue
		}

		subID, err := sub.SubscribeProgramAccountChange(c.programID, []any{map[string]any{"dataSize": orderAccountDataFilterSize}}, c.handlePush)
		if err != nil {
			_ = sub.Close()
			if c.handleDialFailure(ctx, attempt, err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.sub = sub
		c.subID = subID
		c.active = true
		c.reconnectAttempts = 0
		c.pollingOnly = false
		c.mu.Unlock()

		log.Info().Str("program", c.programID).Msg("order cache subscription established")
		return
	}
}

// handleDialFailure records a failed attempt and waits out its backoff. It
// reports true once maxReconnectAttempts is exceeded, ending the loop.
func (c *Cache) handleDialFailure(ctx context.Context, attempt int, err error) bool {
	c.mu.Lock()
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	exceeded := attempts > c.maxReconnectAttempts
	if exceeded {
		c.pollingOnly = true
		c.active = false
	}
	c.mu.Unlock()

	log.Warn().Err(err).Int("attempt", attempts).Msg("order cache websocket reconnect failed")

	if exceeded {
		log.Warn().Msg("order cache falling back to polling-only mode after exhausting reconnect attempts")
		return true
	}

	backoff := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	select {
	case <-time.After(backoff):
	case <-c.stopCh:
	case <-ctx.Done():
	}
	return false
}

func (c *Cache) handlePush(pubkey string, data []byte, slot uint64) {
	if len(data) == 0 {
		return
	}
	order, err := orderaccount.Decode(pubkey, data, slot)
	if err != nil {
		log.Warn().Err(err).Str("pda", pubkey).Msg("order cache received malformed account payload")
		return
	}
	c.Set(pubkey, order, slot)
}

// Get returns a cached order, evicting and reporting a miss if it has
// expired past maxTTL.
func (c *Cache) Get(pda string) (*orderaccount.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pda]
	if !ok {
		return nil, false
	}
	if c.clk.Now().Sub(e.cachedAt) > c.maxTTL {
		delete(c.entries, pda)
		return nil, false
	}
	return e.order, true
}

// Set writes an order, rejecting writes whose slot is older than the
// currently cached slot for the same key (§3, §4.3, P3).
func (c *Cache) Set(pda string, order *orderaccount.Order, slot uint64) bool {
	c.mu.Lock()
	existing, ok := c.entries[pda]
	if ok && slot < existing.order.Slot {
		c.mu.Unlock()
		return false
	}
	c.entries[pda] = cachedEntry{order: order, cachedAt: c.clk.Now()}
	callbacks := append([]UpdateCallback(nil), c.onUpdate...)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(pda, order, InvalidateUpdate)
	}
	return true
}

// Invalidate evicts a single entry and notifies listeners.
func (c *Cache) Invalidate(pda string, kind InvalidateKind) {
	c.mu.Lock()
	delete(c.entries, pda)
	callbacks := append([]UpdateCallback(nil), c.onUpdate...)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(pda, nil, kind)
	}
}

// InvalidateAll clears the entire cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cachedEntry)
	c.mu.Unlock()
}

// All returns a snapshot of all non-expired cached orders.
func (c *Cache) All() []*orderaccount.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	orders := make([]*orderaccount.Order, 0, len(c.entries))
	for pda, e := range c.entries {
		if now.Sub(e.cachedAt) > c.maxTTL {
			delete(c.entries, pda)
			continue
		}
		orders = append(orders, e.order)
	}
	return orders
}

// IsActive reports whether the websocket subscription is currently live.
func (c *Cache) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// GetStats reports cache/connection health.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:              len(c.entries),
		Active:            c.active,
		ReconnectAttempts: c.reconnectAttempts,
		PollingOnly:       c.pollingOnly,
	}
}
