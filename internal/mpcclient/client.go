package mpcclient

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventName identifies a callback event emitted by the MPC cluster.
type EventName string

const (
	EventPriceCompareResult   EventName = "PriceCompareResult"
	EventFillCalculationResult EventName = "FillCalculationResult"
)

// Event is a finalized computation result delivered asynchronously by the
// MPC cluster's callback stream.
type Event struct {
	Name            EventName
	RequestID       string
	ComputationOffset uint64
	PricesMatch     bool // only meaningful for EventPriceCompareResult
	TxSignature     string
	ErrorMessage    string
}

// RequestState is the per-request state machine of §4.5.
type RequestState int

const (
	StateSubmitted RequestState = iota
	StateAwaitingCallback
	StateFinalized
	StateTimedOut
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateAwaitingCallback:
		return "awaiting-callback"
	case StateFinalized:
		return "finalized"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AccountInfo is the minimal projection of an on-chain account the MPC
// client needs to read (cluster-state availability, MXE public key).
type AccountInfo struct {
	Data []byte
	Slot uint64
}

// RPC is the subset of the RPC Client (§4.1) the MPC client depends on.
type RPC interface {
	GetAccountInfo(ctx context.Context, pubkey string) (AccountInfo, error)
	SendTransaction(ctx context.Context, signedTxBase64 string) (string, error)
}

// ProcessedRequestStore is the MpcProcessedRequests idempotency ledger
// (§3, §4.5, P6/R2), backed by internal/pendingops in production.
type ProcessedRequestStore interface {
	IsProcessed(requestKey string) (bool, error)
	MarkProcessed(requestKey string, requestType string, status string, computationType string, txSignature string, errorMessage string) error
}

const (
	availabilityOffsetStart = 95
	availabilityOffsetEnd   = 127 // exclusive upper bound per spec's 95..127 range (32 bytes)
	mxePublicKeySize        = 32

	defaultMpcTimeout         = 120 * time.Second
	defaultCallbackTimeout    = 30 * time.Second
)

// Signer abstracts wallet signing; the MPC client never touches key
// material directly, only the already-signed transaction payload.
type Signer interface {
	SignInstruction(instruction []byte) (signedTxBase64 string, err error)
}

// Config configures the MPC Client.
type Config struct {
	ProgramID         string
	ClusterStateAccount string
	ClusterOffset     uint64
	MpcTimeout        time.Duration
	CallbackTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MpcTimeout <= 0 {
		c.MpcTimeout = defaultMpcTimeout
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = defaultCallbackTimeout
	}
	return c
}

// pendingWait correlates a computation offset to the goroutine awaiting its
// finalization event.
type pendingWait struct {
	ch chan Event
}

// Client is the MPC Client of §4.5.
type Client struct {
	rpc    RPC
	signer Signer
	store  ProcessedRequestStore
	cfg    Config

	mu      sync.Mutex
	waiters map[uint64]*pendingWait
}

// New builds an MPC Client.
func New(rpc RPC, signer Signer, store ProcessedRequestStore, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		rpc:     rpc,
		signer:  signer,
		store:   store,
		cfg:     cfg,
		waiters: make(map[uint64]*pendingWait),
	}
}

// DeriveAccounts is a pure, deterministic function of the configured
// program ID and cluster offset.
func (c *Client) DeriveAccounts() AccountSet {
	return DeriveAccounts(c.cfg.ProgramID, c.cfg.ClusterOffset)
}

// IsAvailable reports whether the MXE cluster has completed keygen, per the
// cluster-state account's availability byte range (offset 95..127).
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	key, err := c.getMxePublicKeyBytes(ctx)
	if err != nil {
		return false, err
	}
	return key != nil, nil
}

// GetMxePublicKey returns the 32-byte MXE x25519 public key, or nil if
// keygen has not completed (all-zero range).
func (c *Client) GetMxePublicKey(ctx context.Context) ([]byte, error) {
	return c.getMxePublicKeyBytes(ctx)
}

func (c *Client) getMxePublicKeyBytes(ctx context.Context) ([]byte, error) {
	info, err := c.rpc.GetAccountInfo(ctx, c.cfg.ClusterStateAccount)
	if err != nil {
		return nil, fmt.Errorf("mpcclient: read cluster-state account: %w", err)
	}
	if len(info.Data) < availabilityOffsetEnd {
		return nil, fmt.Errorf("mpcclient: cluster-state account too short: %d bytes", len(info.Data))
	}
	key := info.Data[availabilityOffsetStart:availabilityOffsetEnd]
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, nil
	}
	out := make([]byte, mxePublicKeySize)
	copy(out, key)
	return out, nil
}

// ExecuteComparePrices submits a compare-prices computation and returns its
// transaction signature. The caller correlates the result via
// AwaitFinalization using the same computation offset.
func (c *Client) ExecuteComparePrices(ctx context.Context, p ComparePricesParams) (string, error) {
	instr, err := BuildComparePricesInstruction(p)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, p.Offset, instr)
}

// ExecuteCalculateFill submits a calculate-fill computation.
func (c *Client) ExecuteCalculateFill(ctx context.Context, p CalculateFillParams) (string, error) {
	instr, err := BuildCalculateFillInstruction(p)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, p.Offset, instr)
}

func (c *Client) submit(ctx context.Context, offset uint64, instruction []byte) (string, error) {
	signed, err := c.signer.SignInstruction(instruction)
	if err != nil {
		return "", fmt.Errorf("mpcclient: sign instruction: %w", err)
	}
	sig, err := c.rpc.SendTransaction(ctx, signed)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.waiters[offset] = &pendingWait{ch: make(chan Event, 1)}
	c.mu.Unlock()

	log.Debug().Uint64("offset", offset).Str("signature", sig).Msg("mpc computation submitted")
	return sig, nil
}

// AwaitFinalization blocks until a callback event arrives for
// computationOffset, the mpcTimeoutMs budget elapses, or ctx is cancelled
// (§4.5 state machine: submitted -> awaiting-callback -> finalized|timed-out|failed).
func (c *Client) AwaitFinalization(ctx context.Context, computationOffset uint64) (Event, error) {
	c.mu.Lock()
	w, ok := c.waiters[computationOffset]
	if !ok {
		w = &pendingWait{ch: make(chan Event, 1)}
		c.waiters[computationOffset] = w
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.MpcTimeout)
	defer timer.Stop()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, computationOffset)
		c.mu.Unlock()
	}()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("mpcclient: computation offset %d timed out after %s awaiting finalization", computationOffset, c.cfg.MpcTimeout)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// HandleCallback delivers an incoming MPC callback event to any waiter and
// enforces at-most-once processing via MpcProcessedRequests (P6, R2).
// requestKey should combine the request ID and event name, per the spec's
// "(requestId, eventName) processed at most once" rule.
func (c *Client) HandleCallback(ev Event) error {
	requestKey := fmt.Sprintf("%s:%s", ev.RequestID, ev.Name)

	processed, err := c.store.IsProcessed(requestKey)
	if err != nil {
		return fmt.Errorf("mpcclient: check processed callback: %w", err)
	}
	if processed {
		log.Debug().Str("requestKey", requestKey).Msg("mpc callback already processed, skipping")
		return nil
	}

	status := "processed"
	if ev.ErrorMessage != "" {
		status = "failed"
	}
	if err := c.store.MarkProcessed(requestKey, "event", status, string(ev.Name), ev.TxSignature, ev.ErrorMessage); err != nil {
		return fmt.Errorf("mpcclient: mark callback processed: %w", err)
	}

	c.mu.Lock()
	w, ok := c.waiters[ev.ComputationOffset]
	c.mu.Unlock()
	if ok {
		select {
		case w.ch <- ev:
		default:
		}
	}
	return nil
}

// NewNonce returns seed as a computation nonce (*big.Int). It does not read
// the clock or add randomness, so distinct nonces come only from distinct
// seeds.
func NewNonce(seed int64) *big.Int {
	return big.NewInt(seed)
}
