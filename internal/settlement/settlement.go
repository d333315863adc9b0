// Package settlement implements the Settlement Executor of §4.7: the
// compare -> calculate-fill -> on-chain-settle pipeline for one
// MatchCandidate. Grounded directly on execution/executor.go's
// Order/OrderState lifecycle and execution/reconciler.go's persisted-state
// recovery flow, adapted from a CLOB order state machine to a two-step MPC
// settlement pipeline.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confidex/crank/internal/blockhash"
	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/matchselector"
	"github.com/confidex/crank/internal/mpcclient"
	"github.com/confidex/crank/internal/pairlock"
	"github.com/confidex/crank/internal/pendingops"
	"github.com/confidex/crank/internal/retry"
)

// Result is the outcome of one executeMatch invocation.
type Result struct {
	Success   bool
	Signature string
	Error     error
}

// ChainSubmitter is the subset of the RPC Client (§4.1) the executor
// depends on directly for settlement submission and confirmation.
type ChainSubmitter interface {
	SendTransaction(ctx context.Context, signedTxBase64 string) (string, error)
	ConfirmTransaction(ctx context.Context, signature string, blockhash string, lastValidBlockHeight uint64) (bool, error)
}

// SettlementSigner signs the final match_orders settlement instruction.
type SettlementSigner interface {
	SignSettlement(buyPda, sellPda string, fillCipher []byte) (signedTxBase64 string, err error)
}

// Config bounds executor timeouts and retry behavior (§6).
type Config struct {
	MpcTimeout       time.Duration
	SubmitRetry      retry.Options
}

func (c Config) withDefaults() Config {
	if c.MpcTimeout <= 0 {
		c.MpcTimeout = 120 * time.Second
	}
	return c
}

// Executor is the Settlement Executor of §4.7.
type Executor struct {
	mpc       *mpcclient.Client
	chain     ChainSubmitter
	blockhash *blockhash.Cache
	locks     *pairlock.Manager
	ops       *pendingops.Repository
	signer    SettlementSigner
	clk       clock.Clock
	cfg       Config
}

// New builds a Settlement Executor.
func New(mpc *mpcclient.Client, chain ChainSubmitter, bh *blockhash.Cache, locks *pairlock.Manager, ops *pendingops.Repository, signer SettlementSigner, clk clock.Clock, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{mpc: mpc, chain: chain, blockhash: bh, locks: locks, ops: ops, signer: signer, clk: clk, cfg: cfg}
}

// ExecuteMatch drives one MatchCandidate through the full §4.7 pipeline.
//
// The in-process pair lock is held while each MPC finalization is awaited:
// one entry (requestId "compare:<offset>") covers the compare submit and
// wait, and it is released and immediately re-acquired with a fresh
// requestId ("fill:<offset>") for the fill submit, wait, and on-chain
// settlement. No PendingOp is written for the match; the pair-lock entry is
// what keeps other attempts off the pair during a wait. A requestId-bound
// entry carries a 120s expiry.
func (e *Executor) ExecuteMatch(ctx context.Context, candidate matchselector.MatchCandidate, nonce *big.Int, ephemeralPubkey [32]byte) Result {
	compareOffset := offsetFor(candidate.BuyPda, candidate.SellPda)
	compareRequestID := fmt.Sprintf("compare:%d", compareOffset)

	if !e.locks.AcquireLocks(candidate.BuyPda, candidate.SellPda, compareRequestID) {
		return Result{Success: false, Error: fmt.Errorf("settlement: could not acquire pair locks for %s/%s", candidate.BuyPda, candidate.SellPda)}
	}

	result := e.runComparePhase(ctx, candidate, compareOffset, nonce, ephemeralPubkey)
	if !result.proceedToFill {
		e.locks.ReleaseLocks(candidate.BuyPda, candidate.SellPda)
		return result.Result
	}

	// Prices matched: release the compare-phase reservation and take a fresh
	// one for the fill wait, rather than carry one lock entry across both
	// MPC round trips.
	e.locks.ReleaseLocks(candidate.BuyPda, candidate.SellPda)
	fillRequestID := fmt.Sprintf("fill:%d", compareOffset)
	if !e.locks.AcquireLocks(candidate.BuyPda, candidate.SellPda, fillRequestID) {
		return Result{Success: false, Error: fmt.Errorf("settlement: could not re-acquire pair locks for fill phase on %s/%s", candidate.BuyPda, candidate.SellPda)}
	}

	fillResult := e.runFillPhase(ctx, candidate, compareOffset, nonce, ephemeralPubkey)
	e.locks.ReleaseLocks(candidate.BuyPda, candidate.SellPda)
	return fillResult
}

type comparePhaseResult struct {
	Result
	proceedToFill bool
}

func (e *Executor) runComparePhase(ctx context.Context, candidate matchselector.MatchCandidate, offset uint64, nonce *big.Int, ephemeralPubkey [32]byte) comparePhaseResult {
	bh, err := e.blockhash.EnsureFreshBlockhash(ctx, 150)
	if err != nil {
		return comparePhaseResult{Result: Result{Success: false, Error: fmt.Errorf("settlement: ensure fresh blockhash: %w", err)}}
	}

	params := mpcclient.ComparePricesParams{
		Offset:          offset,
		BuyCipher:       to32(candidate.BuyOrder.PriceCipher[:32]),
		SellCipher:      to32(candidate.SellOrder.PriceCipher[:32]),
		EphemeralPubkey: ephemeralPubkey,
		Nonce:           nonce,
	}

	submitRes := retry.WithRetry(e.clk, func(attempt int) (string, error) {
		return e.mpc.ExecuteComparePrices(ctx, params)
	}, e.cfg.SubmitRetry)

	if !submitRes.Success {
		return comparePhaseResult{Result: Result{Success: false, Error: submitRes.Err}}
	}
	sig := submitRes.Value

	if err := e.ops.RecordTransaction(sig, "compare_prices", candidate.BuyPda, candidate.SellPda, ""); err != nil {
		log.Warn().Err(err).Str("signature", sig).Msg("failed to persist compare_prices transaction record")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.MpcTimeout)
	defer cancel()
	ev, err := e.mpc.AwaitFinalization(ctx, offset)
	if err != nil {
		return comparePhaseResult{Result: Result{Success: false, Error: fmt.Errorf("settlement: await compare-prices finalization: %w", err)}}
	}

	if err := e.mpc.HandleCallback(ev); err != nil {
		return comparePhaseResult{Result: Result{Success: false, Error: err}}
	}

	if !ev.PricesMatch {
		// Not a crank error: record the outcome and stop the pipeline here.
		log.Info().Str("buyPda", candidate.BuyPda).Str("sellPda", candidate.SellPda).Msg("prices did not match, releasing locks")
		return comparePhaseResult{Result: Result{Success: false}, proceedToFill: false}
	}

	_ = bh // only the freshness check is needed here; the fill phase fetches its own blockhash
	return comparePhaseResult{Result: Result{Success: true, Signature: sig}, proceedToFill: true}
}

func (e *Executor) runFillPhase(ctx context.Context, candidate matchselector.MatchCandidate, offset uint64, nonce *big.Int, ephemeralPubkey [32]byte) Result {
	fillParams := mpcclient.CalculateFillParams{
		Offset:           offset,
		BuyAmountCipher:  to32(candidate.BuyOrder.AmountCipher[:32]),
		SellAmountCipher: to32(candidate.SellOrder.AmountCipher[:32]),
		BuyPriceCipher:   to32(candidate.BuyOrder.PriceCipher[:32]),
		SellPriceCipher:  to32(candidate.SellOrder.PriceCipher[:32]),
		BuyFilledCipher:  to32(candidate.BuyOrder.FilledCipher[:32]),
		SellFilledCipher: to32(candidate.SellOrder.FilledCipher[:32]),
		EphemeralPubkey:  ephemeralPubkey,
		Nonce:            nonce,
	}

	submitRes := retry.WithRetry(e.clk, func(attempt int) (string, error) {
		return e.mpc.ExecuteCalculateFill(ctx, fillParams)
	}, e.cfg.SubmitRetry)
	if !submitRes.Success {
		return Result{Success: false, Error: submitRes.Err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.MpcTimeout)
	defer cancel()
	ev, err := e.mpc.AwaitFinalization(waitCtx, offset)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("settlement: await calculate-fill finalization: %w", err)}
	}
	if err := e.mpc.HandleCallback(ev); err != nil {
		return Result{Success: false, Error: err}
	}
	if ev.ErrorMessage != "" {
		return Result{Success: false, Error: fmt.Errorf("settlement: calculate-fill failed: %s", ev.ErrorMessage)}
	}

	bh, err := e.blockhash.GetBlockhash(ctx, false)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("settlement: get blockhash for settlement submit: %w", err)}
	}

	signed, err := e.signer.SignSettlement(candidate.BuyPda, candidate.SellPda, []byte(ev.TxSignature))
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("settlement: sign settlement instruction: %w", err)}
	}

	submitSettlement := retry.WithRetry(e.clk, func(attempt int) (string, error) {
		return e.chain.SendTransaction(ctx, signed)
	}, e.cfg.SubmitRetry)
	if !submitSettlement.Success {
		return Result{Success: false, Error: submitSettlement.Err}
	}
	sig := submitSettlement.Value

	if err := e.ops.RecordTransaction(sig, "match_orders", candidate.BuyPda, candidate.SellPda, ev.RequestID); err != nil {
		log.Warn().Err(err).Str("signature", sig).Msg("failed to persist match_orders transaction record")
	}

	confirmed, err := e.chain.ConfirmTransaction(ctx, sig, bh.Hash, bh.LastValidBlockHeight)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("settlement: confirm settlement tx: %w", err)}
	}
	if !confirmed {
		return Result{Success: false, Error: fmt.Errorf("settlement: tx %s not confirmed at status check", sig)}
	}

	if err := e.ops.UpdateTransactionStatus(sig, "confirmed", 0); err != nil {
		log.Warn().Err(err).Str("signature", sig).Msg("failed to mark transaction confirmed")
	}

	return Result{Success: true, Signature: sig}
}

func to32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// offsetFor derives a stable computation offset for a candidate pair. The
// MPC cluster correlates requests by this offset, so it must be
// deterministic for the lifetime of one match attempt.
func offsetFor(buyPda, sellPda string) uint64 {
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for _, b := range buyPda + ":" + sellPda {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}
