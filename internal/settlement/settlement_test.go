package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/confidex/crank/internal/blockhash"
	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/matchselector"
	"github.com/confidex/crank/internal/mpcclient"
	"github.com/confidex/crank/internal/orderaccount"
	"github.com/confidex/crank/internal/pairlock"
	"github.com/confidex/crank/internal/pendingops"
	"github.com/confidex/crank/internal/retry"
	"github.com/confidex/crank/internal/rpcclient"
	"github.com/confidex/crank/internal/store"
)

type fakeMpcRPC struct{}

func (fakeMpcRPC) GetAccountInfo(ctx context.Context, pubkey string) (mpcclient.AccountInfo, error) {
	return mpcclient.AccountInfo{}, nil
}

func (fakeMpcRPC) SendTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	return "mpc-sig", nil
}

type fakeMpcSigner struct{}

func (fakeMpcSigner) SignInstruction(instruction []byte) (string, error) { return "signed-instr", nil }

type fakeChain struct {
	sendSig      string
	confirmed    bool
	confirmError error
}

func (f *fakeChain) SendTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	return f.sendSig, nil
}

func (f *fakeChain) ConfirmTransaction(ctx context.Context, signature, bhash string, lastValidBlockHeight uint64) (bool, error) {
	if f.confirmError != nil {
		return false, f.confirmError
	}
	return f.confirmed, nil
}

type fakeSettlementSigner struct{}

func (fakeSettlementSigner) SignSettlement(buyPda, sellPda string, fillCipher []byte) (string, error) {
	return "signed-settlement", nil
}

type fakeBlockhashFetcher struct{}

func (fakeBlockhashFetcher) GetLatestBlockhash(ctx context.Context, commitment rpcclient.Commitment) (rpcclient.Blockhash, error) {
	return rpcclient.Blockhash{Hash: "bh-1", LastValidBlockHeight: 1000, Slot: 500}, nil
}

func (fakeBlockhashFetcher) GetSlot(ctx context.Context) (uint64, error) { return 500, nil }

func candidateFixture() matchselector.MatchCandidate {
	buy := &orderaccount.Order{}
	sell := &orderaccount.Order{}
	buy.Maker[0] = 1
	sell.Maker[0] = 2
	return matchselector.MatchCandidate{
		BuyPda:    "buy-pda",
		SellPda:   "sell-pda",
		BuyOrder:  buy,
		SellOrder: sell,
	}
}

func newTestExecutor(t *testing.T, chain *fakeChain) (*Executor, *mpcclient.Client) {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ops := pendingops.New(s, clk)

	mpc := mpcclient.New(fakeMpcRPC{}, fakeMpcSigner{}, ops, mpcclient.Config{
		ProgramID:           "prog-1",
		ClusterStateAccount: "cluster-state",
		ClusterOffset:       456,
		MpcTimeout:          500 * time.Millisecond,
	})

	bh := blockhash.New(fakeBlockhashFetcher{}, clk, blockhash.Config{})
	locks := pairlock.New(clk)

	exec := New(mpc, chain, bh, locks, ops, fakeSettlementSigner{}, clk, Config{
		MpcTimeout:  500 * time.Millisecond,
		SubmitRetry: retry.Options{MaxAttempts: 1},
	})
	return exec, mpc
}

func TestExecuteMatchReleasesLocksWhenPricesDoNotMatch(t *testing.T) {
	chain := &fakeChain{sendSig: "settle-sig", confirmed: true}
	exec, mpc := newTestExecutor(t, chain)
	candidate := candidateFixture()

	var wg sync.WaitGroup
	wg.Add(1)
	var result Result
	go func() {
		defer wg.Done()
		result = exec.ExecuteMatch(context.Background(), candidate, big.NewInt(1), [32]byte{})
	}()

	time.Sleep(20 * time.Millisecond)
	offset := offsetFor(candidate.BuyPda, candidate.SellPda)
	_ = mpc.HandleCallback(mpcclient.Event{
		Name:              mpcclient.EventPriceCompareResult,
		RequestID:         "req-1",
		ComputationOffset: offset,
		PricesMatch:       false,
	})
	wg.Wait()

	if result.Success {
		t.Fatal("expected executeMatch to report failure when prices do not match")
	}
	if exec.locks.IsLocked(candidate.BuyPda) || exec.locks.IsLocked(candidate.SellPda) {
		t.Fatal("expected pair locks to be released after a non-matching compare result")
	}
}

func TestExecuteMatchSettlesWhenPricesMatch(t *testing.T) {
	chain := &fakeChain{sendSig: "settle-sig", confirmed: true}
	exec, mpc := newTestExecutor(t, chain)
	candidate := candidateFixture()

	var wg sync.WaitGroup
	wg.Add(1)
	var result Result
	go func() {
		defer wg.Done()
		result = exec.ExecuteMatch(context.Background(), candidate, big.NewInt(1), [32]byte{})
	}()

	offset := offsetFor(candidate.BuyPda, candidate.SellPda)
	time.Sleep(20 * time.Millisecond)
	_ = mpc.HandleCallback(mpcclient.Event{
		Name:              mpcclient.EventPriceCompareResult,
		RequestID:         "req-1",
		ComputationOffset: offset,
		PricesMatch:       true,
	})

	time.Sleep(20 * time.Millisecond)
	_ = mpc.HandleCallback(mpcclient.Event{
		Name:              mpcclient.EventFillCalculationResult,
		RequestID:         "req-2",
		ComputationOffset: offset,
		TxSignature:       "fill-tx",
	})
	wg.Wait()

	if !result.Success {
		t.Fatalf("expected successful settlement, got error: %v", result.Error)
	}
	if result.Signature != "settle-sig" {
		t.Fatalf("expected settlement signature settle-sig, got %q", result.Signature)
	}
	if exec.locks.IsLocked(candidate.BuyPda) {
		t.Fatal("expected pair locks to be released after settlement")
	}
}

func TestExecuteMatchFailsWhenLocksAlreadyHeld(t *testing.T) {
	chain := &fakeChain{sendSig: "settle-sig", confirmed: true}
	exec, _ := newTestExecutor(t, chain)
	candidate := candidateFixture()

	if !exec.locks.AcquireLocks(candidate.BuyPda, candidate.SellPda, "") {
		t.Fatal("expected initial acquire to succeed")
	}

	result := exec.ExecuteMatch(context.Background(), candidate, big.NewInt(1), [32]byte{})
	if result.Success {
		t.Fatal("expected executeMatch to fail when pair locks are already held")
	}
}
