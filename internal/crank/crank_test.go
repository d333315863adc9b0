package crank

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/confidex/crank/internal/blockhash"
	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/distlock"
	"github.com/confidex/crank/internal/metrics"
	"github.com/confidex/crank/internal/mpcclient"
	"github.com/confidex/crank/internal/ordercache"
	"github.com/confidex/crank/internal/pairlock"
	"github.com/confidex/crank/internal/pendingops"
	"github.com/confidex/crank/internal/rpcclient"
	"github.com/confidex/crank/internal/settlement"
	"github.com/confidex/crank/internal/store"
)

type noopMpcRPC struct{}

func (noopMpcRPC) GetAccountInfo(ctx context.Context, pubkey string) (mpcclient.AccountInfo, error) {
	return mpcclient.AccountInfo{}, nil
}
func (noopMpcRPC) SendTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	return "sig", nil
}

type noopMpcSigner struct{}

func (noopMpcSigner) SignInstruction(instruction []byte) (string, error) { return "signed", nil }

type noopChain struct{}

func (noopChain) SendTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	return "sig", nil
}
func (noopChain) ConfirmTransaction(ctx context.Context, signature, bhash string, lastValidBlockHeight uint64) (bool, error) {
	return true, nil
}

type noopSettlementSigner struct{}

func (noopSettlementSigner) SignSettlement(buyPda, sellPda string, fillCipher []byte) (string, error) {
	return "signed-settlement", nil
}

type noopBlockhashFetcher struct{}

func (noopBlockhashFetcher) GetLatestBlockhash(ctx context.Context, commitment rpcclient.Commitment) (rpcclient.Blockhash, error) {
	return rpcclient.Blockhash{Hash: "bh", LastValidBlockHeight: 1000, Slot: 1}, nil
}
func (noopBlockhashFetcher) GetSlot(ctx context.Context) (uint64, error) { return 1, nil }

type noopNonceSource struct{}

func (noopNonceSource) NextNonce() *big.Int      { return big.NewInt(1) }
func (noopNonceSource) EphemeralPubkey() [32]byte { return [32]byte{} }

func newTestService(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	ops := pendingops.New(s, clk)
	mpc := mpcclient.New(noopMpcRPC{}, noopMpcSigner{}, ops, mpcclient.Config{ProgramID: "prog", ClusterStateAccount: "cs", ClusterOffset: 456})
	bh := blockhash.New(noopBlockhashFetcher{}, clk, blockhash.Config{})
	locks := pairlock.New(clk)
	exec := settlement.New(mpc, noopChain{}, bh, locks, ops, noopSettlementSigner{}, clk, settlement.Config{})

	dl := distlock.New(s, clk, "test-owner", time.Second)
	cache := ordercache.New(clk, "prog-1", nil, ordercache.Config{})
	m := metrics.New()

	svc := New(clk, cache, locks, dl, ops, exec, m, noopNonceSource{}, Config{
		PollingInterval: time.Hour, // tests drive ticks manually, no need for the real timer to fire
		ErrorThreshold:  3,
		PauseDuration:   time.Minute,
	})
	return svc, clk
}

func TestStartTransitionsToRunningAndBackToStoppedOnStop(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if svc.State() != StateRunning {
		t.Fatalf("expected running after Start, got %s", svc.State())
	}

	svc.Stop()
	if svc.State() != StateStopped {
		t.Fatalf("expected stopped after Stop, got %s", svc.State())
	}
}

func TestPauseKeepsLocksAndResumeRestoresRunning(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	svc.Pause()
	if svc.State() != StatePaused {
		t.Fatalf("expected paused, got %s", svc.State())
	}

	svc.Resume(context.Background())
	if svc.State() != StateRunning {
		t.Fatalf("expected running after resume, got %s", svc.State())
	}
}

func TestCircuitBreakerTripsAfterErrorThresholdAndClearsAfterPause(t *testing.T) {
	// P8: circuit breaker clears exactly pauseDurationMs after tripping; no
	// new poll work during the pause.
	svc, clk := newTestService(t)

	for i := 0; i < 3; i++ {
		svc.recordOutcome(settlement.Result{Success: false, Error: context.DeadlineExceeded})
	}

	svc.mu.Lock()
	tripped := !svc.circuitOpenUntil.IsZero()
	svc.mu.Unlock()
	if !tripped {
		t.Fatal("expected circuit breaker to trip after reaching errorThreshold")
	}

	clk.Advance(2 * time.Minute)
	svc.maybeClearCircuitBreaker()

	svc.mu.Lock()
	cleared := svc.circuitOpenUntil.IsZero()
	svc.mu.Unlock()
	if !cleared {
		t.Fatal("expected circuit breaker to clear after pauseDurationMs elapses")
	}
}

func TestSkipPendingMpcMarksInProgressAsFailed(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.ops.Create("op-1", pendingops.OpMpcCallback, "key-1", "", 5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.ops.MarkInProgress("op-1", "worker-a"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	n, err := svc.SkipPendingMpc()
	if err != nil {
		t.Fatalf("SkipPendingMpc: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 in-progress op skipped, got %d", n)
	}
	counts, err := svc.ops.GetCountByStatus()
	if err != nil {
		t.Fatalf("GetCountByStatus: %v", err)
	}
	if counts["failed"] != 1 || counts["in_progress"] != 0 {
		t.Fatalf("expected the op to move to failed, got %v", counts)
	}
}

func TestStopWaitsForInFlightMatchesToDrain(t *testing.T) {
	svc, _ := newTestService(t)
	svc.cfg.ShutdownTimeout = time.Second

	svc.inFlight.Add(1)
	released := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		svc.inFlight.Done()
		close(released)
	}()

	svc.mu.Lock()
	svc.state = StateRunning
	svc.stopCh = make(chan struct{})
	svc.mu.Unlock()

	svc.Stop()

	select {
	case <-released:
	default:
		t.Fatal("expected Stop to wait for in-flight work to finish before returning")
	}
}

func TestStopGivesUpAfterShutdownTimeoutElapses(t *testing.T) {
	svc, _ := newTestService(t)
	svc.cfg.ShutdownTimeout = 10 * time.Millisecond

	svc.inFlight.Add(1)
	defer svc.inFlight.Done() // never finishes within the timeout, drained at test end

	svc.mu.Lock()
	svc.state = StateRunning
	svc.stopCh = make(chan struct{})
	svc.mu.Unlock()

	start := time.Now()
	svc.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected Stop to give up around the shutdown timeout, took %s", elapsed)
	}
	if svc.State() != StateStopped {
		t.Fatal("expected state to be stopped even when in-flight work did not drain in time")
	}
}
