// Crank - off-chain coordinator for a privacy-preserving decentralized
// exchange.
//
// It watches on-chain order accounts, selects eligible buy/sell pairs,
// delegates price comparison and fill calculation to an external MPC
// cluster, and submits the resulting settlement transaction on match.
//
// Architecture: OrderCache -> MatchSelector -> PairLock -> MPC -> Settlement
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/confidex/crank/internal/blockhash"
	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/config"
	"github.com/confidex/crank/internal/crank"
	"github.com/confidex/crank/internal/distlock"
	"github.com/confidex/crank/internal/metrics"
	"github.com/confidex/crank/internal/mpcclient"
	"github.com/confidex/crank/internal/ordercache"
	"github.com/confidex/crank/internal/pairlock"
	"github.com/confidex/crank/internal/pendingops"
	"github.com/confidex/crank/internal/retry"
	"github.com/confidex/crank/internal/rpcclient"
	"github.com/confidex/crank/internal/settlement"
	"github.com/confidex/crank/internal/store"
	"github.com/confidex/crank/internal/wallet"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().
		Str("version", version).
		Str("programId", cfg.ProgramID).
		Bool("crankEnabled", cfg.CrankEnabled).
		Msg("crank starting")

	db, err := store.Open(store.DriverSQLite, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	clk := clock.Real{}
	m := metrics.New()

	w, err := wallet.Load(cfg.WalletPath, cfg.WalletSecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load wallet")
	}

	rpc := rpcclient.NewClient(firstNonEmpty(cfg.RPCPrimary, cfg.RPCURL), cfg.RPCFallback, 10*time.Second)

	bh := blockhash.New(rpc, clk, blockhash.Config{
		RefreshIntervalMs: cfg.BlockhashRefreshIntervalMs,
		MaxAgeMs:          cfg.BlockhashMaxAgeMs,
		PrefetchCount:     cfg.BlockhashPrefetchCount,
		FetchTimeoutMs:    cfg.BlockhashFetchTimeoutMs,
	})

	// No WebSocket dialer is wired here; the cache runs polling-only until a
	// program-account-subscription transport is configured (§4.3).
	cache := ordercache.New(clk, cfg.ProgramID, nil, ordercache.Config{})

	locks := pairlock.New(clk)

	ownerID, err := os.Hostname()
	if err != nil || ownerID == "" {
		ownerID = "crank-unknown-host"
	}
	dl := distlock.New(db, clk, ownerID, 15*time.Second)
	dl.StartHeartbeat()

	ops := pendingops.New(db, clk)

	mpc := mpcclient.New(mpcRPC{rpc}, w, ops, mpcclient.Config{
		ProgramID:           cfg.MXEProgramID,
		ClusterStateAccount: cfg.ProgramID,
		ClusterOffset:       uint64(cfg.ClusterOffset),
		MpcTimeout:          time.Duration(cfg.MPCTimeoutMs) * time.Millisecond,
		CallbackTimeout:     time.Duration(cfg.MPCCallbackTimeoutMs) * time.Millisecond,
	})

	chain := &chainAdapter{rpc: rpc}

	executor := settlement.New(mpc, chain, bh, locks, ops, w, clk, settlement.Config{
		MpcTimeout: time.Duration(cfg.MPCTimeoutMs) * time.Millisecond,
		SubmitRetry: retry.Options{
			MaxAttempts:    3,
			InitialDelayMs: 200,
			IsRetryable:    rpcclient.IsRetryable,
		},
	})

	svc := crank.New(clk, cache, locks, dl, ops, executor, m, w, crank.Config{
		PollingInterval:      time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		MaxConcurrentMatches: cfg.MaxConcurrentMatch,
		ErrorThreshold:       cfg.ErrorThreshold,
		PauseDuration:        time.Duration(cfg.PauseDurationMs) * time.Millisecond,
		ShutdownTimeout:      cfg.ShutdownTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bh.Start(ctx)
	cache.Start(ctx)

	if addr := w.Address(); addr != "" {
		go refreshWalletBalance(ctx, rpc, addr, m)
	}

	if sc, err := rpcclient.Dial(firstNonEmpty(cfg.RPCPrimary, cfg.RPCURL)); err != nil {
		log.Warn().Err(err).Msg("failed to dial rpc websocket, mpc callback events will not be observed")
	} else {
		go func() {
			if err := mpc.Listen(ctx, sc, cfg.MXEProgramID); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("mpc callback listener stopped unexpectedly")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = sc.Close()
		}()
	}

	if cfg.CrankEnabled {
		if err := svc.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start crank service")
		}
		log.Info().Msg("crank service running")
	} else {
		log.Warn().Msg("CRANK_ENABLED is false, poll loop will not run")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	svc.Stop()
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing store")
	}
	log.Info().Msg("crank stopped")
}

// refreshWalletBalance polls the operator wallet's lamport balance and
// publishes it as the metrics wallet-balance gauge until ctx is cancelled.
func refreshWalletBalance(ctx context.Context, rpc *rpcclient.Client, address string, m *metrics.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		lamports, err := rpc.GetBalance(ctx, address)
		if err != nil {
			log.Warn().Err(err).Msg("failed to refresh wallet balance")
		} else {
			m.SetWalletBalance(wallet.FormatBalance(lamports))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// mpcRPC adapts rpcclient.Client to mpcclient.RPC, whose GetAccountInfo
// returns mpcclient's own AccountInfo projection.
type mpcRPC struct{ *rpcclient.Client }

func (a mpcRPC) GetAccountInfo(ctx context.Context, pubkey string) (mpcclient.AccountInfo, error) {
	info, err := a.Client.GetAccountInfo(ctx, pubkey)
	return mpcclient.AccountInfo{Data: info.Data, Slot: info.Slot}, err
}

// chainAdapter narrows rpcclient.Client to settlement.ChainSubmitter. The
// blockhash argument is dropped: rpcclient's ConfirmTransaction takes only
// the signature and lastValidBlockHeight.
type chainAdapter struct {
	rpc *rpcclient.Client
}

func (a *chainAdapter) SendTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	return a.rpc.SendTransaction(ctx, signedTxBase64)
}

func (a *chainAdapter) ConfirmTransaction(ctx context.Context, signature, blockhashStr string, lastValidBlockHeight uint64) (bool, error) {
	return a.rpc.ConfirmTransaction(ctx, signature, lastValidBlockHeight)
}
