// Package wallet loads the Crank operator's signing key and implements the
// small set of signer/nonce contracts the MPC client, settlement executor,
// and crank orchestrator depend on. Grounded on exec/client.go's NewClient():
// a hex-encoded ECDSA private key loaded from the environment (or here, a
// file path) via go-ethereum's crypto package, with the zero-value client
// left in a "no signing key" state rather than erroring.
package wallet

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const lamportsPerUnit = 1_000_000_000

// Wallet holds the Crank's signing key and doubles as the nonce source for
// MPC requests: mpcclient.Signer, settlement.SettlementSigner, and
// crank.NonceSource are all satisfied by *Wallet.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    string

	mu          sync.Mutex
	nonceCursor uint64
}

// Load reads the signing key from walletPath (a file containing a hex
// private key) if set, falling back to secretKeyHex (e.g. from
// CRANK_WALLET_SECRET_KEY). Exactly one of the two is expected to be
// non-empty in production; both empty yields a Wallet with no signing key,
// useful for dry-run/local development against a mock MPC cluster.
func Load(walletPath, secretKeyHex string) (*Wallet, error) {
	raw := secretKeyHex
	if walletPath != "" {
		b, err := os.ReadFile(walletPath)
		if err != nil {
			return nil, fmt.Errorf("wallet: read %s: %w", walletPath, err)
		}
		raw = strings.TrimSpace(string(b))
	}

	w := &Wallet{}
	if raw == "" {
		log.Warn().Msg("wallet: no signing key configured, running without a settlement signer")
		return w, nil
	}

	raw = strings.TrimPrefix(raw, "0x")
	pk, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}
	w.privateKey = pk
	w.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()

	log.Info().Str("address", w.address).Msg("wallet loaded")
	return w, nil
}

// Address returns the operator's public address, empty if no key is loaded.
func (w *Wallet) Address() string {
	return w.address
}

// SignInstruction signs a raw MXE instruction payload for submission,
// satisfying mpcclient.Signer. Mirrors signOrderEIP712's
// sign-hash-then-hex-encode shape, generalized from an order struct hash to
// an arbitrary instruction byte string.
func (w *Wallet) SignInstruction(instruction []byte) (string, error) {
	sig, err := w.signDigest(instruction)
	if err != nil {
		return "", fmt.Errorf("wallet: sign instruction: %w", err)
	}
	return sig, nil
}

// SignSettlement signs the final on-chain settlement transaction for a
// matched order pair, satisfying settlement.SettlementSigner.
func (w *Wallet) SignSettlement(buyPda, sellPda string, fillCipher []byte) (string, error) {
	digest := append([]byte(buyPda+":"+sellPda+":"), fillCipher...)
	sig, err := w.signDigest(digest)
	if err != nil {
		return "", fmt.Errorf("wallet: sign settlement: %w", err)
	}
	return sig, nil
}

func (w *Wallet) signDigest(payload []byte) (string, error) {
	if w.privateKey == nil {
		return "", fmt.Errorf("no signing key configured")
	}
	hash := crypto.Keccak256(payload)
	sig, err := crypto.Sign(hash, w.privateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// NextNonce returns a fresh per-request nonce for an MPC computation,
// satisfying crank.NonceSource. Nonces only need to be unique per
// outstanding request, not globally monotone: an in-process counter
// (starting at 1) fills the high bits and 32 random bits from crypto/rand
// fill the low bits; if crypto/rand fails, the bare counter is returned.
func (w *Wallet) NextNonce() *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonceCursor++
	n := new(big.Int).SetUint64(w.nonceCursor)
	salt, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err == nil {
		n = new(big.Int).Lsh(n, 32)
		n.Or(n, salt)
	}
	return n
}

// FormatBalance converts a raw lamport balance into a human-readable decimal
// string, the way the teacher formats `decimal.Decimal` money fields rather
// than doing float division on integer balances.
func FormatBalance(lamports uint64) string {
	return decimal.New(int64(lamports), 0).Div(decimal.New(lamportsPerUnit, 0)).String()
}

// EphemeralPubkey returns the Keccak-256 hash of the loaded wallet's public
// key, the same value on every call; no x25519 key agreement with the MXE
// cluster is performed. When no key is loaded it returns a fixed ASCII
// placeholder, so callers never see uninitialized bytes.
func (w *Wallet) EphemeralPubkey() [32]byte {
	var out [32]byte
	if w.privateKey == nil {
		copy(out[:], []byte("crank-dry-run-ephemeral-key-0000"))
		return out
	}
	pub := crypto.FromECDSAPub(&w.privateKey.PublicKey)
	hash := crypto.Keccak256(pub)
	copy(out[:], hash)
	return out
}
