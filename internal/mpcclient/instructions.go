// Package mpcclient implements the MPC Client of §4.5: a submitter for
// opaque named computations against the external MPC cluster, with
// request-id correlation and instruction encoding. Grounded on
// exec/client.go's manual signed-instruction byte assembly, generalized from
// EIP-712 field packing to the compare-prices/calculate-fill binary layouts.
package mpcclient

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	comparePricesInstructionSize = 128
	nonceByteWidth               = 16
)

// discriminator computes the 8-byte Anchor-style instruction discriminator:
// the first 8 bytes of SHA-256("global:<name>") (§4.5, S2).
func discriminator(instructionName string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + instructionName))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var (
	comparePricesDiscriminator  = discriminator("compare_prices")
	calculateFillDiscriminator  = discriminator("calculate_fill")
	addEncryptedDiscriminator   = discriminator("add_encrypted")
	subEncryptedDiscriminator   = discriminator("sub_encrypted")
)

// serializeNonceLE128 serializes a nonce as a little-endian 128-bit unsigned
// integer (§4.5, S1): e.g. 0x123456789ABCDEF0 -> bytes starting F0 DE BC 9A...
func serializeNonceLE128(nonce *big.Int) ([nonceByteWidth]byte, error) {
	var out [nonceByteWidth]byte
	if nonce.Sign() < 0 {
		return out, fmt.Errorf("mpcclient: nonce must be non-negative")
	}
	be := nonce.Bytes()
	if len(be) > nonceByteWidth {
		return out, fmt.Errorf("mpcclient: nonce exceeds 128 bits")
	}
	// big.Int.Bytes() is big-endian with no leading zero padding; place it
	// right-aligned within a 16-byte big-endian buffer, then reverse to LE.
	var be16 [nonceByteWidth]byte
	copy(be16[nonceByteWidth-len(be):], be)
	for i := 0; i < nonceByteWidth; i++ {
		out[i] = be16[nonceByteWidth-1-i]
	}
	return out, nil
}

// ComparePricesParams are the operands of the compare-prices instruction.
type ComparePricesParams struct {
	Offset         uint64
	BuyCipher      [32]byte
	SellCipher     [32]byte
	EphemeralPubkey [32]byte
	Nonce          *big.Int
}

// BuildComparePricesInstruction assembles the 128-byte compare-prices
// instruction layout of §4.5:
// discriminator(8) + offset(8) + buyCipher(32) + sellCipher(32) +
// ephemeralPubkey(32) + nonce(16).
func BuildComparePricesInstruction(p ComparePricesParams) ([]byte, error) {
	nonceBytes, err := serializeNonceLE128(p.Nonce)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, comparePricesInstructionSize)
	buf = append(buf, comparePricesDiscriminator[:]...)

	var offsetBytes [8]byte
	binary.LittleEndian.PutUint64(offsetBytes[:], p.Offset)
	buf = append(buf, offsetBytes[:]...)

	buf = append(buf, p.BuyCipher[:]...)
	buf = append(buf, p.SellCipher[:]...)
	buf = append(buf, p.EphemeralPubkey[:]...)
	buf = append(buf, nonceBytes[:]...)

	if len(buf) != comparePricesInstructionSize {
		return nil, fmt.Errorf("mpcclient: compare-prices instruction assembled to %d bytes, want %d", len(buf), comparePricesInstructionSize)
	}
	return buf, nil
}

// CalculateFillParams are the operands of the calculate-fill instruction.
// Ciphertexts are carried opaquely; besides the buy/sell price ciphertexts
// that compare-prices also carries, the layout adds the buy/sell amount and
// buy/sell filled-amount ciphertexts.
type CalculateFillParams struct {
	Offset          uint64
	BuyAmountCipher [32]byte
	SellAmountCipher [32]byte
	BuyPriceCipher  [32]byte
	SellPriceCipher [32]byte
	BuyFilledCipher [32]byte
	SellFilledCipher [32]byte
	EphemeralPubkey [32]byte
	Nonce           *big.Int
}

// BuildCalculateFillInstruction assembles the calculate-fill instruction:
// discriminator(8) + offset(8) + 6*cipher(32 each) + ephemeralPubkey(32) +
// nonce(16).
func BuildCalculateFillInstruction(p CalculateFillParams) ([]byte, error) {
	nonceBytes, err := serializeNonceLE128(p.Nonce)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 8+8+6*32+32+nonceByteWidth)
	buf = append(buf, calculateFillDiscriminator[:]...)

	var offsetBytes [8]byte
	binary.LittleEndian.PutUint64(offsetBytes[:], p.Offset)
	buf = append(buf, offsetBytes[:]...)

	buf = append(buf, p.BuyAmountCipher[:]...)
	buf = append(buf, p.SellAmountCipher[:]...)
	buf = append(buf, p.BuyPriceCipher[:]...)
	buf = append(buf, p.SellPriceCipher[:]...)
	buf = append(buf, p.BuyFilledCipher[:]...)
	buf = append(buf, p.SellFilledCipher[:]...)
	buf = append(buf, p.EphemeralPubkey[:]...)
	buf = append(buf, nonceBytes[:]...)
	return buf, nil
}

// AccountSet is the deterministic set of derived account addresses a
// computation instruction references (§4.5, `deriveAccounts`).
type AccountSet struct {
	MxeAccount        string
	ClusterAccount    string
	ComputationAccount string
	PoolAccount       string
}

// DeriveAccounts is a pure, deterministic function of the program ID and
// the configured cluster offset. It returns "<programID>:<kind>:<offset>"
// labels; it does not compute on-chain PDA addresses. The Crank never computes these independently of the configured offset (§9
// Open Question resolution: no runtime legacy/full fallback).
func DeriveAccounts(programID string, clusterOffset uint64) AccountSet {
	return AccountSet{
		MxeAccount:          fmt.Sprintf("%s:mxe:%d", programID, clusterOffset),
		ClusterAccount:      fmt.Sprintf("%s:cluster:%d", programID, clusterOffset),
		ComputationAccount:  fmt.Sprintf("%s:computation:%d", programID, clusterOffset),
		PoolAccount:         fmt.Sprintf("%s:pool:%d", programID, clusterOffset),
	}
}
