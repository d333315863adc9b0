// Package orderaccount decodes the 366-byte on-chain order account layout
// (§6) into the Crank's read-only Order projection (§3). Grounded on
// exec/client.go's manual byte-offset instruction assembly, mirrored here
// for decoding instead of encoding.
package orderaccount

import (
	"encoding/binary"
	"fmt"
)

const (
	AccountSize = 366

	offDiscriminator = 0  // 8 bytes
	offMaker         = 8  // 32 bytes
	offPair          = 40 // 32 bytes
	offSide          = 72 // 1 byte
	offAmountCipher  = 73 // 64 bytes: 73..136
	offPriceCipher   = 137 // 64 bytes: 137..200
	offFilledCipher  = 201 // 64 bytes: 201..264
	// byte 265 reserved
	offStatus        = 266 // 1 byte, byte-exact per §6
	offCreatedAtHour = 267 // 8 bytes, little-endian uint64: 267..274
	offEligibility   = 275 // 1 byte, bool
	offIsMatching    = 276 // 1 byte, bool
	// bytes 277..365 reserved for future account fields
)

// Side mirrors the on-chain enum (§3).
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

// Status mirrors the on-chain enum (§3).
type Status uint8

const (
	StatusActive Status = iota
	StatusFilled
	StatusCancelled
	StatusExpired
	StatusMatching
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusFilled:
		return "Filled"
	case StatusCancelled:
		return "Cancelled"
	case StatusExpired:
		return "Expired"
	case StatusMatching:
		return "Matching"
	default:
		return "Unknown"
	}
}

// Order is the Crank's read-only projection of on-chain order state (§3).
// The Crank never rewrites these fields; only decoded from account bytes.
type Order struct {
	OrderID                 string
	Maker                   [32]byte
	Pair                    [32]byte
	Side                    Side
	Status                  Status
	CreatedAtHour           uint64
	EligibilityProofVerified bool
	IsMatching              bool
	AmountCipher            [64]byte
	PriceCipher             [64]byte
	FilledCipher            [64]byte
	Slot                    uint64
}

// Decode parses the byte-exact account layout of §6 into an Order. orderID
// and slot are supplied by the caller (they come from the RPC response
// envelope, not the account bytes themselves).
func Decode(orderID string, data []byte, slot uint64) (*Order, error) {
	if len(data) != AccountSize {
		return nil, fmt.Errorf("orderaccount: expected %d bytes, got %d", AccountSize, len(data))
	}

	o := &Order{
		OrderID:                  orderID,
		Side:                     Side(data[offSide]),
		Status:                   Status(data[offStatus]),
		CreatedAtHour:            binary.LittleEndian.Uint64(data[offCreatedAtHour : offCreatedAtHour+8]),
		EligibilityProofVerified: data[offEligibility] != 0,
		IsMatching:               data[offIsMatching] != 0,
		Slot:                     slot,
	}
	copy(o.Maker[:], data[offMaker:offMaker+32])
	copy(o.Pair[:], data[offPair:offPair+32])
	copy(o.AmountCipher[:], data[offAmountCipher:offAmountCipher+64])
	copy(o.PriceCipher[:], data[offPriceCipher:offPriceCipher+64])
	copy(o.FilledCipher[:], data[offFilledCipher:offFilledCipher+64])

	return o, nil
}
