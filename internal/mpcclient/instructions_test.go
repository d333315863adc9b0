package mpcclient

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"
)

func TestSerializeNonceLE128(t *testing.T) {
	// S1: 0x123456789ABCDEF0 -> 16 bytes starting F0 DE BC 9A ...
	nonce, ok := new(big.Int).SetString("123456789ABCDEF0", 16)
	if !ok {
		t.Fatal("failed to parse test nonce")
	}
	got, err := serializeNonceLE128(nonce)
	if err != nil {
		t.Fatalf("serializeNonceLE128: %v", err)
	}
	want, _ := hex.DecodeString("F0DEBC9A785634120000000000000000")
	if !bytes.Equal(got[:], want) {
		t.Fatalf("got % X, want % X", got, want)
	}
	if got[0] != 0xF0 || got[1] != 0xDE || got[2] != 0xBC || got[3] != 0x9A {
		t.Fatalf("expected LE-leading bytes F0 DE BC 9A, got % X", got[:4])
	}
}

func TestDiscriminatorsDiffer(t *testing.T) {
	// S2: discriminator("compare_prices") != discriminator("calculate_fill")
	if comparePricesDiscriminator == calculateFillDiscriminator {
		t.Fatal("expected compare_prices and calculate_fill discriminators to differ")
	}
}

func TestComparePricesInstructionIs128Bytes(t *testing.T) {
	// S3
	var buyCipher, sellCipher, ephemeral [32]byte
	for i := range buyCipher {
		buyCipher[i] = 0x11
	}
	for i := range sellCipher {
		sellCipher[i] = 0x22
	}
	for i := range ephemeral {
		ephemeral[i] = 0x33
	}

	instr, err := BuildComparePricesInstruction(ComparePricesParams{
		Offset:          7,
		BuyCipher:       buyCipher,
		SellCipher:      sellCipher,
		EphemeralPubkey: ephemeral,
		Nonce:           big.NewInt(1),
	})
	if err != nil {
		t.Fatalf("BuildComparePricesInstruction: %v", err)
	}
	if len(instr) != comparePricesInstructionSize {
		t.Fatalf("expected %d bytes, got %d", comparePricesInstructionSize, len(instr))
	}
	if !bytes.Equal(instr[:8], comparePricesDiscriminator[:]) {
		t.Fatal("expected instruction to begin with the compare_prices discriminator")
	}
}

func TestBuildComparePricesRejectsOversizedNonce(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 129)
	_, err := BuildComparePricesInstruction(ComparePricesParams{Nonce: tooBig})
	if err == nil {
		t.Fatal("expected error for a nonce exceeding 128 bits")
	}
}

func TestDeriveAccountsIsPureAndDeterministic(t *testing.T) {
	a := DeriveAccounts("prog-1", 456)
	b := DeriveAccounts("prog-1", 456)
	if a != b {
		t.Fatal("expected DeriveAccounts to be a pure function of its inputs")
	}
	c := DeriveAccounts("prog-1", 457)
	if a == c {
		t.Fatal("expected different cluster offsets to derive different accounts")
	}
}
