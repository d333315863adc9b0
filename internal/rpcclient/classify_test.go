package rpcclient

import (
	"errors"
	"testing"
)

func TestClassifyRetryable(t *testing.T) {
	cases := []string{
		"connection timeout",
		"connection reset by peer",
		"socket hang up",
		"HTTP 429 too many requests",
		"HTTP 503 service unavailable",
		"blockhash not found",
		"node is behind by 200 slots",
		"dns lookup failed",
		"generic rate limit exceeded",
	}
	for _, msg := range cases {
		if got := Classify(errors.New(msg)); got != ClassRetryable {
			t.Errorf("Classify(%q) = %v, want ClassRetryable", msg, got)
		}
	}
}

func TestClassifyFatal(t *testing.T) {
	cases := []string{
		"insufficient funds for transaction",
		"account not found",
		"invalid account owner",
		"custom program error: 0x1",
		"instruction error at index 0",
		"lamport balance below rent exempt minimum",
	}
	for _, msg := range cases {
		if got := Classify(errors.New(msg)); got != ClassFatal {
			t.Errorf("Classify(%q) = %v, want ClassFatal", msg, got)
		}
	}
}

func TestClassifyUnknownDefaultsNonRetryable(t *testing.T) {
	got := Classify(errors.New("something entirely unexpected happened"))
	if got != ClassUnknown {
		t.Errorf("Classify(unexpected) = %v, want ClassUnknown", got)
	}
	if IsRetryable(errors.New("something entirely unexpected happened")) {
		t.Error("unknown-class errors must default to non-retryable per §4.1")
	}
}
