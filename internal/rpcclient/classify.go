package rpcclient

import "strings"

var retryablePatterns = []string{
	"connection timeout",
	"connection reset",
	"socket hang up",
	"429",
	"503",
	"blockhash not found",
	"node is behind",
	"dns",
	"rate limit",
}

var fatalPatterns = []string{
	"insufficient funds",
	"account not found",
	"invalid account owner",
	"invalid account data",
	"custom program error",
	"instruction error",
	"lamport balance below rent exempt",
}

// Classification is the outcome of classifying an RPC error per §4.1.
type Classification int

const (
	// ClassUnknown defaults to non-retryable (§4.1: "all other errors
	// default to non-retryable").
	ClassUnknown Classification = iota
	ClassRetryable
	ClassFatal
)

// Classify applies the §4.1/§7 error taxonomy to an error's message.
func Classify(err error) Classification {
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return ClassFatal
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return ClassRetryable
		}
	}
	return ClassUnknown
}

// IsRetryable is a retry.Options.IsRetryable-shaped predicate implementing
// the §4.1 default: only classified-retryable errors are retried, unknown
// and fatal errors are not. An unknown error therefore gets no retry at all;
// no caller grants it an extra attempt.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}
