package backoff

import (
	"errors"
	"fmt"
)

// UsageLimitsDomain is the error domain a remote service uses to signal that the caller exceeded
// its usage rate.
const UsageLimitsDomain = "usageLimits"

var (
	// ErrClosed is returned by calls that were still waiting on a throttled resource when the
	// Coordinator was closed, and by calls made after Close.
	ErrClosed = errors.New("coordinator closed")

	errZeroDelay = errors.New("Coordinator needs a positive minimum delay")

	errZeroRetries = errors.New("Coordinator with 0 concurrent retries never retries anything")
)

// ErrorEntry is one structured entry of a remote failure, e.g. one element of the "errors" array
// of a Google API error response.
type ErrorEntry struct {
	Domain  string
	Reason  string
	Message string
}

// EntryError is implemented by failures that expose their structured entries, in the order the
// remote service reported them.
type EntryError interface {
	error
	ErrorEntries() []ErrorEntry
}

// IsRateLimit reports whether err, or any error it wraps, carries a non-empty list of entries whose
// first entry is in UsageLimitsDomain. Everything else is an unconditional failure.
func IsRateLimit(err error) bool {
	var ee EntryError
	if !errors.As(err, &ee) {
		return false
	}
	entries := ee.ErrorEntries()
	return len(entries) > 0 && entries[0].Domain == UsageLimitsDomain
}

// StructuredError is a plain EntryError for services and fakes that have no error type of their
// own.
type StructuredError struct {
	Code    int
	Message string
	Entries []ErrorEntry
}

func (err *StructuredError) Error() string {
	if len(err.Entries) > 0 {
		return fmt.Sprintf("error %d: %s (%s/%s)", err.Code, err.Message, err.Entries[0].Domain, err.Entries[0].Reason)
	}
	return fmt.Sprintf("error %d: %s", err.Code, err.Message)
}

func (err *StructuredError) ErrorEntries() []ErrorEntry { return err.Entries }

// RateLimitError returns a StructuredError that IsRateLimit classifies as a rate-limit error.
func RateLimitError(reason string) *StructuredError {
	return &StructuredError{
		Code:    403,
		Message: "Rate Limit Exceeded",
		Entries: []ErrorEntry{{Domain: UsageLimitsDomain, Reason: reason, Message: "Rate Limit Exceeded"}},
	}
}
