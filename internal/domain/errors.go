package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange reports a fetch range whose start date lies after its end
// date. Integrations wrap it in a FetchError before any network call.
var ErrInvalidRange = errors.New("start date is after end date")

// ConfigError reports missing or malformed configuration. It is always
// raised before any side effect takes place.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// AuthError reports that the bank rejected, failed, or cancelled an
// authentication attempt.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bank authentication failed: %s: %v", e.Reason, e.Cause)
	}
	return "bank authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Cause }

// TimeoutError reports that a bounded wait elapsed before the awaited
// condition was met.
type TimeoutError struct {
	Op   string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Wait)
}

// FetchError reports a transaction retrieval failure. Fetches never return
// partial results, a FetchError means no transactions were obtained.
type FetchError struct {
	Bank  string
	Op    string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Bank, e.Op, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ImportError reports a failure while writing transactions to the ledger.
// UpgradeRequired is set when the ledger server no longer accepts this
// client version.
type ImportError struct {
	Reason          string
	Cause           error
	UpgradeRequired bool
}

func (e *ImportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ledger import failed: %s: %v", e.Reason, e.Cause)
	}
	return "ledger import failed: " + e.Reason
}

func (e *ImportError) Unwrap() error { return e.Cause }
