package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned before any network or storage access.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPolicyUnavailable is never returned to callers; a failed policy
	// lookup turns into an ineligible result.
	ErrPolicyUnavailable = errors.New("policy unavailable")
	// ErrOracleUnavailable is never returned to callers; estimates fall back
	// to the default fee.
	ErrOracleUnavailable = errors.New("gas price oracle unavailable")
)

func invalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// PersistenceError means a usage was recorded in memory but the durable
// write failed. The on-chain transaction is unaffected; callers should log
// and carry on.
type PersistenceError struct {
	Address   string
	NetworkId uint64
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("usage of %s on %d not persisted: %s", e.Address, e.NetworkId, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
