package services

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated     = errors.New("authentication required")
	ErrNotLinked           = errors.New("kick account not linked")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrLinkRevoked         = errors.New("kick link revoked, please link again")
	ErrHashMismatch        = errors.New("payment callback hash mismatch")
	ErrInvalidState        = errors.New("invalid or expired state")
	ErrAccountTaken        = errors.New("kick account is already linked to another user")
	ErrAlreadyLinked       = errors.New("user already has a linked kick account")
)

// UpstreamError is a failure reported by an external provider. Reason is
// safe to show to the caller.
type UpstreamError struct {
	Provider string
	Status   int
	Reason   string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
