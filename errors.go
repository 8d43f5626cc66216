package byzzbench

import (
	"errors"
	"fmt"
)

// Error classes for simulator operations.
// Use errors.Is() to check the class, then inspect the message for details.
//
// Error Classification:
//   - ErrConfig: Invalid scenario configuration - fix and rerun
//   - ErrInvalidMessage: Malformed payload or unknown event - caller bug or corrupted schedule
//   - ErrByzantine: Faulty behaviour observed by a checker - reported, never fatal to a replica
//   - ErrInternal: Broken invariant inside a replica or the transport - indicates a bug
var (
	// ErrConfig indicates a configuration error that prevents a scenario from starting.
	// Examples: n < 3f+1, zero checkpoint interval, unknown protocol.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidMessage indicates a payload that cannot be handled or decoded.
	// Protocol-invalid messages (wrong view, outside watermarks) are dropped
	// silently by replicas and never produce this error.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrByzantine indicates faulty behaviour detected by a checker.
	// Examples: two different values committed at the same sequence number.
	ErrByzantine = errors.New("byzantine behavior detected")

	// ErrInternal indicates an internal invariant violation.
	// Examples: dispatch on an unknown message variant, missing checkpoint proof.
	ErrInternal = errors.New("internal error")
)

// WrapConfigf wraps a formatted message with ErrConfig.
func WrapConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// WrapInvalidMessagef wraps a formatted message with ErrInvalidMessage.
func WrapInvalidMessagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// WrapByzantinef wraps a formatted message with ErrByzantine.
func WrapByzantinef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrByzantine, fmt.Sprintf(format, args...))
}

// WrapInternalf wraps a formatted message with ErrInternal.
func WrapInternalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// UnknownPayload returns the error replicas report when dispatching a
// payload variant they have no handler for.
func UnknownPayload(node NodeID, p Payload) error {
	if p == nil {
		return WrapInternalf("node %s: nil payload", node)
	}
	return WrapInternalf("node %s: unknown payload type %s", node, p.Type())
}
