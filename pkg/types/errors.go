package types

import (
	"errors"
	"fmt"
)

// Sentinel conditions shared across packages. Each belongs to one of
// the four fault classes below; IsTransient and friends classify them.
var (
	// ErrEngineUnreachable means a request to the engine (local or any
	// alternate host) could not be completed.
	ErrEngineUnreachable = errors.New("engine unreachable")

	// ErrClusterNotReady means the engine answered but the cluster is
	// not in a state where the operation can proceed yet.
	ErrClusterNotReady = errors.New("cluster not ready")

	// ErrNotBootstrapped distinguishes "the fleet has not completed its
	// one-time security bootstrap" from an actual failure. Callers that
	// list nodes treat it as an empty membership, not an error.
	ErrNotBootstrapped = errors.New("fleet security not bootstrapped")

	// ErrLockHeld means the fleet-wide removal lock is held by another
	// node. Retried on a later event, never busy-waited.
	ErrLockHeld = errors.New("removal lock held by another node")

	// ErrNotCoordinator rejects fleet-scope writes issued by a
	// non-coordinator agent.
	ErrNotCoordinator = errors.New("not the coordinator")
)

// TransientError wraps an infrastructure fault that is expected to heal
// on its own. The lifecycle controller defers the triggering event and
// retries on a later equivalent delivery; it is never surfaced to the
// operator.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient failure", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a deferrable fault.
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// PolicyError is a user-fixable violation (declared roles conflict with
// the computed topology, missing dependency). It puts the node in a
// terminal blocked state and is never retried automatically.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy violation: " + e.Reason }

// NewPolicyError reports a violation requiring external correction.
func NewPolicyError(format string, args ...any) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// AvailabilityError is raised when a planned operation would leave or
// has left the cluster unavailable (health RED during removal). The
// operation is aborted and the fault propagated; locks are still
// released.
type AvailabilityError struct {
	Health HealthColor
	Reason string
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("availability fault (health=%s): %s", e.Health, e.Reason)
}

// NewAvailabilityError reports a hard availability fault.
func NewAvailabilityError(health HealthColor, format string, args ...any) error {
	return &AvailabilityError{Health: health, Reason: fmt.Sprintf(format, args...)}
}

// InvariantError is a programming error: malformed node data, an
// impossible state transition. Fail fast, never retried.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Reason }

// NewInvariantError reports a programming error.
func NewInvariantError(reason string) error {
	return &InvariantError{Reason: reason}
}

// IsTransient reports whether err should be handled by deferring the
// current event. Sentinels for unreachable engines, unready clusters,
// incomplete bootstrap and contended locks all count.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrEngineUnreachable) ||
		errors.Is(err, ErrClusterNotReady) ||
		errors.Is(err, ErrNotBootstrapped) ||
		errors.Is(err, ErrLockHeld)
}

// IsPolicy reports whether err is a terminal, operator-fixable fault.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// IsAvailability reports whether err is a hard availability fault.
func IsAvailability(err error) bool {
	var ae *AvailabilityError
	return errors.As(err, &ae)
}
