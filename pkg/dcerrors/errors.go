package dcerrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContractViolation means the caller broke a precondition, e.g. a
	// mutation without holding the slot's write lease. Never retried.
	ErrContractViolation = errors.New("docshard: contract violation")

	// ErrBackendUnavailable marks a transient store I/O failure.
	ErrBackendUnavailable = errors.New("docshard: backend unavailable")

	// ErrLockLost means the coordinator lock expired or was seized before a
	// pending write could be flushed.
	ErrLockLost = errors.New("docshard: coordinator lock lost")

	// ErrNotHolder is returned by coordinator drivers when a compare-and-*
	// operation finds a different holder.
	ErrNotHolder = errors.New("docshard: lock held by another owner")

	// ErrShutdown fails all public calls once the shard is stopping.
	ErrShutdown = errors.New("docshard: shard is stopped")
)

// Violationf builds a ContractViolation with caller context.
func Violationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}

// LockLostError names the keys whose coordinator lock was seized while local
// dirty state was still pending. Matches ErrLockLost via errors.Is.
type LockLostError struct {
	Keys []string
}

func (e *LockLostError) Error() string {
	return fmt.Sprintf("docshard: coordinator lock lost for keys [%s]", strings.Join(e.Keys, ", "))
}

func (e *LockLostError) Unwrap() error {
	return ErrLockLost
}
