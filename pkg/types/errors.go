package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every component. Callers use errors.Is or Classify.
var (
	// ErrConflict indicates a uniqueness invariant would be violated.
	ErrConflict = errors.New("conflict")

	// ErrConflictingActiveRun indicates the project already has a queued or running audit.
	ErrConflictingActiveRun = errors.New("conflicting active audit run")

	// ErrWorkingCopyLocked indicates a commit or audit currently fences the working copy.
	ErrWorkingCopyLocked = errors.New("working copy is locked")

	// ErrWorkingCopyNotActive indicates edits were attempted on a locked or discarded working copy.
	ErrWorkingCopyNotActive = errors.New("working copy is not active")

	// ErrStorageUnavailable indicates the blob backend could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBrokerUnavailable indicates the queue broker rejected or could not accept a job.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrEngineUnavailable indicates an external engine timed out or was throttled.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrCorruptWrite indicates stored bytes do not hash to their content address.
	ErrCorruptWrite = errors.New("corrupt write")

	// ErrCorruption indicates persisted state references something that no longer exists.
	ErrCorruption = errors.New("corruption")

	// ErrRunTerminal indicates the audit run already reached a terminal state.
	ErrRunTerminal = errors.New("audit run is terminal")

	// ErrStepTerminal indicates the verification step already reached a terminal state.
	ErrStepTerminal = errors.New("verification step is terminal")

	// ErrInvalidTransition indicates a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrProjectDeleted indicates the project has been soft-deleted.
	ErrProjectDeleted = errors.New("project deleted")

	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// Resource names used in ConflictError.
const (
	ResourceAuditRun    = "audit run"
	ResourceWorkingCopy = "working copy"
	ResourceProject     = "project"
	ResourceRevision    = "revision"
)

// ConflictError reports the resource that already holds a uniqueness slot.
type ConflictError struct {
	Resource   string
	Key        string
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("%s conflict on %q: held by %s", e.Resource, e.Key, e.ExistingID)
	}
	return fmt.Sprintf("%s conflict on %q", e.Resource, e.Key)
}

// Is matches ErrConflict, and ErrConflictingActiveRun for audit-run conflicts.
func (e *ConflictError) Is(target error) bool {
	if target == ErrConflict {
		return true
	}
	return target == ErrConflictingActiveRun && e.Resource == ResourceAuditRun
}

// ErrorClass is the propagation category of an error.
type ErrorClass string

// ErrorClass values.
const (
	ClassNone       ErrorClass = ""
	ClassConflict   ErrorClass = "conflict"
	ClassTransient  ErrorClass = "transient"
	ClassCorruption ErrorClass = "corruption"
	ClassDuplicate  ErrorClass = "duplicate"
	ClassPermanent  ErrorClass = "permanent"
)

// Classify maps an error onto the propagation taxonomy: conflicts are surfaced,
// transient errors retried by the caller, corruption never retried, and
// duplicate deliveries treated as success.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCorruptWrite), errors.Is(err, ErrCorruption):
		return ClassCorruption
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrBrokerUnavailable),
		errors.Is(err, ErrEngineUnavailable):
		return ClassTransient
	case errors.Is(err, ErrConflict), errors.Is(err, ErrWorkingCopyLocked):
		return ClassConflict
	case errors.Is(err, ErrRunTerminal), errors.Is(err, ErrStepTerminal):
		return ClassDuplicate
	default:
		return ClassPermanent
	}
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
