/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The taxonomy has four categories with very different handling:

  1. Data-quality errors - recovered locally; the certificate or premium is
     routed to the exception path (PHA, failed traceability) and the run
     continues.
  2. Hash collision - fatal. Two distinct split configurations mapped to the
     same content hash. The run aborts before committing anything; never
     resolved by "last write wins".
  3. Transient infra errors - retried with bounded backoff at the I/O
     boundaries; exhausting retries escalates to a fatal, resumable failure.
  4. Export preconditions - halt before the destructive publish step,
     leaving staging intact for diagnosis.

USAGE:
  if commission.IsFatal(err) {
      // abort the run, nothing was committed
  }

SEE ALSO:
  - hash.go:     raises HashCollisionError
  - proposal.go: routes data-quality failures to PHA
  - pipeline:    retries transient errors, checks export preconditions
*/
package commission

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrHashCollision is returned when two distinct canonical split
	// configurations produce the same content hash. Always fatal.
	ErrHashCollision = errors.New("content hash collision")

	// ErrInvalidGroupID is returned when a group identifier is null, blank,
	// or all zero digits.
	ErrInvalidGroupID = errors.New("invalid group id")

	// ErrSplitMismatch is returned when a split sequence's percents do not
	// sum to 100.
	ErrSplitMismatch = errors.New("split percent mismatch")

	// ErrExportPrecondition is returned when a sanity check fails before the
	// destructive publish step.
	ErrExportPrecondition = errors.New("export precondition failed")

	// ErrTransient marks infrastructure failures that may succeed on retry.
	ErrTransient = errors.New("transient infrastructure error")

	// ErrRunAborted is returned when a run was cancelled before committing.
	ErrRunAborted = errors.New("run aborted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// HashCollisionError reports two distinct canonical forms under one hash.
type HashCollisionError struct {
	Hash     ContentHash
	Existing string // canonical form already registered
	Incoming string // conflicting canonical form
}

func (e *HashCollisionError) Error() string {
	return fmt.Sprintf("content hash collision on %s: stored canonical form differs from incoming", e.Hash)
}

func (e *HashCollisionError) Unwrap() error { return ErrHashCollision }

// SplitMismatchError reports a split sequence whose percents do not sum to 100.
type SplitMismatchError struct {
	CertificateID CertificateID
	SplitSequence int
	Total         string
}

func (e *SplitMismatchError) Error() string {
	return fmt.Sprintf("split percent mismatch: certificate %s sequence %d sums to %s",
		e.CertificateID, e.SplitSequence, e.Total)
}

func (e *SplitMismatchError) Unwrap() error { return ErrSplitMismatch }

// ExportPreconditionError reports which publish-time sanity check failed.
type ExportPreconditionError struct {
	Check  string // e.g. "hierarchies", "schedules"
	Detail string
}

func (e *ExportPreconditionError) Error() string {
	return fmt.Sprintf("export precondition failed: %s: %s", e.Check, e.Detail)
}

func (e *ExportPreconditionError) Unwrap() error { return ErrExportPrecondition }

// TransientError wraps an I/O failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return ErrTransient }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal returns true if the error must abort the run with no output
// committed and no resume possible.
func IsFatal(err error) bool {
	return errors.Is(err, ErrHashCollision)
}

// IsDataQuality returns true if the error is recovered locally by routing the
// offending record to the exception path.
func IsDataQuality(err error) bool {
	return errors.Is(err, ErrInvalidGroupID) ||
		errors.Is(err, ErrSplitMismatch)
}

// IsTransient returns true if the error might succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
