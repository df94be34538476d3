/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels or errors.As on the structured types for extra context.

ERROR CATEGORIES:
  1. Validation errors - malformed rates, claims, patches (client error)
  2. Referential errors - unknown firm, firm deletion blocked by jobs
  3. State errors - mutation against a finalized day
  4. Mileage errors - recoverable; logged and replaced by an estimate

NOT FOUND:
  Unknown ids are not errors. Lookups and updates return a nil result so
  call sites stay simple.

SEE ALSO:
  - generic/errors.go: Date/schedule/number parsing sentinels
  - api/handlers.go:   HTTP status mapping
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrUnknownFirm = errors.New("unknown firm")

	// ErrReferentialIntegrity is returned when deleting a firm that jobs still reference.
	ErrReferentialIntegrity = errors.New("firm is referenced by jobs")

	// ErrTallyFinalized is returned when a change would alter a finalized day.
	ErrTallyFinalized = errors.New("daily tally already finalized")

	// ErrMileageResolution marks a failed mileage lookup. It never reaches
	// engine callers; job creation falls back to an estimate.
	ErrMileageResolution = errors.New("mileage resolution failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// UnknownFirmError is returned when a job references a firm with no config.
type UnknownFirmError struct {
	FirmName string
}

func (e *UnknownFirmError) Error() string {
	return fmt.Sprintf("unknown firm %q: add a firm configuration first", e.FirmName)
}

func (e *UnknownFirmError) Unwrap() error { return ErrUnknownFirm }

// ReferentialIntegrityError reports how many jobs block a firm deletion.
type ReferentialIntegrityError struct {
	FirmName string
	JobCount int
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("cannot delete firm %q: %d job(s) still reference it", e.FirmName, e.JobCount)
}

func (e *ReferentialIntegrityError) Unwrap() error { return ErrReferentialIntegrity }

// TallyAlreadyFinalizedError names the closed day a change would have altered.
type TallyAlreadyFinalizedError struct {
	Date  string
	JobID JobID
}

func (e *TallyAlreadyFinalizedError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("day %s is already finalized", e.Date)
	}
	return fmt.Sprintf("job %s cannot change day %s: already finalized", e.JobID, e.Date)
}

func (e *TallyAlreadyFinalizedError) Unwrap() error { return ErrTallyFinalized }

// MileageResolutionError wraps the provider failure behind an estimate.
type MileageResolutionError struct {
	Origin      string
	Destination string
	Err         error
}

func (e *MileageResolutionError) Error() string {
	return fmt.Sprintf("mileage %q -> %q: %v", e.Origin, e.Destination, e.Err)
}

func (e *MileageResolutionError) Unwrap() []error { return []error{ErrMileageResolution, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnknownFirm)
}

// IsConflict returns true if the request clashes with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrReferentialIntegrity) || errors.Is(err, ErrTallyFinalized)
}
