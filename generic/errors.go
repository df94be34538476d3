/*
errors.go - Error values for the generic date and decimal helpers

PURPOSE:
  Parsing failures in this package are reported through sentinels so the
  billing layer can turn them into its own validation errors:

    if errors.Is(err, generic.ErrInvalidSchedule) {
        return &billing.ValidationError{Field: "payment_schedule", ...}
    }

SEE ALSO:
  - billing/errors.go: Domain error taxonomy
*/
package generic

import "errors"

var (
	// ErrInvalidDate is returned when a date is not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid date")

	// ErrInvalidSchedule is returned for an unknown payment schedule name.
	ErrInvalidSchedule = errors.New("invalid payment schedule")

	// ErrInvalidNumber is returned when a decimal field cannot be parsed.
	ErrInvalidNumber = errors.New("invalid number")

	// ErrNegativeNumber is returned when a rate or quantity is below zero.
	ErrNegativeNumber = errors.New("negative number")
)
