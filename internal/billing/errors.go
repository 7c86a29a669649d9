package billing

import "errors"

var (
	// ErrUnknownTool means no active pricing exists for the tool key. A
	// configuration error: surfaced directly on the debit path, degraded to
	// read-only by the weekly access controller.
	ErrUnknownTool = errors.New("billing: unknown or inactive tool")

	// ErrInsufficientCredits means the balance cannot cover the charge. Maps
	// to HTTP 402. No state is mutated.
	ErrInsufficientCredits = errors.New("billing: insufficient credits")

	// ErrUsageNotFound means no usage record exists for the id. Finalize,
	// refund, and mark-succeeded treat it as soft (logged, not fatal).
	ErrUsageNotFound = errors.New("billing: usage record not found")

	// ErrValidation covers malformed admin or caller input.
	ErrValidation = errors.New("billing: validation failed")
)
