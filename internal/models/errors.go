package models

import "github.com/pkg/errors"

// Error taxonomy shared by the services. Callers match with errors.Is; the
// services wrap these with context.
var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrStaleEvidence      = errors.New("stale evidence")
	ErrPreconditionNotMet = errors.New("precondition not met")
	ErrEmptyBag           = errors.New("bag has no parcels")
	// ErrDuplicateTransition never reaches callers of ApplyTransition: the
	// recorded transition is returned instead. Stores use it to signal a
	// dedup key collision.
	ErrDuplicateTransition = errors.New("duplicate transition request")
	ErrDeliveryExhausted   = errors.New("webhook delivery attempts exhausted")

	// ErrPermanent marks a downstream rejection that retrying the same input
	// cannot fix.
	ErrPermanent = errors.New("permanent failure")

	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)
