package domain

import "errors"

var (
	ErrInvalidPool          = errors.New("invalid_pool")
	ErrInvalidPrincipal     = errors.New("invalid_principal")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidOwnerType     = errors.New("invalid_owner_type")
	ErrInvalidCorrelationID = errors.New("invalid_correlation_id")
	ErrInvalidReason        = errors.New("invalid_reason")
	ErrInvalidSourceEventID = errors.New("invalid_source_event_id")

	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrPoolExhausted       = errors.New("pool_exhausted")
	ErrPoolNotFound        = errors.New("pool_not_found")
	ErrAllocationNotFound  = errors.New("allocation_not_found")
	ErrAttributionNotFound = errors.New("attribution_not_found")
)
