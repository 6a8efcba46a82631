package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrTimeout            = errors.New("timeout")
	ErrDeploymentDisabled = errors.New("deployment is disabled")
	ErrRateLimited        = errors.New("rate limit exceeded")
)
