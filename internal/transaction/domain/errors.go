package domain

import "errors"

var (
	ErrNotFound          = errors.New("transaction_not_found")
	ErrValidation        = errors.New("transaction_validation")
	ErrUnknownPlan       = errors.New("unknown_plan")
	ErrDuplicateCode     = errors.New("manual_code_already_completed")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrInvalidState      = errors.New("transaction_not_awaiting_verification")
)
