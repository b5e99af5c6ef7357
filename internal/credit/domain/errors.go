package domain

import "errors"

var (
	ErrInvalidUID          = errors.New("credit_uid_required")
	ErrInsufficientCredits = errors.New("insufficient_credits")
)
