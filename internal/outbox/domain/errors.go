package domain

import "errors"

var (
	ErrRemoteUnavailable  = errors.New("remote_store_unavailable")
	ErrDeadLetterNotFound = errors.New("dead_letter_not_found")
)
