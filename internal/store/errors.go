package store

import "errors"

var (
	// ErrJobNotFound indicates the job record could not be found.
	ErrJobNotFound = errors.New("job not found")

	// ErrOwnerNotVerified indicates the owner has no verification record.
	ErrOwnerNotVerified = errors.New("owner is not verified")
)
