package devserver

import "errors"

// Sentinel errors for development backend operations.
var (
	ErrMemberNotFound   = errors.New("member not found")
	ErrActivityNotFound = errors.New("activity not found")
	ErrActivityExists   = errors.New("activity already exists")
	ErrInvalidRequest   = errors.New("invalid request")
)
