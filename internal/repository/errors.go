package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness or concurrency conflict.
var ErrConflict = errors.New("repository: conflict")

// ErrPreconditionFailed indicates a state-dependent operation was rejected,
// e.g. enabling auto-devops on a stack with no content.
var ErrPreconditionFailed = errors.New("repository: precondition failed")
