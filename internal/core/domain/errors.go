package domain

import "errors"

// ErrStorageUnavailable is returned by storage adapters when the backing
// medium cannot be used (private browsing, quota exhausted, closed store).
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned when a stored record does not exist.
var ErrNotFound = errors.New("not found")
