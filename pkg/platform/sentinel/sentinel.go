package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) and services translate them into coded domain errors.
//
//   - ErrNotFound: no row/key for the lookup
//   - ErrConflict: a uniqueness constraint rejected the write
//   - ErrInvalidState: the row changed under a lease or version check
//   - ErrUnavailable: the backing store could not be reached or timed out
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
