package store

import "errors"

// Sentinel errors matching the Store contract of spec.md section 4.1.
var (
	ErrAlreadyExists    = errors.New("store: run already exists")
	ErrAlreadyCommitted = errors.New("store: step result already committed")
	ErrStaleState       = errors.New("store: run state changed concurrently")
	ErrNotFound         = errors.New("store: not found")
)
