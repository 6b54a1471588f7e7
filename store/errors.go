package store

import "errors"

var (
	ErrNotFound    = errors.New("key not found")
	ErrCorrupted   = errors.New("stored value is corrupted")
	ErrStoreClosed = errors.New("store is closed")
)
