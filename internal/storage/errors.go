package storage

import (
	"errors"
	"fmt"
)

// ErrNotConfigured indicates the storage backend was not initialised.
var ErrNotConfigured = errors.New("storage: backend not configured")

// PersistenceError wraps a failed storage operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
