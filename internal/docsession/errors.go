package docsession

import (
	"errors"
	"fmt"
)

var (
	ErrAcquire        = errors.New("acquire failed")
	ErrNotLoaded      = errors.New("document not loaded")
	ErrTransaction    = errors.New("transaction failed")
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("session store closed")
	ErrNotImplemented = errors.New("not implemented")
)

// AcquireError reports a failed Acquire: invalid id, hydration failure or timeout.
type AcquireError struct {
	DocumentID string
	Err        error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire document %q: %v", e.DocumentID, e.Err)
}

func (e *AcquireError) Is(target error) bool {
	return target == ErrAcquire
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

type NotLoadedError struct {
	DocumentID string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("document %q is not loaded", e.DocumentID)
}

func (e *NotLoadedError) Is(target error) bool {
	return target == ErrNotLoaded
}

// TransactionError wraps an error returned (or a panic raised) by a mutator.
type TransactionError struct {
	DocumentID string
	Err        error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction on document %q: %v", e.DocumentID, e.Err)
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
