package pipeline

import (
	"errors"
	"fmt"
)

// StorageError is raised when an object-store operation exhausts its retries.
type StorageError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransportError is raised when a queue send exhausts its retries.
type TransportError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport publish to %s failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedPayloadError marks input that can never be processed.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Err.Error()
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// NonRecoverable tells the worker supervisor to dead-letter without retrying.
func (e *MalformedPayloadError) NonRecoverable() bool { return true }

// ErrorType names the class of err for dead-letter records and error artifacts.
func ErrorType(err error) string {
	var storageErr *StorageError
	var transportErr *TransportError
	var malformedErr *MalformedPayloadError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &malformedErr):
		return "MalformedPayloadError"
	case errors.As(err, &storageErr):
		return "StorageError"
	case errors.As(err, &transportErr):
		return "TransportError"
	default:
		return "ProcessingError"
	}
}

// Failure is one item that could not be processed.
type Failure[T any] struct {
	Item T
	Err  error
}

// Outcome accumulates per-item results of a continue-on-error loop.
type Outcome[T any] struct {
	Succeeded []T
	Failed    []Failure[T]
}

// Succeed records a processed item.
func (o *Outcome[T]) Succeed(item T) {
	o.Succeeded = append(o.Succeeded, item)
}

// Fail records an item and the error that stopped it.
func (o *Outcome[T]) Fail(item T, err error) {
	o.Failed = append(o.Failed, Failure[T]{Item: item, Err: err})
}
