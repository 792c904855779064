// Package dberr defines the error taxonomy of the relational overlay.
//
// Every error here aborts the enclosing transaction scope and propagates
// to the immediate caller; none are silently swallowed. Errors carry
// structured fields for diagnostics and support errors.As matching
// through wrapped chains.
package dberr

import (
	"errors"
	"fmt"
)

// ValidationError reports a foreign-key field referencing a non-existent
// parent at write time.
type ValidationError struct {
	// Collection is the collection being written.
	Collection string
	// Field is the foreign-key field on the written record.
	Field string
	// Value is the dangling reference value.
	Value any
	// Target is the referenced collection.
	Target string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s.%s = %v references no record in %s",
		e.Collection, e.Field, e.Value, e.Target)
}

// ReferentialIntegrityError reports a restrict delete policy that found
// existing dependents.
type ReferentialIntegrityError struct {
	// Collection is the collection of the record being deleted.
	Collection string
	// Key is the key of the record being deleted.
	Key any
	// Dependent is the collection holding records that still reference it.
	Dependent string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("delete restricted: %s[%v] is still referenced from %s",
		e.Collection, e.Key, e.Dependent)
}

// AbortedTransactionError reports that the enclosing scope was aborted,
// explicitly or via an error raised inside it. Reason carries the
// original cause and participates in errors.Is/As unwrapping.
type AbortedTransactionError struct {
	Reason error
}

func (e *AbortedTransactionError) Error() string {
	if e.Reason == nil {
		return "transaction aborted"
	}
	return fmt.Sprintf("transaction aborted: %v", e.Reason)
}

// Unwrap exposes the abort reason to errors.Is and errors.As.
func (e *AbortedTransactionError) Unwrap() error { return e.Reason }

// StorageEngineError reports a failure from the underlying engine that
// is unrelated to the overlay's own checks.
type StorageEngineError struct {
	// Op names the engine operation that failed (e.g. "begin", "put").
	Op  string
	Err error
}

func (e *StorageEngineError) Error() string {
	return fmt.Sprintf("storage engine: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the engine error to errors.Is and errors.As.
func (e *StorageEngineError) Unwrap() error { return e.Err }

// DisposedResourceError reports an operation attempted on a resource
// (such as a live query) after Dispose.
type DisposedResourceError struct {
	// Resource describes the disposed instance.
	Resource string
}

func (e *DisposedResourceError) Error() string {
	return fmt.Sprintf("%s has been disposed", e.Resource)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRestricted reports whether err is (or wraps) a
// ReferentialIntegrityError.
func IsRestricted(err error) bool {
	var re *ReferentialIntegrityError
	return errors.As(err, &re)
}

// IsAborted reports whether err is (or wraps) an
// AbortedTransactionError.
func IsAborted(err error) bool {
	var ae *AbortedTransactionError
	return errors.As(err, &ae)
}

// IsStorage reports whether err is (or wraps) a StorageEngineError.
func IsStorage(err error) bool {
	var se *StorageEngineError
	return errors.As(err, &se)
}

// IsDisposed reports whether err is (or wraps) a DisposedResourceError.
func IsDisposed(err error) bool {
	var de *DisposedResourceError
	return errors.As(err, &de)
}

// Storage wraps an engine failure, preserving an existing
// StorageEngineError instead of double-wrapping.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageEngineError
	if errors.As(err, &se) {
		return err
	}
	return &StorageEngineError{Op: op, Err: err}
}
