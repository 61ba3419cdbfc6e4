package history

import (
	"errors"
	"fmt"
)

// ==================== Sentinel Errors ====================

var (
	// ErrDatabaseNotOpen is returned when operating on a closed store
	ErrDatabaseNotOpen = fmt.Errorf("database not open")

	// ErrEmptyID is returned when an operation ID is empty
	ErrEmptyID = fmt.Errorf("operation ID cannot be empty")

	// ErrEmptyBuildDir is returned when a record has no build directory
	ErrEmptyBuildDir = fmt.Errorf("build directory cannot be empty")

	// ErrRecordNotFound is returned when an operation record doesn't exist
	ErrRecordNotFound = fmt.Errorf("operation record not found")

	// ErrBucketNotFound is returned when a required bucket doesn't exist
	ErrBucketNotFound = fmt.Errorf("database bucket not found")
)

// ==================== Structured Error Types ====================

// DatabaseError wraps bbolt failures with the operation and bucket involved.
type DatabaseError struct {
	Op     string
	Bucket string
	Err    error
}

func (e *DatabaseError) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("database %s [bucket: %s]: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// RecordError wraps a failure on one operation record.
type RecordError struct {
	Op  string
	ID  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("operation record %s [id: %s]: %v", e.Op, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid argument.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed [%s=%s]: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("validation failed [%s]: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsRecordNotFound checks if the error indicates a missing record.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsValidationError checks if the error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
