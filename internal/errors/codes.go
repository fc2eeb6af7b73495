package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeConfiguration   ErrorCode = 1000
	ErrCodeSegmentNotFound ErrorCode = 1001
	ErrCodeStoreReadOnly   ErrorCode = 1002
	ErrCodeUnknownDatabase ErrorCode = 1003

	// Runtime errors
	ErrCodeTransient          ErrorCode = 2000
	ErrCodeInvariantViolation ErrorCode = 2001
	ErrCodeStructural         ErrorCode = 2002
	ErrCodeMisaligned         ErrorCode = 2003
	ErrCodeTransactionFailed  ErrorCode = 2004
	ErrCodeCorruptedSegment   ErrorCode = 2005
	ErrCodeBackupFailed       ErrorCode = 2006
)

// ReplicationError represents a structured error with code and context
type ReplicationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ReplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ReplicationError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *ReplicationError) WithDetail(key string, value interface{}) *ReplicationError {
	e.Details[key] = value
	return e
}

// NewReplicationError creates a new ReplicationError
func NewReplicationError(code ErrorCode, message string, cause error) *ReplicationError {
	return &ReplicationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Convenience constructors for common errors

func Configuration(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeConfiguration, message, cause)
}

func SegmentNotFound(db string, startT int64) *ReplicationError {
	return NewReplicationError(ErrCodeSegmentNotFound, fmt.Sprintf("no segment for %s starting at %d", db, startT), nil).
		WithDetail("db", db).
		WithDetail("start_t", startT)
}

func StoreReadOnly(store string) *ReplicationError {
	return NewReplicationError(ErrCodeStoreReadOnly, fmt.Sprintf("store %s does not accept writes", store), nil).
		WithDetail("store", store)
}

func UnknownDatabase(name string) *ReplicationError {
	return NewReplicationError(ErrCodeUnknownDatabase, fmt.Sprintf("unknown database name %q", name), nil).
		WithDetail("db", name)
}

func Transient(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeTransient, message, cause)
}

func InvariantViolation(message string) *ReplicationError {
	return NewReplicationError(ErrCodeInvariantViolation, message, nil)
}

func Structural(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeStructural, message, cause)
}

func Misaligned(db string, desiredStart int64) *ReplicationError {
	return NewReplicationError(ErrCodeMisaligned, fmt.Sprintf("no segment for %s covers t=%d", db, desiredStart), nil).
		WithDetail("db", db).
		WithDetail("desired_start", desiredStart)
}

func TransactionFailed(t int64, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeTransactionFailed, fmt.Sprintf("transaction t=%d failed", t), cause).
		WithDetail("t", t)
}

func CorruptedSegment(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeCorruptedSegment, message, cause)
}

func BackupFailed(startT, endT int64, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeBackupFailed, fmt.Sprintf("backup of range [%d,%d) failed", startT, endT), cause).
		WithDetail("start_t", startT).
		WithDetail("end_t", endT)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeTransient
}

// IsTransient reports whether an error should be retried
func IsTransient(err error) bool {
	return GetCode(err) == ErrCodeTransient
}

// IsInvariantViolation reports whether an error is fatal to the segment
func IsInvariantViolation(err error) bool {
	return GetCode(err) == ErrCodeInvariantViolation
}
