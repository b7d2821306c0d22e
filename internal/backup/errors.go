package backup

import (
	"errors"
	"fmt"

	"stateguard/internal/execution"
)

// BackupError represents errors that occur during backup and restore operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeNotFound           BackupErrorType = "NOT_FOUND"
	BackupErrorTypeExtractionFailed   BackupErrorType = "EXTRACTION_FAILED"
	BackupErrorTypeSubprocessFailed   BackupErrorType = "SUBPROCESS_FAILED"
	BackupErrorTypePreconditionFailed BackupErrorType = "PRECONDITION_FAILED"
	BackupErrorTypePartialFailure     BackupErrorType = "PARTIAL_FAILURE"
	BackupErrorTypeValidation         BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeStorage            BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeConflict           BackupErrorType = "CONFLICT_ERROR"
	BackupErrorTypeCompression        BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeEncryption         BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeRestore            BackupErrorType = "RESTORE_FAILED"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewExtractionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeExtractionFailed, message, cause)
}

func NewPreconditionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypePreconditionFailed, message, cause)
}

func NewPartialFailureError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypePartialFailure, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewRestoreError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeRestore, message, cause)
}

// NewSubprocessError wraps a failed dump or restore tool invocation. The
// tool's stderr is attached verbatim to the error context.
func NewSubprocessError(message string, cause error) *BackupError {
	err := NewBackupError(BackupErrorTypeSubprocessFailed, message, cause)

	var cmdErr *execution.CommandError
	if errors.As(cause, &cmdErr) {
		err.WithContext("command", cmdErr.Command).
			WithContext("exit_code", cmdErr.ExitCode).
			WithContext("stderr", cmdErr.Stderr)
	}
	return err
}

// IsType reports whether err is, or wraps, a BackupError of the given type
func IsType(err error, errorType BackupErrorType) bool {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type == errorType
	}
	return false
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}
