package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents database or network connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeDatabase represents errors reported by the data store
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeRemote represents errors returned by a remote HTTP endpoint
	ErrorTypeRemote ErrorType = "remote"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents cancellation by the caller
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// HTTPStatusError is returned by HTTP clients when a remote endpoint answers
// with a non-success status code.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	classifiers := []func(error) *AppError{
		ec.classifyMySQLError,
		ec.classifyPostgresError,
		ec.classifySQLError,
		ec.classifyHTTPError,
		ec.classifyContextError,
		ec.classifyNetworkError,
		ec.classifyFileSystemError,
	}
	for _, classify := range classifiers {
		if classified := classify(err); classified != nil {
			return classified
		}
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyMySQLError classifies MySQL-specific errors
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return nil
	}

	switch mysqlErr.Number {
	case 1044, 1045: // Access denied
		return NewAppError(ErrorTypePermission,
			"Database access denied - check username and password", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 1049: // Unknown database
		return NewAppError(ErrorTypeValidation,
			"Database does not exist", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 1040, 1203: // Too many connections
		return NewRecoverableError(ErrorTypeConnection,
			"Database connection limit reached", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 2003, 2006, 2013: // Server unreachable or gone away
		return NewRecoverableError(ErrorTypeConnection,
			"MySQL server unreachable", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	default:
		return NewAppError(ErrorTypeDatabase,
			fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
			WithContext("mysql_error_code", mysqlErr.Number)
	}
}

// classifyPostgresError classifies errors reported by a PostgreSQL server
func (ec *ErrorClassifier) classifyPostgresError(err error) *AppError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}

	switch pgErr.Code {
	case "28000", "28P01": // invalid authorization / password
		return NewAppError(ErrorTypePermission,
			"Database access denied - check username and password", err).
			WithContext("pg_error_code", pgErr.Code)
	case "3D000": // invalid catalog name
		return NewAppError(ErrorTypeValidation, "Database does not exist", err).
			WithContext("pg_error_code", pgErr.Code)
	case "53300", "57P03": // too many connections / cannot connect now
		return NewRecoverableError(ErrorTypeConnection,
			"PostgreSQL server is not accepting connections", err).
			WithContext("pg_error_code", pgErr.Code)
	default:
		return NewAppError(ErrorTypeDatabase,
			fmt.Sprintf("PostgreSQL error: %s", pgErr.Message), err).
			WithContext("pg_error_code", pgErr.Code)
	}
}

// classifySQLError classifies database/sql sentinel errors
func (ec *ErrorClassifier) classifySQLError(err error) *AppError {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewAppError(ErrorTypeValidation, "No rows found", err)
	case errors.Is(err, sql.ErrTxDone):
		return NewAppError(ErrorTypeDatabase, "Transaction has already been committed or rolled back", err)
	case errors.Is(err, sql.ErrConnDone):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}
	return nil
}

// classifyHTTPError classifies non-success responses from remote endpoints
func (ec *ErrorClassifier) classifyHTTPError(err error) *AppError {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return nil
	}

	switch {
	case statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500:
		return NewRecoverableError(ErrorTypeRemote,
			fmt.Sprintf("Remote endpoint temporarily unavailable (HTTP %d)", statusErr.StatusCode), err).
			WithContext("status_code", statusErr.StatusCode)
	case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
		return NewAppError(ErrorTypePermission,
			fmt.Sprintf("Remote endpoint refused access (HTTP %d)", statusErr.StatusCode), err).
			WithContext("status_code", statusErr.StatusCode)
	default:
		return NewAppError(ErrorTypeRemote,
			fmt.Sprintf("Remote endpoint returned HTTP %d", statusErr.StatusCode), err).
			WithContext("status_code", statusErr.StatusCode)
	}
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewRecoverableError(ErrorTypeConnection,
			fmt.Sprintf("Failed to resolve host %s", dnsErr.Name), err)
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return nil
	}

	switch pathErr.Err {
	case syscall.ENOENT:
		return NewAppError(ErrorTypeValidation,
			fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
	case syscall.EACCES, syscall.EPERM:
		return NewAppError(ErrorTypePermission,
			fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
	case syscall.ENOSPC:
		return NewAppError(ErrorTypeValidation, "No space left on device", err)
	}
	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)
		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}
	return delay
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// WrapError wraps an existing error with additional context, classifying it
// when it is not already an AppError.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		wrapped := NewAppError(appErr.Type, message, err)
		wrapped.Recoverable = appErr.Recoverable
		return wrapped
	}

	classified := NewErrorClassifier().ClassifyError(err)
	wrapped := NewAppError(classified.Type, message, err)
	wrapped.Recoverable = classified.Recoverable
	return wrapped
}
