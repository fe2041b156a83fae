package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a unique error code for categorizing errors
type ErrorCode string

const (
	// Object storage errors (1xxx)
	ErrCodeStorageUnavailable ErrorCode = "CVLK1001"
	ErrCodeStorageTimeout     ErrorCode = "CVLK1002"
	ErrCodeObjectNotFound     ErrorCode = "CVLK1003"
	ErrCodeObjectCorrupted    ErrorCode = "CVLK1004"
	ErrCodeObjectWriteFailed  ErrorCode = "CVLK1005"

	// Configuration errors (2xxx)
	ErrCodeConfigNotFound   ErrorCode = "CVLK2001"
	ErrCodeConfigInvalid    ErrorCode = "CVLK2002"
	ErrCodeConfigMissing    ErrorCode = "CVLK2003"
	ErrCodeCredentialAccess ErrorCode = "CVLK2004"

	// Watermark errors (3xxx)
	ErrCodeWatermarkRead     ErrorCode = "CVLK3001"
	ErrCodeWatermarkWrite    ErrorCode = "CVLK3002"
	ErrCodeWatermarkRegress  ErrorCode = "CVLK3003"
	ErrCodeWatermarkKeystore ErrorCode = "CVLK3004"

	// Dimension merge errors (4xxx)
	ErrCodeMergeFailed        ErrorCode = "CVLK4001"
	ErrCodeSnapshotUnreadable ErrorCode = "CVLK4002"
	ErrCodeRecordMalformed    ErrorCode = "CVLK4003"
	ErrCodeInvariantViolated  ErrorCode = "CVLK4004"

	// Quality errors (5xxx)
	ErrCodeQualityFailed ErrorCode = "CVLK5001"
	ErrCodeThresholdsBad ErrorCode = "CVLK5002"

	// Pipeline errors (6xxx)
	ErrCodePipelineTimeout   ErrorCode = "CVLK6001"
	ErrCodeStateFailed       ErrorCode = "CVLK6002"
	ErrCodeDefinitionInvalid ErrorCode = "CVLK6003"
	ErrCodeQueueFull         ErrorCode = "CVLK6004"

	// Analytic engine errors (7xxx)
	ErrCodeEngineInit   ErrorCode = "CVLK7001"
	ErrCodeAggregateSQL ErrorCode = "CVLK7002"

	// System errors (9xxx)
	ErrCodeInternal           ErrorCode = "CVLK9001"
	ErrCodeTimeout            ErrorCode = "CVLK9002"
	ErrCodeResourceExhausted  ErrorCode = "CVLK9003"
	ErrCodeServiceUnavailable ErrorCode = "CVLK9004"
	ErrCodeMaxRetriesExceeded ErrorCode = "CVLK9005"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // System failure, requires immediate attention
	SeverityError    ErrorSeverity = "ERROR"    // Operation failed, but system continues
	SeverityWarning  ErrorSeverity = "WARNING"  // Operation succeeded with issues
	SeverityInfo     ErrorSeverity = "INFO"     // Informational, not an error
)

// AppError represents a structured application error with context
type AppError struct {
	Code        ErrorCode
	Message     string
	Severity    ErrorSeverity
	Context     map[string]interface{}
	Cause       error
	Stack       string
	Timestamp   time.Time
	Recoverable bool
	Suggestions []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\nCaused by: %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  %d. %s", i+1, suggestion))
		}
	}

	return b.String()
}

// Unwrap returns the cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Severity:    SeverityError,
		Context:     make(map[string]interface{}),
		Stack:       captureStack(),
		Timestamp:   time.Now(),
		Recoverable: false,
	}
}

// Wrap wraps an existing error with AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// If wrapping another AppError, inherit its context
	if ae, ok := err.(*AppError); ok {
		for k, v := range ae.Context {
			appErr.Context[k] = v
		}
	}

	return appErr
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity sets the error severity
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithSuggestions adds recovery suggestions
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// AsRecoverable marks the error as recoverable
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

// captureStack captures the current stack trace
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			b.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return b.String()
}

// Common error constructors

// StorageError creates an object-storage related error
func StorageError(message string, key string, cause error) *AppError {
	return Wrap(cause, ErrCodeStorageUnavailable, message).
		WithContext("object_key", key).
		WithSuggestions(
			"Check the object store endpoint is reachable",
			"Verify bucket name and credentials",
			"Retry the run; table writes are whole-object and idempotent",
		)
}

// WatermarkWriteError creates a watermark persistence error. Watermark writes
// failing is fatal for advancement only; transformed tables stay committed
// and the next run reprocesses the same window.
func WatermarkWriteError(table, kind string, cause error) *AppError {
	return Wrap(cause, ErrCodeWatermarkWrite, "Failed to advance watermark").
		WithContext("table", table).
		WithContext("watermark_type", kind).
		WithSuggestions(
			"Check the watermark keystore is writable",
			"The next run will reprocess the same window",
		)
}

// ConfigError creates a configuration-related error
func ConfigError(message string, field string) *AppError {
	return New(ErrCodeConfigInvalid, message).
		WithContext("field", field).
		WithSuggestions(
			fmt.Sprintf("Check the '%s' configuration value", field),
			"Run 'civiclake setup' to reconfigure",
		)
}

// MalformedRecordError creates a per-record contract-violation error. These
// are skipped and counted, never fatal to the batch.
func MalformedRecordError(table string, reason string) *AppError {
	return New(ErrCodeRecordMalformed, fmt.Sprintf("Malformed record in %s: %s", table, reason)).
		WithContext("table", table).
		WithSeverity(SeverityWarning).
		AsRecoverable()
}

// QualityError creates a data-quality failure. Quality failures are never
// retried; they route to a terminal state with notification.
func QualityError(table string, breached []string) *AppError {
	return New(ErrCodeQualityFailed, fmt.Sprintf("Quality gate failed for %s", table)).
		WithContext("table", table).
		WithContext("thresholds_breached", breached)
}

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
