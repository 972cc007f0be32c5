package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// Error codes
const (
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeConfig              = "CONFIG_ERROR"
	ErrCodeTransientIO         = "TRANSIENT_IO_ERROR"
	ErrCodePartitionFailure    = "PARTITION_FAILURE"
	ErrCodeIntegrity           = "INTEGRITY_ERROR"
	ErrCodePrecondition        = "PRECONDITION_ERROR"
	ErrCodeTimestampValidation = "TIMESTAMP_VALIDATION_ERROR"
	ErrCodeCancelled           = "CANCELLED"
)

// Process exit codes returned by the CLI.
const (
	ExitOK           = 0
	ExitRuntime      = 1
	ExitConfig       = 2
	ExitPrecondition = 3
	ExitIntegrity    = 4
)

// AppError represents an application error
type AppError struct {
	Code    string
	Message string
	Err     error

	// Partitions lists affected "topic:partition" keys.
	Partitions []string
	// Groups lists affected consumer groups.
	Groups []string
	// Checkpoints holds the last durable offset per affected partition.
	Checkpoints map[string]int64
}

func (e *AppError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Partitions) > 0 {
		fmt.Fprintf(&b, " (partitions: %s)", strings.Join(e.Partitions, ","))
	}
	if len(e.Groups) > 0 {
		fmt.Fprintf(&b, " (groups: %s)", strings.Join(e.Groups, ","))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code. This lets
// callers match against the sentinel values below with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// New creates a new error
func New(code, message string) error {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new error with a formatted message
func Newf(code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with a message
func Wrap(err error, code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, code, format string, args ...interface{}) error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// KindOf returns the code of the outermost AppError in the chain, or
// ErrCodeInternal when there is none. Aggregated errors report the most
// severe code of their members.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	if errs := multierr.Errors(err); len(errs) > 1 {
		kind := ""
		for _, e := range errs {
			k := KindOf(e)
			if kind == "" || severity(k) > severity(kind) {
				kind = k
			}
		}
		return kind
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsKind reports whether err carries the given code anywhere in its chain.
func IsKind(err error, code string) bool {
	return errors.Is(err, &AppError{Code: code})
}

// IsTransient reports whether the error may succeed when retried.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeTransientIO
	}
	return err != nil
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case ErrCodeConfig, ErrCodeTimestampValidation:
		return ExitConfig
	case ErrCodePrecondition:
		return ExitPrecondition
	case ErrCodeIntegrity:
		return ExitIntegrity
	default:
		return ExitRuntime
	}
}

func severity(code string) int {
	switch code {
	case ErrCodeIntegrity:
		return 5
	case ErrCodePrecondition:
		return 4
	case ErrCodeConfig, ErrCodeTimestampValidation:
		return 3
	case ErrCodePartitionFailure:
		return 2
	default:
		return 1
	}
}

// PartitionFailure builds a PARTITION_FAILURE error for one partition,
// recording the last durable checkpoint offset.
func PartitionFailure(partitionKey string, checkpoint int64, err error) error {
	return &AppError{
		Code:        ErrCodePartitionFailure,
		Message:     fmt.Sprintf("partition %s failed", partitionKey),
		Err:         err,
		Partitions:  []string{partitionKey},
		Checkpoints: map[string]int64{partitionKey: checkpoint},
	}
}

// Combine aggregates partition failures into a single error listing every
// affected partition and its checkpoint. It returns nil for no errors.
func Combine(message string, errs ...error) error {
	combined := multierr.Combine(errs...)
	if combined == nil {
		return nil
	}

	agg := &AppError{
		Code:        ErrCodePartitionFailure,
		Message:     message,
		Err:         combined,
		Checkpoints: make(map[string]int64),
	}
	for _, e := range multierr.Errors(combined) {
		var appErr *AppError
		if !errors.As(e, &appErr) {
			continue
		}
		agg.Partitions = append(agg.Partitions, appErr.Partitions...)
		for k, v := range appErr.Checkpoints {
			agg.Checkpoints[k] = v
		}
		if appErr.Err == nil {
			continue
		}
		if cause := KindOf(appErr.Err); severity(cause) > severity(agg.Code) {
			agg.Code = cause
		}
	}
	sort.Strings(agg.Partitions)
	return agg
}

// Common errors
var (
	ErrNotFound            = New(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists       = New(ErrCodeAlreadyExists, "resource already exists")
	ErrConfig              = New(ErrCodeConfig, "invalid configuration")
	ErrTransientIO         = New(ErrCodeTransientIO, "transient I/O failure")
	ErrPartitionFailure    = New(ErrCodePartitionFailure, "partition failure")
	ErrIntegrity           = New(ErrCodeIntegrity, "integrity check failed")
	ErrPrecondition        = New(ErrCodePrecondition, "precondition failed")
	ErrTimestampValidation = New(ErrCodeTimestampValidation, "invalid timestamp")
	ErrCancelled           = New(ErrCodeCancelled, "operation cancelled")
)

