// Package apperror defines the error taxonomy shared by the execution engine and
// the HTTP layer.
//
// SENTINELS + WRAPPER:
// Every classified error is an *AppError whose Err field is one of the sentinel
// values below. Callers never compare messages; they ask errors.Is(err, ErrCompile)
// and friends. The HTTP layer maps sentinels to status codes, the engine maps them
// to the ErrorKind placed on an ExecutionResult.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")

	// Execution taxonomy.
	ErrWorkspace         = errors.New("workspace error")
	ErrDependencyInstall = errors.New("dependency install error")
	ErrCompile           = errors.New("compile error")
	ErrRuntime           = errors.New("runtime error")
	ErrTimeout           = errors.New("timeout error")
	ErrCleanup           = errors.New("cleanup error")
)

type AppError struct {
	Err     error  // sentinel classifying the failure
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Unsupported reports a language identifier that has no registered descriptor.
// It is a validation failure: nothing has been created yet when it is returned.
func Unsupported(language string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: fmt.Sprintf("language %q is not supported", language),
		Field:   "language",
	}
}

// Unauthorized maps to 401.
func Unauthorized(message string) *AppError {
	return &AppError{Err: ErrUnauthorized, Message: message}
}

// RateLimited maps to 429.
func RateLimited(message string) *AppError {
	return &AppError{Err: ErrRateLimited, Message: message}
}

// Workspace reports that a workspace could not be allocated.
func Workspace(format string, args ...any) *AppError {
	return &AppError{Err: ErrWorkspace, Message: fmt.Sprintf(format, args...)}
}

// DependencyInstall reports a failed or unsupported dependency install.
func DependencyInstall(format string, args ...any) *AppError {
	return &AppError{Err: ErrDependencyInstall, Message: fmt.Sprintf(format, args...)}
}

// Compile reports a compiler that exited non-zero or ran out of time.
func Compile(format string, args ...any) *AppError {
	return &AppError{Err: ErrCompile, Message: fmt.Sprintf(format, args...)}
}

// Runtime reports a program that exited non-zero.
func Runtime(format string, args ...any) *AppError {
	return &AppError{Err: ErrRuntime, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports a stage that exceeded its deadline or was cancelled.
func Timeout(format string, args ...any) *AppError {
	return &AppError{Err: ErrTimeout, Message: fmt.Sprintf(format, args...)}
}

// Cleanup reports a workspace that could not be removed. It is only ever logged.
func Cleanup(format string, args ...any) *AppError {
	return &AppError{Err: ErrCleanup, Message: fmt.Sprintf(format, args...)}
}
