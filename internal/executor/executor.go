// Package executor defines the request/result contract of the code execution
// engine. The engine itself lives in the sub-packages:
//
//	language  → which toolchain commands a language uses
//	workspace → one private directory per execution
//	deps      → third-party packages installed into that directory
//	process   → one supervised child process with a deadline
//	pipeline  → the state machine tying the above together
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/sakif/polyglot-runner/internal/apperror"
)

// ExecutionRequest is the immutable input of one execution.
type ExecutionRequest struct {
	Code         string   `json:"code"`
	Language     string   `json:"language"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ErrorKind is the wire value of the error taxonomy.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindValidation        ErrorKind = "ValidationError"
	KindWorkspace         ErrorKind = "WorkspaceError"
	KindDependencyInstall ErrorKind = "DependencyInstallError"
	KindCompile           ErrorKind = "CompileError"
	KindRuntime           ErrorKind = "RuntimeError"
	KindTimeout           ErrorKind = "TimeoutError"
	KindCleanup           ErrorKind = "CleanupError"
)

// ExecutionResult is the normalized outcome of one execution.
//
// Stdout and Stderr are always whatever was captured, even on failure paths:
// partial output is what tells a user how far their program got.
type ExecutionResult struct {
	ID          string        `json:"id"`
	Language    string        `json:"language,omitempty"`
	WorkspaceID string        `json:"workspaceId,omitempty"`
	Success     bool          `json:"success"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ExitCode    *int          `json:"exitCode"`
	TimedOut    bool          `json:"timedOut"`
	ErrorKind   ErrorKind     `json:"errorKind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Executor runs one request to completion.
//
// Implementations always return a non-nil result. The error is nil on success and
// a classified *apperror.AppError otherwise; use KindOf to turn it into an ErrorKind.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// KindOf classifies err. Unclassified errors are reported as runtime errors so
// that nothing escapes the taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, apperror.ErrValidation):
		return KindValidation
	case errors.Is(err, apperror.ErrWorkspace):
		return KindWorkspace
	case errors.Is(err, apperror.ErrDependencyInstall):
		return KindDependencyInstall
	case errors.Is(err, apperror.ErrCompile):
		return KindCompile
	case errors.Is(err, apperror.ErrTimeout):
		return KindTimeout
	case errors.Is(err, apperror.ErrCleanup):
		return KindCleanup
	default:
		return KindRuntime
	}
}

// IntPtr is a small helper for optional exit codes.
func IntPtr(v int) *int {
	return &v
}
