// Package model defines the data structures persisted by the application.
package model

import "time"

// Execution is the history record of one request to the execution engine.
//
// ExitCode is a pointer because "no exit code" (killed by the deadline, never
// started) is different from exit code 0. In JSON it becomes null.
type Execution struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"clientId,omitempty"`
	Language     string    `json:"language"`
	Code         string    `json:"code"`
	Dependencies []string  `json:"dependencies"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	Error        string    `json:"error,omitempty"`
	ExitCode     *int      `json:"exitCode"`
	TimedOut     bool      `json:"timedOut"`
	Truncated    bool      `json:"truncated"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	DurationMS   int64     `json:"durationMs"`
	CreatedAt    time.Time `json:"createdAt"`
}
