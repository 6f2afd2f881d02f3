// Package report publishes a summary of every finished execution to
// downstream consumers (grading, analytics). Publishing is best effort: the
// caller has already answered the request when a report goes out.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sakif/polyglot-runner/internal/model"
)

// Publisher sends execution reports somewhere.
type Publisher interface {
	Publish(ctx context.Context, exec model.Execution) error
	Close() error
}

// envelope is the wire format of a report. Code and full output are left out;
// consumers that need them read the history API by id.
type envelope struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id,omitempty"`
	Language     string    `json:"language"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	TimedOut     bool      `json:"timed_out"`
	Truncated    bool      `json:"truncated"`
	StdoutBytes  int       `json:"stdout_bytes"`
	StderrBytes  int       `json:"stderr_bytes"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
	Timestamp    time.Time `json:"timestamp"`
}

func encode(exec model.Execution) ([]byte, error) {
	payload, err := json.Marshal(envelope{
		ID:           exec.ID,
		ClientID:     exec.ClientID,
		Language:     exec.Language,
		Dependencies: exec.Dependencies,
		Success:      exec.Success,
		ErrorKind:    exec.ErrorKind,
		Error:        exec.Error,
		ExitCode:     exec.ExitCode,
		TimedOut:     exec.TimedOut,
		Truncated:    exec.Truncated,
		StdoutBytes:  len(exec.Stdout),
		StderrBytes:  len(exec.Stderr),
		DurationMs:   exec.DurationMS,
		CreatedAt:    exec.CreatedAt.UTC(),
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("report: marshal envelope: %w", err)
	}
	return payload, nil
}
