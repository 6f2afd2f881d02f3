package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/polyglot-runner/internal/auth"
	"github.com/sakif/polyglot-runner/internal/executor"
)

// maxRequestBody caps the request body. Code length itself is a service rule.
const maxRequestBody = 1 << 20

// Runner is the part of the service the run endpoint needs.
type Runner interface {
	Run(ctx context.Context, clientID string, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
}

// ExecuteHandler serves POST /api/run and its alias POST /api/execute.
type ExecuteHandler struct {
	runner Runner
	logger *slog.Logger
}

func NewExecuteHandler(runner Runner, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		runner: runner,
		logger: logger,
	}
}

// RunResponse is the body of every run request that got past JSON decoding.
//
// Output mirrors Stdout for clients that only read one stream. Failure fields
// are omitted on success; exitCode is null when the process was killed or
// never started.
type RunResponse struct {
	ID         string `json:"id"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   *int   `json:"exitCode"`
	TimedOut   bool   `json:"timedOut"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
}

// HandleRun decodes the request, runs it and renders the result.
//
// Status codes: 200 on success, 400 for malformed JSON and validation
// errors, 500 for every failure of the program or its toolchain. The body of
// a 500 still carries whatever output was captured.
func (h *ExecuteHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req executor.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_json"})
		return
	}

	clientID, _ := auth.ClientIDFromContext(r.Context())
	res, err := h.runner.Run(r.Context(), clientID, req)
	if res == nil {
		// The service always returns a result; this only guards a broken fake.
		writeError(w, err)
		return
	}

	body := RunResponse{
		ID:         res.ID,
		Success:    res.Success,
		Output:     res.Stdout,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
	}
	if err == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}

	body.Success = false
	body.Error = res.Error
	if body.Error == "" {
		body.Error = err.Error()
	}
	body.ErrorKind = string(res.ErrorKind)
	if body.ErrorKind == "" {
		body.ErrorKind = string(executor.KindOf(err))
	}

	status, _ := statusFor(err)
	if status != http.StatusBadRequest {
		// Only validation is the caller's fault; the rest is an execution failure.
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, body)
}
