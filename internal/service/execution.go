// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Executor / Repository    → runs code, reads/writes history
//
// The service knows nothing about HTTP. It takes plain values and returns
// domain errors (apperror); the handler translates those into status codes.
//
// SIDE EFFECTS ARE BEST EFFORT:
// Recording history and publishing a report happen after the execution has a
// result. Neither may change that result: a broken database or broker is
// logged, and the caller still gets exactly what the executor produced.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/polyglot-runner/internal/apperror"
	"github.com/sakif/polyglot-runner/internal/executor"
	"github.com/sakif/polyglot-runner/internal/model"
	"github.com/sakif/polyglot-runner/internal/report"
	"github.com/sakif/polyglot-runner/internal/repository"
)

const (
	MaxCodeLength    = 100000 // ~100KB of code
	DefaultListLimit = 20
	MaxListLimit     = 100

	// PublishTimeout bounds one report publish.
	PublishTimeout = 5 * time.Second
)

// ExecutionService validates run requests, hands them to the executor and
// keeps a history of what ran.
//
// repo and publisher are optional. A nil repo disables history: List returns
// an empty page and Get returns ErrNotFound. A nil publisher disables reports.
type ExecutionService struct {
	exec      executor.Executor
	repo      repository.ExecutionRepository
	publisher report.Publisher
	logger    *slog.Logger

	maxCodeLength int
	publishes     sync.WaitGroup
}

type Option func(*ExecutionService)

// WithMaxCodeLength overrides MaxCodeLength. Values below one are ignored.
func WithMaxCodeLength(n int) Option {
	return func(s *ExecutionService) {
		if n > 0 {
			s.maxCodeLength = n
		}
	}
}

func NewExecutionService(exec executor.Executor, repo repository.ExecutionRepository, publisher report.Publisher, logger *slog.Logger, opts ...Option) *ExecutionService {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &ExecutionService{
		exec:          exec,
		repo:          repo,
		publisher:     publisher,
		logger:        logger,
		maxCodeLength: MaxCodeLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes req on behalf of clientID.
//
// The result is never nil. On failure it still carries the execution id, the
// error kind and any output captured before things went wrong, so the handler
// can render a complete failure response.
func (s *ExecutionService) Run(ctx context.Context, clientID string, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	req.Language = strings.TrimSpace(req.Language)

	if err := s.validate(req); err != nil {
		return rejected(req, err), err
	}

	res, err := s.exec.Execute(ctx, req)
	if res == nil {
		// Executors promise a result; fall back to a bare one rather than panic.
		if err == nil {
			err = apperror.Runtime("executor returned no result")
		}
		res = rejected(req, err)
	}

	rec := toRecord(clientID, req, res)
	s.record(ctx, rec)
	s.publish(ctx, rec)

	return res, err
}

func (s *ExecutionService) validate(req executor.ExecutionRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return apperror.ValidationFailed("code", "code is required")
	}
	if req.Language == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	if len(req.Code) > s.maxCodeLength {
		return apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d characters or less", s.maxCodeLength))
	}
	return nil
}

// rejected builds the result for a request that never reached a workspace.
func rejected(req executor.ExecutionRequest, err error) *executor.ExecutionResult {
	return &executor.ExecutionResult{
		ID:        xid.New().String(),
		Language:  req.Language,
		ErrorKind: executor.KindOf(err),
		Error:     err.Error(),
	}
}

func toRecord(clientID string, req executor.ExecutionRequest, res *executor.ExecutionResult) model.Execution {
	return model.Execution{
		ID:           res.ID,
		ClientID:     clientID,
		Language:     res.Language,
		Code:         req.Code,
		Dependencies: req.Dependencies,
		Success:      res.Success,
		ErrorKind:    string(res.ErrorKind),
		Error:        res.Error,
		ExitCode:     res.ExitCode,
		TimedOut:     res.TimedOut,
		Truncated:    res.Truncated,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		DurationMS:   res.Duration.Milliseconds(),
		CreatedAt:    time.Now(),
	}
}

func (s *ExecutionService) record(ctx context.Context, rec model.Execution) {
	if s.repo == nil {
		return
	}
	// A client that hung up still gets its run recorded.
	if err := s.repo.Create(context.WithoutCancel(ctx), &rec); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends the report in the background. Wait blocks until every
// publish started so far has returned.
func (s *ExecutionService) publish(ctx context.Context, rec model.Execution) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PublishTimeout)
	s.publishes.Add(1)
	go func() {
		defer s.publishes.Done()
		defer cancel()
		if err := s.publisher.Publish(pubCtx, rec); err != nil {
			s.logger.Warn("failed to publish execution report",
				slog.String("execution_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until pending report publishes have finished. Call it before
// closing the publisher.
func (s *ExecutionService) Wait() {
	s.publishes.Wait()
}

// List returns history newest first. A non-empty clientID restricts it to that
// client's executions.
func (s *ExecutionService) List(ctx context.Context, clientID string, limit, offset int) ([]model.Execution, error) {
	if s.repo == nil {
		return []model.Execution{}, nil
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, err := s.repo.List(ctx, repository.ListOptions{
		Limit:    limit,
		Offset:   offset,
		ClientID: clientID,
	})
	if err != nil {
		s.logger.Error("failed to list executions", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return executions, nil
}

// Get returns one execution. When clientID is set, executions of other
// clients are reported as not found rather than forbidden, so ids of other
// clients cannot be enumerated.
func (s *ExecutionService) Get(ctx context.Context, clientID, id string) (*model.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "execution ID is required")
	}
	if s.repo == nil {
		return nil, apperror.NotFound("execution", id)
	}

	exec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if clientID != "" && exec.ClientID != clientID {
		return nil, apperror.NotFound("execution", id)
	}
	return exec, nil
}
