// Package pipeline ties the language registry, workspace manager, dependency
// installer and process runner into one state machine per request.
//
// KEY CONCEPTS:
//   - One execution, one goroutine, one workspace. Executions share nothing but
//     the read-only registry and the admission gate.
//   - The admission gate (a weighted semaphore) bounds how many executions may
//     hold a workspace and spawn processes at the same time. Validation happens
//     before the gate so bad requests never queue.
//   - Cleanup is deferred as soon as a workspace may exist, so it runs exactly
//     once on every path, including panics inside a stage.
//   - The pipeline never branches on a language id. Everything language-specific
//     comes from the descriptor.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"github.com/sakif/polyglot-runner/internal/apperror"
	"github.com/sakif/polyglot-runner/internal/executor"
	"github.com/sakif/polyglot-runner/internal/executor/deps"
	"github.com/sakif/polyglot-runner/internal/executor/language"
	"github.com/sakif/polyglot-runner/internal/executor/process"
	"github.com/sakif/polyglot-runner/internal/executor/workspace"
)

// Default stage deadlines.
const (
	DefaultCompileTimeout = 30 * time.Second
	DefaultRunTimeout     = 10 * time.Second
)

// Registry resolves a language identifier.
type Registry interface {
	Lookup(id string) (language.Descriptor, error)
}

// Workspaces allocates and removes per-execution directories.
type Workspaces interface {
	Acquire(ctx context.Context) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace) error
}

// Installer installs dependencies into a workspace.
type Installer interface {
	Install(ctx context.Context, ws *workspace.Workspace, desc language.Descriptor, pkgs []string) (*process.Outcome, error)
}

// Observer is called on every state transition. It runs on the execution's
// goroutine and must not block.
type Observer func(executionID string, s State)

type Pipeline struct {
	registry   Registry
	workspaces Workspaces
	installer  Installer
	runner     process.Runner

	toolchain      language.Toolchain
	gate           *semaphore.Weighted
	compileTimeout time.Duration
	runTimeout     time.Duration
	metrics        *Metrics
	observer       Observer
	logger         *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMaxConcurrent sizes the admission gate. Values below one are ignored.
func WithMaxConcurrent(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.gate = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeouts sets the compile and run deadlines. Zero keeps the default.
func WithTimeouts(compile, run time.Duration) Option {
	return func(p *Pipeline) {
		if compile > 0 {
			p.compileTimeout = compile
		}
		if run > 0 {
			p.runTimeout = run
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

func WithToolchain(tc language.Toolchain) Option {
	return func(p *Pipeline) { p.toolchain = tc }
}

// New builds a Pipeline. It implements executor.Executor.
func New(registry Registry, workspaces Workspaces, installer Installer, runner process.Runner, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:       registry,
		workspaces:     workspaces,
		installer:      installer,
		runner:         runner,
		toolchain:      language.DefaultToolchain(),
		gate:           semaphore.NewWeighted(int64(runtime.NumCPU())),
		compileTimeout: DefaultCompileTimeout,
		runTimeout:     DefaultRunTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ executor.Executor = (*Pipeline)(nil)

// Execute runs req to a terminal state. The result is never nil; the error is nil
// on success and a classified *apperror.AppError otherwise.
func (p *Pipeline) Execute(ctx context.Context, req executor.ExecutionRequest) (res *executor.ExecutionResult, err error) {
	e := &execution{
		p:     p,
		id:    xid.New().String(),
		req:   req,
		start: time.Now(),
	}
	defer func() {
		// Last guard: nothing in the engine may take the process down.
		if r := recover(); r != nil {
			res, err = e.finish(e.recovered(r))
		}
	}()
	return e.finish(e.execute(ctx))
}

// execution is the mutable state of one request. It never outlives Execute.
type execution struct {
	p     *Pipeline
	id    string
	req   executor.ExecutionRequest
	desc  language.Descriptor
	ws    *workspace.Workspace
	start time.Time

	last     *process.Outcome // output of the most recent stage that ran
	timedOut bool
}

func (e *execution) execute(ctx context.Context) (err error) {
	e.enter(StateValidating)
	if err := e.validate(); err != nil {
		return err
	}

	if err := e.p.gate.Acquire(ctx, 1); err != nil {
		return apperror.Timeout("cancelled while waiting for an execution slot")
	}
	e.p.metrics.admitted()
	defer func() {
		e.p.metrics.released()
		e.p.gate.Release(1)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = e.recovered(r)
		}
		e.enter(StateCollecting)
		e.cleanup()
	}()

	e.enter(StatePreparing)
	if err := e.prepare(ctx); err != nil {
		return err
	}

	e.enter(StateInstallingDeps)
	if err := e.install(ctx); err != nil {
		return err
	}

	e.enter(StateCompiling)
	if err := e.compile(ctx); err != nil {
		return err
	}

	e.enter(StateRunning)
	return e.run(ctx)
}

func (e *execution) validate() error {
	if strings.TrimSpace(e.req.Code) == "" {
		return apperror.ValidationFailed("code", "code is required")
	}
	if strings.TrimSpace(e.req.Language) == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	desc, err := e.p.registry.Lookup(e.req.Language)
	if err != nil {
		return err
	}
	if err := deps.ValidatePackages(e.req.Dependencies); err != nil {
		return err
	}
	e.desc = desc
	return nil
}

func (e *execution) prepare(ctx context.Context) error {
	ws, err := e.p.workspaces.Acquire(ctx)
	if err != nil {
		return err
	}
	e.ws = ws
	return ws.WriteFile(e.desc.SourceFile(), []byte(e.req.Code))
}

func (e *execution) install(ctx context.Context) error {
	if len(e.req.Dependencies) == 0 {
		return nil
	}
	start := time.Now()
	out, err := e.p.installer.Install(ctx, e.ws, e.desc, e.req.Dependencies)
	e.p.metrics.observeStage("install", time.Since(start))
	e.record(out)
	return err
}

func (e *execution) compile(ctx context.Context) error {
	if !e.desc.Compiled() {
		return nil
	}
	out, err := e.stage(ctx, "compile", e.desc.Compile, e.p.compileTimeout)
	if err != nil {
		return apperror.Compile("starting compiler: %v", err)
	}
	if out.TimedOut {
		if out.Canceled {
			return apperror.Compile("compilation was cancelled")
		}
		return apperror.Compile("compilation exceeded %s", e.p.compileTimeout)
	}
	if code := exitCode(out); code != 0 {
		return apperror.Compile("compilation failed with exit code %d", code)
	}
	return nil
}

func (e *execution) run(ctx context.Context) error {
	out, err := e.stage(ctx, "run", e.desc.Run, e.p.runTimeout)
	if err != nil {
		if ctx.Err() != nil {
			e.timedOut = true
			return apperror.Timeout("execution was cancelled")
		}
		return apperror.Runtime("starting program: %v", err)
	}
	if out.TimedOut {
		if out.Canceled {
			return apperror.Timeout("execution was cancelled")
		}
		return apperror.Timeout("execution exceeded %s", e.p.runTimeout)
	}
	if code := exitCode(out); code != 0 {
		return apperror.Runtime("program exited with code %d", code)
	}
	return nil
}

// stage renders tmpl for this workspace and runs it with the given deadline.
func (e *execution) stage(ctx context.Context, name string, tmpl []string, timeout time.Duration) (*process.Outcome, error) {
	dir := e.p.runner.Mount(e.ws.Root)
	vars := language.Vars{
		Workspace:  dir,
		SourceName: e.desc.SourceFile(),
		Packages:   e.req.Dependencies,
	}
	spec := process.Spec{
		Name:    name,
		Args:    language.Render(tmpl, vars, e.p.toolchain),
		Dir:     dir,
		HostDir: e.ws.Root,
		Env:     e.desc.RenderEnv(vars, e.p.toolchain),
		Timeout: timeout,
		Image:   e.desc.Image,
	}

	start := time.Now()
	out, err := e.p.runner.Run(ctx, spec)
	e.p.metrics.observeStage(name, time.Since(start))
	if err != nil {
		out = nil
	}
	e.record(out)
	return out, err
}

// record makes out the outcome reported for this execution. A nil out clears
// whatever an earlier stage left behind.
func (e *execution) record(out *process.Outcome) {
	e.last = out
	e.timedOut = out != nil && out.TimedOut
}

// exitCode treats a missing code on a process that was not killed as a failure.
func exitCode(out *process.Outcome) int {
	if out.ExitCode == nil {
		return -1
	}
	return *out.ExitCode
}

// cleanup releases the workspace. Its failure is logged and counted, never
// reported to the caller.
func (e *execution) cleanup() {
	e.enter(StateCleaningUp)
	if e.ws == nil {
		return
	}
	if err := e.p.workspaces.Release(e.ws); err != nil {
		e.p.metrics.cleanupFailed()
		e.p.logger.Error("workspace cleanup failed",
			slog.String("execution_id", e.id),
			slog.String("workspace_id", e.ws.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *execution) recovered(r any) error {
	e.p.logger.Error("panic during execution",
		slog.String("execution_id", e.id),
		slog.String("panic", fmt.Sprint(r)),
	)
	return apperror.Runtime("internal error during execution")
}

func (e *execution) enter(s State) {
	e.p.logger.Debug("execution state",
		slog.String("execution_id", e.id),
		slog.String("language", e.req.Language),
		slog.String("state", s.String()),
	)
	if e.p.observer != nil {
		e.p.observer(e.id, s)
	}
}

// finish moves to the terminal state and assembles the result from whatever
// the last stage captured.
func (e *execution) finish(err error) (*executor.ExecutionResult, error) {
	res := &executor.ExecutionResult{
		ID:       e.id,
		Language: e.desc.ID,
		Success:  err == nil,
		TimedOut: e.timedOut,
		Duration: time.Since(e.start),
	}
	if res.Language == "" {
		res.Language = e.req.Language
	}
	if e.ws != nil {
		res.WorkspaceID = e.ws.ID
	}
	if e.last != nil {
		res.Stdout = e.last.Stdout
		res.Stderr = e.last.Stderr
		res.ExitCode = e.last.ExitCode
		res.Truncated = e.last.Truncated
	}

	outcome := "success"
	if err != nil {
		res.ErrorKind = executor.KindOf(err)
		res.Error = err.Error()
		outcome = string(res.ErrorKind)
		e.enter(StateFailed)
		e.p.logger.Warn("execution failed",
			slog.String("execution_id", e.id),
			slog.String("language", res.Language),
			slog.String("error_kind", string(res.ErrorKind)),
			slog.String("error", res.Error),
			slog.Duration("duration", res.Duration),
		)
	} else {
		e.enter(StateDone)
		e.p.logger.Info("execution finished",
			slog.String("execution_id", e.id),
			slog.String("language", res.Language),
			slog.Duration("duration", res.Duration),
		)
	}
	// Unresolved languages share one label so user input cannot grow the series set.
	label := e.desc.ID
	if label == "" {
		label = "unresolved"
	}
	e.p.metrics.recordExecution(label, outcome)

	if err != nil {
		return res, err
	}
	return res, nil
}
