// Package process runs one external command with a hard deadline.
//
// HOW A RUN WORKS:
//
//  1. The child starts in its own process group, so a kill reaches everything it forked.
//  2. stdout and stderr each get an os.Pipe drained by its own goroutine (errgroup).
//     Reading them serially would deadlock once the child fills the unread pipe.
//  3. context.AfterFunc watches the deadline context. When it fires (deadline or
//     caller cancellation, whichever comes first) the group is SIGKILLed and, after
//     a grace period, the read ends are closed so no drain goroutine can block on
//     a descendant that escaped the group.
//  4. Once the child exits, the rest of its group is reaped the same way.
//
// One cancellation signal covers both "too slow" and "caller went away".
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults applied by NewSupervisor.
const (
	DefaultMaxOutput = 1 << 20
	DefaultKillGrace = 2 * time.Second
)

// Spec describes one process to run.
type Spec struct {
	Name    string   // stage label for logs
	Args    []string // Args[0] is the binary
	Dir     string   // working directory as the process sees it
	HostDir string   // the same directory on the host; used by isolating runners
	Env     []string // KEY=VALUE pairs layered over the base environment
	Timeout time.Duration
	Image   string // container image, ignored by the local supervisor
	Network bool   // whether the process may reach the network
}

// Outcome is what a finished (or killed) process left behind.
// ExitCode is nil when the process was killed by the deadline.
type Outcome struct {
	Stdout    string
	Stderr    string
	ExitCode  *int
	TimedOut  bool
	Canceled  bool // the caller's context ended before the deadline did
	Truncated bool
	Duration  time.Duration
}

// Runner executes a Spec. Mount reports where a host workspace directory appears
// to the processes the runner starts.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Outcome, error)
	Mount(hostDir string) string
}

// Supervisor runs processes directly on the host.
type Supervisor struct {
	maxOutput int
	killGrace time.Duration
	baseEnv   []string
	logger    *slog.Logger
}

type Option func(*Supervisor)

// WithMaxOutput caps each captured stream. Zero or less means unlimited.
func WithMaxOutput(n int) Option {
	return func(s *Supervisor) { s.maxOutput = n }
}

// WithKillGrace sets how long readers may keep draining after a kill.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.killGrace = d }
}

// WithBaseEnv replaces the inherited environment.
func WithBaseEnv(env []string) Option {
	return func(s *Supervisor) { s.baseEnv = env }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// NewSupervisor returns a Supervisor that passes only PATH and LANG from the host
// environment to children unless WithBaseEnv says otherwise.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		maxOutput: DefaultMaxOutput,
		killGrace: DefaultKillGrace,
		baseEnv:   hostEnv("PATH", "LANG"),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount is the identity: local processes see host paths.
func (s *Supervisor) Mount(hostDir string) string {
	return hostDir
}

// Run starts spec and blocks until it exits or is killed.
//
// A returned error means the process never ran (missing binary, bad directory).
// Everything after a successful start, including a kill, is reported in Outcome.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (*Outcome, error) {
	if len(spec.Args) == 0 || spec.Args[0] == "" {
		return nil, errors.New("process: empty command")
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = s.environ(spec)
	setProcessGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("process: creating stderr pipe: %w", err)
	}
	defer closeAll(stdoutR, stderrR)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(stdoutW, stderrW)
		return nil, fmt.Errorf("process: starting %s: %w", spec.Args[0], err)
	}
	// The child holds its own copies; ours must go or EOF never arrives.
	closeAll(stdoutW, stderrW)

	stdout := NewCappedBuffer(s.maxOutput)
	stderr := NewCappedBuffer(s.maxOutput)
	var g errgroup.Group
	g.Go(func() error { return drain(stdoutR, stdout) })
	g.Go(func() error { return drain(stderrR, stderr) })

	// reap kills whatever is left of the group and bounds how long the drains may
	// keep reading from descendants that left it.
	reap := func() {
		if err := killGroup(cmd.Process); err != nil {
			s.logger.Warn("killing process group failed",
				slog.String("stage", spec.Name),
				slog.String("error", err.Error()),
			)
		}
		time.AfterFunc(s.killGrace, func() { closeAll(stdoutR, stderrR) })
	}

	var fired atomic.Bool
	killed := make(chan struct{})
	stop := context.AfterFunc(runCtx, func() {
		defer close(killed)
		fired.Store(true)
		s.logger.Debug("deadline reached, killing process group",
			slog.String("stage", spec.Name),
			slog.Int("pid", cmd.Process.Pid),
		)
		reap()
	})
	settle := func() {
		if stop() {
			// Exited on its own; clear out any background children it left.
			reap()
			return
		}
		<-killed
	}

	// The group id is the leader's pid. While the leader is an unreaped zombie
	// that pid cannot be reused, so the group kill must land before cmd.Wait.
	held := awaitExit(cmd.Process)
	if held {
		settle()
	}
	waitErr := cmd.Wait()
	if !held {
		settle()
	}
	_ = g.Wait()

	out := &Outcome{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}

	if fired.Load() {
		out.TimedOut = true
		out.Canceled = ctx.Err() != nil
		return out, nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		out.ExitCode = intPtr(0)
	case errors.As(waitErr, &exitErr):
		out.ExitCode = intPtr(exitCode(exitErr.ProcessState))
	default:
		return out, fmt.Errorf("process: waiting for %s: %w", spec.Args[0], waitErr)
	}
	return out, nil
}

func (s *Supervisor) environ(spec Spec) []string {
	env := make([]string, 0, len(s.baseEnv)+len(spec.Env)+2)
	env = append(env, s.baseEnv...)
	if spec.Dir != "" {
		env = append(env, "HOME="+spec.Dir, "TMPDIR="+spec.Dir)
	}
	// Later entries win in os/exec, so spec.Env overrides the defaults above.
	return append(env, spec.Env...)
}

func hostEnv(keys ...string) []string {
	var env []string
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func drain(r io.Reader, buf *CappedBuffer) error {
	_, err := io.Copy(buf, r)
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func intPtr(v int) *int {
	return &v
}
