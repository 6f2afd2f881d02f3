// Package deps installs third-party packages into a single workspace.
//
// Every install targets the workspace itself (pip --target, npm --prefix) and
// runs with HOME pointed at the workspace, so two executions asking for different
// versions of the same package never see each other's files. There is no
// process-wide install lock: nothing is shared that would need one.
package deps

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sakif/polyglot-runner/internal/apperror"
	"github.com/sakif/polyglot-runner/internal/executor/language"
	"github.com/sakif/polyglot-runner/internal/executor/process"
	"github.com/sakif/polyglot-runner/internal/executor/workspace"
)

const (
	MaxPackages      = 32
	MaxPackageLength = 214 // npm's package name limit, also plenty for pip specifiers

	// maxErrorDetail bounds how much installer stderr is copied into the error message.
	// The full capture is still returned in the Outcome.
	maxErrorDetail = 2000
)

var packagePattern = regexp.MustCompile(`^[A-Za-z0-9@._/=<>~^!+:-]+$`)

// ValidatePackages rejects dependency lists that could smuggle flags or shell
// syntax into an install command.
func ValidatePackages(pkgs []string) error {
	if len(pkgs) > MaxPackages {
		return apperror.ValidationFailed("dependencies", fmt.Sprintf("at most %d dependencies are allowed", MaxPackages))
	}
	for _, p := range pkgs {
		switch {
		case p == "":
			return apperror.ValidationFailed("dependencies", "dependency names must not be empty")
		case len(p) > MaxPackageLength:
			return apperror.ValidationFailed("dependencies", fmt.Sprintf("dependency %.40q... is longer than %d characters", p, MaxPackageLength))
		case strings.HasPrefix(p, "-"):
			return apperror.ValidationFailed("dependencies", fmt.Sprintf("dependency %q must not start with '-'", p))
		case !packagePattern.MatchString(p):
			return apperror.ValidationFailed("dependencies", fmt.Sprintf("dependency %q contains invalid characters", p))
		}
	}
	return nil
}

type Installer struct {
	runner    process.Runner
	toolchain language.Toolchain
	timeout   time.Duration
	logger    *slog.Logger
}

func NewInstaller(runner process.Runner, toolchain language.Toolchain, timeout time.Duration, logger *slog.Logger) *Installer {
	return &Installer{
		runner:    runner,
		toolchain: toolchain,
		timeout:   timeout,
		logger:    logger,
	}
}

// Install runs the descriptor's install command inside ws. It is a no-op for an
// empty package list. Every failure is a DependencyInstallError; the Outcome, when
// the installer got far enough to produce one, carries its captured output.
func (i *Installer) Install(ctx context.Context, ws *workspace.Workspace, desc language.Descriptor, pkgs []string) (*process.Outcome, error) {
	if len(pkgs) == 0 {
		return nil, nil
	}
	if !desc.SupportsDependencies() {
		return nil, apperror.DependencyInstall("language %s does not support dependencies", desc.ID)
	}

	dir := i.runner.Mount(ws.Root)
	vars := language.Vars{Workspace: dir, SourceName: desc.SourceFile(), Packages: pkgs}
	spec := process.Spec{
		Name:    "install",
		Args:    language.Render(desc.Install, vars, i.toolchain),
		Dir:     dir,
		HostDir: ws.Root,
		Env:     desc.RenderEnv(vars, i.toolchain),
		Timeout: i.timeout,
		Image:   desc.Image,
		Network: true,
	}

	i.logger.Info("installing dependencies",
		slog.String("workspace_id", ws.ID),
		slog.String("language", desc.ID),
		slog.Int("count", len(pkgs)),
	)

	out, err := i.runner.Run(ctx, spec)
	if err != nil {
		return nil, apperror.DependencyInstall("starting dependency installer: %v", err)
	}
	if out.TimedOut {
		if out.Canceled {
			return out, apperror.DependencyInstall("dependency install was cancelled")
		}
		return out, apperror.DependencyInstall("dependency install exceeded %s", i.timeout)
	}
	if out.ExitCode != nil && *out.ExitCode != 0 {
		return out, apperror.DependencyInstall("dependency install failed with exit code %d: %s", *out.ExitCode, detail(out.Stderr))
	}

	i.logger.Debug("dependencies installed",
		slog.String("workspace_id", ws.ID),
		slog.Duration("duration", out.Duration),
	)
	return out, nil
}

func detail(stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return "no output"
	}
	if len(s) > maxErrorDetail {
		s = "..." + s[len(s)-maxErrorDetail:]
	}
	return s
}
