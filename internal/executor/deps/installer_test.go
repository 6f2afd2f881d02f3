package deps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/sakif/polyglot-runner/internal/apperror"
	"github.com/sakif/polyglot-runner/internal/executor/language"
	"github.com/sakif/polyglot-runner/internal/executor/process"
	"github.com/sakif/polyglot-runner/internal/executor/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner records every Spec it is asked to run.
type mockRunner struct {
	specs     []process.Spec
	outcome   *process.Outcome
	err       error
	mountRoot string
}

func (m *mockRunner) Run(ctx context.Context, spec process.Spec) (*process.Outcome, error) {
	m.specs = append(m.specs, spec)
	return m.outcome, m.err
}

func (m *mockRunner) Mount(hostDir string) string {
	if m.mountRoot != "" {
		return m.mountRoot
	}
	return hostDir
}

func zero() *int { v := 0; return &v }

func newInstaller(r process.Runner) *Installer {
	return NewInstaller(r, language.DefaultToolchain(), time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var (
	testWS = &workspace.Workspace{ID: "ws1", Root: "/arena/ws1"}
	python = language.Defaults()[0]
	c      = language.Descriptor{ID: "c", Extension: ".c", Run: []string{"${binary}"}}
)

func TestInstallNoPackagesIsNoop(t *testing.T) {
	r := &mockRunner{}
	out, err := newInstaller(r).Install(context.Background(), testWS, c, nil)
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, r.specs)
}

func TestInstallUnsupported(t *testing.T) {
	r := &mockRunner{}
	_, err := newInstaller(r).Install(context.Background(), testWS, c, []string{"libfoo"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrDependencyInstall))
	assert.Contains(t, err.Error(), "does not support dependencies")
	assert.Empty(t, r.specs, "no installer process is started")
}

func TestInstallRendersIntoWorkspace(t *testing.T) {
	r := &mockRunner{outcome: &process.Outcome{ExitCode: zero()}}
	_, err := newInstaller(r).Install(context.Background(), testWS, python, []string{"requests", "rich==13.7.0"})
	require.NoError(t, err)

	require.Len(t, r.specs, 1)
	spec := r.specs[0]
	assert.Equal(t, "install", spec.Name)
	assert.Equal(t, "/arena/ws1", spec.Dir)
	assert.Equal(t, "/arena/ws1", spec.HostDir)
	assert.True(t, spec.Network)
	assert.Equal(t, time.Minute, spec.Timeout)
	assert.Equal(t, []string{"requests", "rich==13.7.0"}, spec.Args[len(spec.Args)-2:])
	assert.Contains(t, strings.Join(spec.Args, " "), "--target /arena/ws1/.packages")
	assert.Contains(t, spec.Env, "PYTHONPATH=/arena/ws1/.packages")
}

func TestInstallUsesRunnerMount(t *testing.T) {
	r := &mockRunner{outcome: &process.Outcome{ExitCode: zero()}, mountRoot: "/workspace"}
	_, err := newInstaller(r).Install(context.Background(), testWS, python, []string{"requests"})
	require.NoError(t, err)

	spec := r.specs[0]
	assert.Equal(t, "/workspace", spec.Dir)
	assert.Equal(t, "/arena/ws1", spec.HostDir)
	assert.Contains(t, strings.Join(spec.Args, " "), "--target /workspace/.packages")
}

func TestInstallFailures(t *testing.T) {
	exit1 := 1
	tests := []struct {
		name        string
		outcome     *process.Outcome
		runErr      error
		wantMessage string
	}{
		{"non-zero exit surfaces stderr", &process.Outcome{ExitCode: &exit1, Stderr: "No matching distribution found for nope\n"}, nil, "No matching distribution found for nope"},
		{"timeout", &process.Outcome{TimedOut: true}, nil, "exceeded 1m0s"},
		{"cancelled", &process.Outcome{TimedOut: true, Canceled: true}, nil, "cancelled"},
		{"installer missing", nil, errors.New("exec: \"python3\": executable file not found"), "starting dependency installer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRunner{outcome: tt.outcome, err: tt.runErr}
			_, err := newInstaller(r).Install(context.Background(), testWS, python, []string{"nope"})

			require.Error(t, err)
			assert.True(t, errors.Is(err, apperror.ErrDependencyInstall))
			assert.Contains(t, err.Error(), tt.wantMessage)
		})
	}
}

func TestValidatePackages(t *testing.T) {
	tooMany := make([]string, MaxPackages+1)
	for i := range tooMany {
		tooMany[i] = "pkg"
	}

	tests := []struct {
		name    string
		pkgs    []string
		wantErr bool
	}{
		{"empty list", nil, false},
		{"plain names", []string{"requests", "lodash"}, false},
		{"versions and scopes", []string{"numpy>=1.26", "@types/node@20.1.0", "rich==13.7.0", "left-pad@^1.3.0"}, false},
		{"empty name", []string{""}, true},
		{"flag injection", []string{"--index-url=http://evil"}, true},
		{"shell metacharacters", []string{"requests; rm -rf /"}, true},
		{"whitespace", []string{"two words"}, true},
		{"too long", []string{strings.Repeat("a", MaxPackageLength+1)}, true},
		{"too many", tooMany, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePackages(tt.pkgs)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperror.ErrValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}
