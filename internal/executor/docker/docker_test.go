package docker

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/polyglot-runner/internal/executor/process"
)

// fakeClient plays a daemon that runs one container per Create call. The
// container writes stdout/stderr as multiplexed frames and exits with exitCode,
// or hangs until it is killed.
type fakeClient struct {
	mu          sync.Mutex
	stdout      string
	stderr      string
	exitCode    int64
	hang        bool
	configs     []*container.Config
	hostConfigs []*container.HostConfig
	pulls       []string
	pullGates   map[string]chan struct{}
	killed      []string
	removed     []string

	server net.Conn
	waitCh chan container.WaitResponse
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

// ImagePull blocks while a gate is registered for ref, standing in for a slow
// registry download.
func (f *fakeClient) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, ref)
	gate := f.pullGates[ref]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeClient) pullCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pulls {
		if p == ref {
			n++
		}
	}
	return n
}

func (f *fakeClient) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	f.hostConfigs = append(f.hostConfigs, hc)
	f.waitCh = make(chan container.WaitResponse, 1)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeClient) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	f.mu.Lock()
	f.server = server
	f.mu.Unlock()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeClient) ContainerStart(context.Context, string, container.StartOptions) error {
	go func() {
		if f.stdout != "" {
			_, _ = stdcopy.NewStdWriter(f.server, stdcopy.Stdout).Write([]byte(f.stdout))
		}
		if f.stderr != "" {
			_, _ = stdcopy.NewStdWriter(f.server, stdcopy.Stderr).Write([]byte(f.stderr))
		}
		if f.hang {
			return
		}
		_ = f.server.Close()
		f.waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	}()
	return nil
}

func (f *fakeClient) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.waitCh, make(chan error)
}

func (f *fakeClient) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return f.server.Close()
}

func (f *fakeClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerRun(t *testing.T) {
	fake := &fakeClient{stdout: "hello\n", stderr: "warn\n", exitCode: 2}
	r := newRunner(fake, DefaultConfig(), testLogger())

	out, err := r.Run(context.Background(), process.Spec{
		Name:    "run",
		Args:    []string{"python3", "/workspace/main.py"},
		Dir:     r.Mount("/arena/ws1"),
		HostDir: "/arena/ws1",
		Env:     []string{"PYTHONPATH=/workspace/.packages"},
		Timeout: 5 * time.Second,
		Image:   "python:3.12-alpine",
	})
	require.NoError(t, err)

	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "warn\n", out.Stderr)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 2, *out.ExitCode)
	assert.False(t, out.TimedOut)

	require.Len(t, fake.configs, 1)
	cfg, hc := fake.configs[0], fake.hostConfigs[0]
	assert.Equal(t, "python:3.12-alpine", cfg.Image)
	assert.Equal(t, MountPoint, cfg.WorkingDir)
	assert.True(t, cfg.NetworkDisabled)
	assert.Contains(t, cfg.Env, "PYTHONPATH=/workspace/.packages")
	assert.Equal(t, []string{"/arena/ws1:/workspace:rw"}, hc.Binds)
	assert.Equal(t, container.NetworkMode("none"), hc.NetworkMode)
	assert.True(t, hc.ReadonlyRootfs)
	assert.Equal(t, int64(256*1024*1024), hc.Resources.Memory)

	assert.Equal(t, []string{"c1"}, fake.removed, "container is always removed")
	assert.Equal(t, []string{"python:3.12-alpine"}, fake.pulls)
}

func TestRunnerPullsOnce(t *testing.T) {
	fake := &fakeClient{}
	r := newRunner(fake, DefaultConfig(), testLogger())
	spec := process.Spec{Args: []string{"true"}, HostDir: "/arena/ws1", Timeout: time.Second}

	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), spec)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{DefaultConfig().DefaultImage}, fake.pulls)
}

func TestSlowPullDoesNotBlockOtherImages(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{stdout: "ok\n", pullGates: map[string]chan struct{}{"openjdk:21-slim": gate}}
	r := newRunner(fake, DefaultConfig(), testLogger())
	pySpec := process.Spec{Args: []string{"python3", "main.py"}, HostDir: "/arena/ws1", Timeout: time.Second, Image: "python:3.12-alpine"}

	_, err := r.Run(context.Background(), pySpec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ensureImage(context.Background(), "openjdk:21-slim")
		}()
	}
	require.Eventually(t, func() bool { return fake.pullCount("openjdk:21-slim") == 1 }, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		out, err := r.Run(context.Background(), pySpec)
		if assert.NoError(t, err) {
			assert.Equal(t, "ok\n", out.Stdout)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run on a present image waited behind another image's pull")
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, 1, fake.pullCount("openjdk:21-slim"), "concurrent callers share one pull")
	assert.Equal(t, 1, fake.pullCount("python:3.12-alpine"))
}

func TestCancelledCallerDoesNotAbortSharedPull(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeClient{pullGates: map[string]chan struct{}{"golang:1.25": gate}}
	r := newRunner(fake, DefaultConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		r.ensureImage(ctx, "golang:1.25")
	}()
	require.Eventually(t, func() bool { return fake.pullCount("golang:1.25") == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the pull")
	}

	close(gate)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pulled["golang:1.25"]
	}, time.Second, 10*time.Millisecond)
}

func TestRunnerNetworkForInstalls(t *testing.T) {
	fake := &fakeClient{}
	r := newRunner(fake, DefaultConfig(), testLogger())

	_, err := r.Run(context.Background(), process.Spec{Args: []string{"pip"}, HostDir: "/arena/ws1", Network: true, Timeout: time.Second})
	require.NoError(t, err)

	assert.False(t, fake.configs[0].NetworkDisabled)
	assert.Empty(t, fake.hostConfigs[0].NetworkMode)
}

func TestRunnerTimeout(t *testing.T) {
	fake := &fakeClient{stdout: "partial\n", hang: true}
	cfg := DefaultConfig()
	cfg.KillGrace = 100 * time.Millisecond
	r := newRunner(fake, cfg, testLogger())

	out, err := r.Run(context.Background(), process.Spec{
		Args:    []string{"sleep", "60"},
		HostDir: "/arena/ws1",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, out.TimedOut)
	assert.False(t, out.Canceled)
	assert.Nil(t, out.ExitCode)
	assert.Equal(t, "partial\n", out.Stdout)
	assert.Equal(t, []string{"c1"}, fake.killed)
	assert.Equal(t, []string{"c1"}, fake.removed)
}

func TestRunnerRejectsMissingHostDir(t *testing.T) {
	r := newRunner(&fakeClient{}, DefaultConfig(), testLogger())
	_, err := r.Run(context.Background(), process.Spec{Args: []string{"true"}})
	assert.Error(t, err)
}

func TestDockerRunnerIntegration(t *testing.T) {
	// Skip in CI environments if docker is not available
	if os.Getenv("CI") != "" {
		t.Skip("Skipping docker test in CI environment")
	}

	r, err := New(DefaultConfig(), testLogger())
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("docker daemon not reachable: %v", err)
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/hello.sh", []byte("echo hello from a container\n"), 0o644))

	out, err := r.Run(context.Background(), process.Spec{
		Name:    "run",
		Args:    []string{"/bin/sh", MountPoint + "/hello.sh"},
		Dir:     r.Mount(dir),
		HostDir: dir,
		Timeout: time.Minute,
		Image:   "alpine:3.20",
	})
	if err != nil {
		t.Skipf("container could not be started: %v", err)
	}
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
	assert.Equal(t, "hello from a container\n", out.Stdout)
}
