// Package docker runs pipeline stages inside throwaway containers.
//
// WHERE IT SITS:
// The Runner implements process.Runner, so the pipeline and the installer do not
// know whether a stage runs as a host process or in a container. Each stage gets
// its own container:
//
//	host workspace  ──bind mount──►  /workspace (rw)
//	rootfs                            read-only, tmpfs on /tmp
//	network                           none, unless the stage asks for it (installs)
//	user                              the host uid:gid, so files stay removable
//
// The container is created, attached, started, waited on with the stage deadline
// and force-removed on every path.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"

	"github.com/sakif/polyglot-runner/internal/executor/process"
)

// dockerClient is the subset of *client.Client the runner needs.
type dockerClient interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runner implements process.Runner using Docker.
type Runner struct {
	cli    dockerClient
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	pulled map[string]bool
	pulls  singleflight.Group
}

// New creates a Runner connected to the daemon described by the environment
// (DOCKER_HOST and friends).
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newRunner(cli, cfg, logger), nil
}

func newRunner(cli dockerClient, cfg Config, logger *slog.Logger) *Runner {
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultConfig().PullTimeout
	}
	return &Runner{
		cli:    cli,
		config: cfg,
		logger: logger,
		pulled: make(map[string]bool),
	}
}

// Ping checks that the daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Close releases the docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

// Mount maps every workspace to the same in-container path.
func (r *Runner) Mount(string) string {
	return MountPoint
}

// Run executes spec in a fresh container. Like the local supervisor, an error
// means nothing ran; timeouts and non-zero exits are reported in the Outcome.
func (r *Runner) Run(ctx context.Context, spec process.Spec) (*process.Outcome, error) {
	if len(spec.Args) == 0 {
		return nil, errors.New("docker: empty command")
	}
	if spec.HostDir == "" {
		return nil, errors.New("docker: host workspace directory is required")
	}

	img := spec.Image
	if img == "" {
		img = r.config.DefaultImage
	}
	r.ensureImage(ctx, img)

	id, err := r.create(ctx, img, spec)
	if err != nil {
		return nil, err
	}
	// Always remove the container, even if the caller has gone away.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
		}
	}()

	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, fmt.Errorf("docker: attach container: %w", err)
	}
	defer attach.Close()

	stdout := process.NewCappedBuffer(r.config.MaxOutput)
	stderr := process.NewCappedBuffer(r.config.MaxOutput)
	copied := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
		close(copied)
	}()

	// Register the wait before starting so a fast exit cannot be missed.
	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	waitCh, errCh := r.cli.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker: start container: %w", err)
	}

	out := &process.Outcome{}
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return nil, fmt.Errorf("docker: wait container: %s", res.Error.Message)
		}
		code := int(res.StatusCode)
		out.ExitCode = &code
	case err := <-errCh:
		return nil, fmt.Errorf("docker: wait container: %w", err)
	case <-runCtx.Done():
		out.TimedOut = true
		out.Canceled = ctx.Err() != nil
		r.kill(id, spec.Name)
	}

	select {
	case <-copied:
	case <-time.After(r.config.KillGrace):
		attach.Close()
		<-copied
	}

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	out.Truncated = stdout.Truncated() || stderr.Truncated()
	out.Duration = time.Since(start)
	return out, nil
}

func (r *Runner) create(ctx context.Context, img string, spec process.Spec) (string, error) {
	dir := spec.Dir
	if dir == "" {
		dir = MountPoint
	}

	env := append([]string{"HOME=" + dir, "TMPDIR=/tmp"}, spec.Env...)
	cfg := &container.Config{
		Image:           img,
		Cmd:             spec.Args,
		Env:             env,
		WorkingDir:      dir,
		User:            strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid()),
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !spec.Network,
	}

	pids := r.config.PidsLimit
	hostConfig := &container.HostConfig{
		Binds:          []string{spec.HostDir + ":" + MountPoint + ":rw"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,exec,nosuid,size=" + r.config.TmpfsSize},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     r.config.MemoryLimit,
			MemorySwap: r.config.MemoryLimit,
			NanoCPUs:   int64(r.config.CPULimit * 1e9),
		},
	}
	if pids > 0 {
		hostConfig.Resources.PidsLimit = &pids
	}
	if !spec.Network {
		hostConfig.NetworkMode = "none"
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker: create container: %w", err)
	}
	r.logger.Debug("container created",
		slog.String("id", resp.ID),
		slog.String("image", img),
		slog.String("stage", spec.Name),
	)
	return resp.ID, nil
}

func (r *Runner) kill(id, stage string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cli.ContainerKill(killCtx, id, "SIGKILL"); err != nil {
		r.logger.Warn("failed to kill container",
			slog.String("id", id),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
	}
}

// ensureImage pulls img the first time it is used. A failed pull is only logged:
// the image may already be present locally, and if it is not, the create fails
// with a clearer error.
//
// Concurrent callers of the same image share one pull; callers of an image that
// is already present never wait on it. The pull outlives the caller that started
// it, bounded by Config.PullTimeout, so a cancelled request does not fail the
// others waiting on the same image.
func (r *Runner) ensureImage(ctx context.Context, img string) {
	r.mu.Lock()
	done := r.pulled[img]
	r.mu.Unlock()
	if done {
		return
	}

	ch := r.pulls.DoChan(img, func() (any, error) {
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.PullTimeout)
		defer cancel()
		return nil, r.pull(pullCtx, img)
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (r *Runner) pull(ctx context.Context, img string) error {
	r.logger.Info("ensuring docker image is available", slog.String("image", img))
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		r.logger.Warn("failed to pull image", slog.String("image", img), slog.String("error", err.Error()))
		return err
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		r.logger.Warn("failed to pull image", slog.String("image", img), slog.String("error", err.Error()))
		return err
	}

	r.mu.Lock()
	r.pulled[img] = true
	r.mu.Unlock()
	r.logger.Info("docker image is ready", slog.String("image", img))
	return nil
}
