package docker

import (
	"time"
)

// MountPoint is where the workspace appears inside every container.
const MountPoint = "/workspace"

// Config holds the limits applied to every stage container.
type Config struct {
	// DefaultImage is used when a language descriptor names no image.
	DefaultImage string
	// MemoryLimit is the maximum amount of memory a container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64
	// PidsLimit caps the number of processes inside a container (fork bombs).
	PidsLimit int64
	// MaxOutput caps each captured stream, like process.WithMaxOutput.
	MaxOutput int
	// TmpfsSize is the size of the writable /tmp on top of the read-only rootfs.
	TmpfsSize string
	// KillGrace bounds how long output is drained after a container is killed.
	KillGrace time.Duration
	// PullTimeout bounds a single image pull, independent of the request that
	// triggered it.
	PullTimeout time.Duration
}

// DefaultConfig provides sensible defaults for an untrusted-code sandbox.
func DefaultConfig() Config {
	return Config{
		DefaultImage: "debian:bookworm-slim",
		// 256 MB memory limit
		MemoryLimit: 256 * 1024 * 1024,
		CPULimit:    1.0,
		PidsLimit:   128,
		MaxOutput:   1 << 20,
		TmpfsSize:   "64m",
		KillGrace:   2 * time.Second,
		PullTimeout: 10 * time.Minute,
	}
}
