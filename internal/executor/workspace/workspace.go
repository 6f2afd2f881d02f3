// Package workspace allocates one private directory per execution.
//
// ARENA LAYOUT:
//
//	<root>/
//	  <xid>-<8 hex>/   ← one per in-flight execution, mode 0700
//
// Ids combine an xid (time-ordered, globally unique) with a random suffix so a
// directory name can be neither reused nor guessed by a concurrent request.
// Directories are created with os.Mkdir, never MkdirAll: a collision fails
// instead of silently sharing a directory.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/polyglot-runner/internal/apperror"
)

const dirMode = 0o700

// Workspace is exclusively owned by one pipeline for its lifetime.
type Workspace struct {
	ID        string
	Root      string
	CreatedAt time.Time
}

// Manager creates and removes workspaces under a single root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates the arena root if needed.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Manager{root: abs, logger: logger}, nil
}

// Root returns the absolute arena directory.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh, empty workspace.
func (m *Manager) Acquire(ctx context.Context) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Workspace("workspace not created: %v", err)
	}

	id, err := newID()
	if err != nil {
		return nil, apperror.Workspace("generating workspace id: %v", err)
	}

	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, dirMode); err != nil {
		return nil, apperror.Workspace("creating workspace: %v", err)
	}

	m.logger.Debug("workspace acquired", slog.String("workspace_id", id))
	return &Workspace{ID: id, Root: dir, CreatedAt: time.Now()}, nil
}

// Release removes the workspace tree. The returned error is a CleanupError meant
// for logging; callers must not turn it into a request failure.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	// Refuse to remove anything outside the arena.
	if filepath.Dir(ws.Root) != m.root {
		return apperror.Cleanup("workspace %s is outside %s", ws.Root, m.root)
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return apperror.Cleanup("removing workspace %s: %v", ws.ID, err)
	}
	m.logger.Debug("workspace released",
		slog.String("workspace_id", ws.ID),
		slog.Duration("lifetime", time.Since(ws.CreatedAt)),
	)
	return nil
}

// Path joins a file name inside the workspace. Names that would escape the
// workspace are rejected.
func (ws *Workspace) Path(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", apperror.Workspace("invalid workspace file name %q", name)
	}
	p := filepath.Join(ws.Root, name)
	if p == ws.Root || !strings.HasPrefix(p, ws.Root+string(filepath.Separator)) {
		return "", apperror.Workspace("file name %q escapes the workspace", name)
	}
	return p, nil
}

// WriteFile writes data to a file inside the workspace, readable only by the owner.
func (ws *Workspace) WriteFile(name string, data []byte) error {
	p, err := ws.Path(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return apperror.Workspace("writing %s: %v", name, err)
	}
	return nil
}

func newID() (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return xid.New().String() + "-" + hex.EncodeToString(suffix[:]), nil
}
