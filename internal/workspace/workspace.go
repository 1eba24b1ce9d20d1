// Package workspace allocates per-session scratch directories and stages
// uploaded files into them under a byte and file-count budget.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// dirPrefix marks directories owned by a Manager so Collect never touches
	// anything else under the root.
	dirPrefix = "ws-"

	DefaultMaxBytes     = 200 << 20
	DefaultMaxFiles     = 10
	DefaultMaxFileBytes = 50 << 20
)

var (
	// ErrQuota is returned when staging would exceed the per-workspace budget.
	ErrQuota = errors.New("workspace: quota exceeded")
	// ErrUnsafeName is returned for names carrying NUL bytes or ".." components.
	ErrUnsafeName = errors.New("workspace: unsafe file name")
	// ErrEmpty is returned for zero-byte uploads.
	ErrEmpty = errors.New("workspace: empty file")
	// ErrWrite wraps failures writing into the workspace directory itself
	// (disk full, permissions). Callers treat it as fatal to the workspace.
	ErrWrite = errors.New("workspace: write failed")
	// ErrReleased is returned when staging into a released workspace.
	ErrReleased = errors.New("workspace: released")
)

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Root         string // parent directory; defaults to $TMPDIR/splicer
	MaxBytes     int64  // per-workspace byte budget
	MaxFiles     int    // per-workspace file count
	MaxFileBytes int64  // per-file cap
}

// Manager creates and tears down workspaces under a single root.
type Manager struct {
	root         string
	maxBytes     int64
	maxFiles     int
	maxFileBytes int64
}

// NewManager creates a Manager, creating the root directory if needed.
func NewManager(opts ManagerOpts) (*Manager, error) {
	root := opts.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "splicer")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("workspace: create root %s: %w", abs, err)
	}
	m := &Manager{
		root:         abs,
		maxBytes:     opts.MaxBytes,
		maxFiles:     opts.MaxFiles,
		maxFileBytes: opts.MaxFileBytes,
	}
	if m.maxBytes <= 0 {
		m.maxBytes = DefaultMaxBytes
	}
	if m.maxFiles <= 0 {
		m.maxFiles = DefaultMaxFiles
	}
	if m.maxFileBytes <= 0 || m.maxFileBytes > m.maxBytes {
		m.maxFileBytes = min(int64(DefaultMaxFileBytes), m.maxBytes)
	}
	return m, nil
}

// Root returns the absolute directory that holds every workspace.
func (m *Manager) Root() string { return m.root }

// FileRef points at a file staged inside a workspace.
type FileRef struct {
	Name string // sanitized base name
	Path string // absolute path inside the workspace
	Size int64
}

// Workspace is one session's private directory. The zero value is not usable;
// obtain one from Manager.Allocate.
type Workspace struct {
	ID  string
	Dir string

	mu       sync.Mutex
	files    []FileRef
	names    map[string]bool // staged and in-flight names
	used     int64
	reserved int64
	pending  int
	released bool
}

// Allocate creates a fresh workspace directory readable only by this process's user.
func (m *Manager) Allocate() (*Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.root, dirPrefix+id)
	// Mkdir, not MkdirAll: an existing directory is a collision, not a reuse.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("workspace: allocate: %w", err)
	}
	return &Workspace{ID: id, Dir: dir, names: make(map[string]bool)}, nil
}

// Files returns the staged files in upload order.
func (ws *Workspace) Files() []FileRef {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]FileRef, len(ws.files))
	copy(out, ws.files)
	return out
}

// Used returns the number of bytes staged so far.
func (ws *Workspace) Used() int64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.used
}

// Released reports whether Release has been called.
func (ws *Workspace) Released() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.released
}

// Stage streams r into the workspace under a sanitized form of name. size is
// the announced length (<= 0 when unknown); a known size over budget fails
// before anything is written. The workspace lock is not held while copying,
// so Release can proceed during a slow upload.
func (m *Manager) Stage(ws *Workspace, r io.Reader, size int64, name string) (FileRef, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return FileRef{}, err
	}

	ws.mu.Lock()
	if ws.released {
		ws.mu.Unlock()
		return FileRef{}, ErrReleased
	}
	if len(ws.files)+ws.pending >= m.maxFiles {
		ws.mu.Unlock()
		return FileRef{}, fmt.Errorf("%w: at most %d files per session", ErrQuota, m.maxFiles)
	}
	avail := m.maxBytes - ws.used - ws.reserved
	limit := min(avail, m.maxFileBytes)
	if size > limit || limit <= 0 {
		ws.mu.Unlock()
		return FileRef{}, fmt.Errorf("%w: %s needs %d bytes, %d available", ErrQuota, clean, size, max(limit, 0))
	}
	if size > 0 {
		limit = size
	}
	final := ws.uniqueName(clean)
	path := filepath.Join(ws.Dir, final)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		ws.mu.Unlock()
		return FileRef{}, fmt.Errorf("%w: create %s: %v", ErrWrite, final, err)
	}
	ws.names[final] = true
	ws.pending++
	ws.reserved += limit
	ws.mu.Unlock()

	dst := &trackedWriter{w: f}
	n, copyErr := io.Copy(dst, io.LimitReader(r, limit+1))
	closeErr := f.Close()

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.pending--
	ws.reserved -= limit

	fail := func(err error) (FileRef, error) {
		delete(ws.names, final)
		os.Remove(path)
		return FileRef{}, err
	}
	switch {
	case ws.released:
		return fail(ErrReleased)
	case dst.err != nil:
		return fail(fmt.Errorf("%w: %s: %v", ErrWrite, final, dst.err))
	case copyErr != nil:
		return fail(fmt.Errorf("workspace: read upload %s: %w", final, copyErr))
	case closeErr != nil:
		return fail(fmt.Errorf("%w: close %s: %v", ErrWrite, final, closeErr))
	case n > limit:
		return fail(fmt.Errorf("%w: %s exceeds %d bytes", ErrQuota, final, limit))
	case n == 0:
		return fail(fmt.Errorf("%w: %s", ErrEmpty, final))
	}

	ref := FileRef{Name: final, Path: path, Size: n}
	ws.files = append(ws.files, ref)
	ws.used += n
	return ref, nil
}

// uniqueName returns name, or name with a numeric prefix when it is taken.
// Caller must hold ws.mu.
func (ws *Workspace) uniqueName(name string) string {
	if !ws.names[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%d_%s", i, name)
		if !ws.names[candidate] {
			return candidate
		}
	}
}

// trackedWriter remembers write-side errors so they can be told apart from
// failures of the upload stream.
type trackedWriter struct {
	w   io.Writer
	err error
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// Reset removes every staged file but keeps the directory.
func (m *Manager) Reset(ws *Workspace) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.released {
		return ErrReleased
	}
	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		return fmt.Errorf("%w: reset %s: %v", ErrWrite, ws.ID, err)
	}
	for _, e := range entries {
		if ws.names[e.Name()] && !ws.isStaged(e.Name()) {
			continue // upload in flight; it settles itself
		}
		if err := os.RemoveAll(filepath.Join(ws.Dir, e.Name())); err != nil {
			return fmt.Errorf("%w: reset %s: %v", ErrWrite, ws.ID, err)
		}
	}
	for _, f := range ws.files {
		delete(ws.names, f.Name)
	}
	ws.files = nil
	ws.used = 0
	return nil
}

func (ws *Workspace) isStaged(name string) bool {
	for _, f := range ws.files {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Discard removes a single file from ws. Paths outside the workspace are refused.
func (m *Manager) Discard(ws *Workspace, path string) error {
	if !Contains(ws, path) {
		return fmt.Errorf("workspace: discard %s: outside workspace %s", path, ws.ID)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workspace: discard %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Check reports ErrWrite if the workspace directory is gone or is no longer
// a directory.
func (m *Manager) Check(ws *Workspace) error {
	info, err := os.Stat(ws.Dir)
	if err != nil {
		return fmt.Errorf("%w: check %s: %v", ErrWrite, ws.ID, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: check %s: not a directory", ErrWrite, ws.ID)
	}
	return nil
}

// Release removes the workspace directory and everything in it. It is safe
// to call more than once.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	ws.mu.Lock()
	ws.released = true
	ws.files = nil
	ws.used = 0
	ws.mu.Unlock()

	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("workspace: release %s: %w", ws.ID, err)
	}
	return nil
}

// Contains reports whether path lies strictly inside ws.
func Contains(ws *Workspace, path string) bool {
	rel, err := filepath.Rel(ws.Dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Collect removes every workspace directory under the root whose name is not
// in keep and that was last modified more than minAge ago. Session state is
// not persisted, so at startup nothing is kept and any directory left behind
// by a crashed process is garbage. A periodic sweep passes a non-zero minAge
// so a workspace allocated after keep was computed survives.
func (m *Manager) Collect(keep map[string]bool, minAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("workspace: collect: %w", err)
	}
	var removed int
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) || keep[e.Name()] {
			continue
		}
		if minAge > 0 {
			info, err := e.Info()
			if err != nil || time.Since(info.ModTime()) < minAge {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("workspace: collect: %w", errors.Join(errs...))
	}
	return removed, nil
}
