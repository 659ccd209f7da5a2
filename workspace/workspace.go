// Package workspace manages the per-request scratch directories that external tools run in.
//
// A Workspace is owned by the request handling code until it is either closed, which
// removes the directory, or detached, which hands removal over to the holder of the
// returned Detached handle.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrInvalidPath is returned when a path would resolve to the workspace root or outside it.
	ErrInvalidPath = errors.New("invalid workspace path")
	// ErrNotOwned is the panic value when a workspace that is no longer owned is detached.
	ErrNotOwned = errors.New("workspace is not owned")
)

type state int

const (
	owned state = iota
	detached
	closed
)

type Workspace struct {
	dir string

	mu    sync.Mutex
	state state
}

// Create makes a new uniquely named directory under root, creating root if needed.
func Create(root string) (*Workspace, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	dir := filepath.Join(root, uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the absolute path of the workspace root.
func (w *Workspace) Dir() string {
	return w.dir
}

// Resolve joins the segments onto the workspace root. The first segment must not be empty,
// and the result must be strictly inside the workspace.
func (w *Workspace) Resolve(first string, more ...string) (string, error) {
	if first == "" {
		return "", fmt.Errorf("%w: empty first segment", ErrInvalidPath)
	}
	return resolve(w.dir, append([]string{first}, more...)...)
}

// CreateDir resolves the segments and creates the directory along with any parents.
func (w *Workspace) CreateDir(first string, more ...string) (string, error) {
	p, err := w.Resolve(first, more...)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return p, nil
}

// Detach transfers responsibility for removing the directory to the returned handle.
// After Detach, Close no longer removes anything. Detaching a workspace that has already
// been detached or closed is a programming error and panics.
func (w *Workspace) Detach() *Detached {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != owned {
		panic(ErrNotOwned)
	}
	w.state = detached
	return &Detached{dir: w.dir}
}

// Close removes the directory if the workspace is still owned. It is safe to call any
// number of times, only the first call on an owned workspace removes anything.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != owned {
		return nil
	}
	w.state = closed
	return removeAll(w.dir)
}

// Detached is a workspace directory whose removal has been handed over by Detach.
type Detached struct {
	dir string

	once sync.Once
	err  error
}

func (d *Detached) Dir() string {
	return d.dir
}

// Remove deletes the directory. Only the first call does any work, later calls return
// the first call's result.
func (d *Detached) Remove() error {
	d.once.Do(func() {
		d.err = removeAll(d.dir)
	})
	return d.err
}

func resolve(root string, segments ...string) (string, error) {
	p := filepath.Join(append([]string{root}, segments...)...)
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is not inside the workspace", ErrInvalidPath, filepath.Join(segments...))
	}
	return p, nil
}

func removeAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
