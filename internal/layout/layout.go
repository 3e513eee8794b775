// Package layout resolves the on-disk paths a procsi daemon instance
// uses for a given project root: CA material, the request database,
// the control socket, port/PID hint files, and the interceptors
// directory.
package layout

import (
	"os"
	"path/filepath"

	"github.com/mtford90/procsi/internal/assert"
)

const dirName = ".procsi"

// Layout resolves every on-disk path rooted at a single project
// directory. Zero-value Layout is not usable; construct with Resolve.
type Layout struct {
	root string
}

// Resolve determines the project root (PROJECT_ROOT env var if set,
// otherwise the current working directory) and ensures <root>/.procsi
// exists.
func Resolve() (*Layout, error) {
	root := os.Getenv("PROJECT_ROOT")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	return ResolveAt(root)
}

// ResolveAt builds a Layout rooted at the given directory, creating
// <root>/.procsi if it doesn't already exist.
func ResolveAt(root string) (*Layout, error) {
	if err := assert.Check(root != "", "project root must not be empty"); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	l := &Layout{root: abs}
	if err := os.MkdirAll(l.dotDir(), 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.InterceptorsDir(), 0755); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) dotDir() string {
	return filepath.Join(l.root, dirName)
}

// Root returns the resolved project root directory.
func (l *Layout) Root() string { return l.root }

func (l *Layout) CACertPath() string  { return filepath.Join(l.dotDir(), "ca.crt") }
func (l *Layout) CAKeyPath() string   { return filepath.Join(l.dotDir(), "ca.key") }
func (l *Layout) DatabasePath() string { return filepath.Join(l.dotDir(), "requests.db") }
func (l *Layout) ControlSocketPath() string { return filepath.Join(l.dotDir(), "control.sock") }
func (l *Layout) ProxyPortPath() string     { return filepath.Join(l.dotDir(), "proxy.port") }
func (l *Layout) PreferredPortPath() string { return filepath.Join(l.dotDir(), "preferred.port") }
func (l *Layout) PIDPath() string           { return filepath.Join(l.dotDir(), "daemon.pid") }
func (l *Layout) ConfigPath() string        { return filepath.Join(l.dotDir(), "config.yaml") }
func (l *Layout) InterceptorsDir() string   { return filepath.Join(l.dotDir(), "interceptors") }
