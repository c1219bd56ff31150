// Package install stages build outputs into the per-target install tree.
package install

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/qobs-build/arcbuild/internal/registry"
	"go.trai.ch/zerr"
)

// Action copies one artifact of a unit to one target.
type Action struct {
	Unit   string
	Target string
	Src    string
	Dst    string
}

// Path returns the install path of an artifact: {root}/{target}/{subdir}/{artifact}.
func Path(root, target, subdir, artifact string) string {
	return filepath.Join(root, target, subdir, artifact)
}

// CheckCollisions fails if two actions with different sources share a destination.
func CheckCollisions(actions []Action) error {
	seen := make(map[string]Action, len(actions))
	for _, a := range actions {
		dst := filepath.Clean(a.Dst)
		prev, ok := seen[dst]
		if !ok {
			seen[dst] = a
			continue
		}
		if filepath.Clean(prev.Src) == filepath.Clean(a.Src) {
			continue
		}
		return collisionError(prev, a)
	}
	return nil
}

func collisionError(prev, a Action) error {
	err := zerr.Wrap(registry.ErrInstallCollision,
		fmt.Sprintf("%s and %s both install to %s", prev.Src, a.Src, a.Dst))
	err = zerr.With(err, "target", a.Target)
	err = zerr.With(err, "unit", a.Unit)
	err = zerr.With(err, "other_unit", prev.Unit)
	return zerr.With(err, "path", a.Dst)
}

// Installer copies artifacts. Each destination may be claimed by one source only; a second
// source for a claimed destination fails with ErrInstallCollision. It is safe for concurrent use.
type Installer struct {
	mu      sync.Mutex
	claimed map[string]Action
}

func NewInstaller() *Installer {
	return &Installer{claimed: make(map[string]Action)}
}

func (in *Installer) claim(a Action) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	dst := filepath.Clean(a.Dst)
	if prev, ok := in.claimed[dst]; ok && filepath.Clean(prev.Src) != filepath.Clean(a.Src) {
		return collisionError(prev, a)
	}
	in.claimed[dst] = a
	return nil
}

// Install copies a.Src to a.Dst, creating parent directories.
func (in *Installer) Install(a Action) error {
	if err := in.claim(a); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.Dst), 0755); err != nil {
		return fmt.Errorf("failed to create install directory: %w", err)
	}
	return copyFile(a.Src, a.Dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	stat, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, stat.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
