// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mount manages the temporary directory tree the installer mounts filesystems into.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Option configures a Tree.
type Option func(*Tree)

// WithMounter overrides the mount implementation.
func WithMounter(m Mounter) Option {
	return func(t *Tree) {
		t.mounter = m
	}
}

// WithLoops overrides the loop device implementation.
func WithLoops(l LoopAttacher) Option {
	return func(t *Tree) {
		t.loops = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tree) {
		t.logger = logger
	}
}

// WithParent sets the directory the tree root is created in.
func WithParent(dir string) Option {
	return func(t *Tree) {
		t.parent = dir
	}
}

type resource struct {
	name    string
	release func(ctx context.Context) error
}

// Mark is a position in the release stack.
type Mark int

// Tree is a temporary directory with everything mounted below it.
//
// Each acquired resource registers a release action. Actions run in reverse
// order of acquisition, and every action runs even if earlier ones fail.
type Tree struct {
	mounter Mounter
	loops   LoopAttacher
	logger  *zap.Logger
	parent  string
	root    string
	stack   []resource
}

// NewTree creates the root directory of a new tree.
func NewTree(opts ...Option) (*Tree, error) {
	t := &Tree{
		loops:  SystemLoops{},
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(t)
	}

	if t.mounter == nil {
		t.mounter = SystemMounter{Printf: t.logger.Sugar().Infof}
	}

	root, err := os.MkdirTemp(t.parent, "liveusb-")
	if err != nil {
		return nil, fmt.Errorf("error creating working directory: %w", err)
	}

	t.root = root
	t.Push("directory "+root, removeDir(root))

	return t, nil
}

// Root returns the tree root.
func (t *Tree) Root() string {
	return t.root
}

// Path returns the path of name below the root.
func (t *Tree) Path(name string) string {
	return filepath.Join(t.root, name)
}

// Push registers a release action.
func (t *Tree) Push(name string, release func(ctx context.Context) error) {
	t.stack = append(t.stack, resource{name: name, release: release})
}

// Mark returns the current stack position.
func (t *Tree) Mark() Mark {
	return Mark(len(t.stack))
}

// Mkdir creates an empty directory below the root.
func (t *Tree) Mkdir(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid directory name %q", name)
	}

	path := t.Path(name)

	if err := os.Mkdir(path, 0o755); err != nil {
		return "", err
	}

	t.Push("directory "+path, removeDir(path))

	return path, nil
}

// Mount mounts source at a new directory name below the root.
func (t *Tree) Mount(source, name, fstype string, flags uintptr, data string) (string, error) {
	target, err := t.Mkdir(name)
	if err != nil {
		return "", err
	}

	if err = t.MountAt(source, target, fstype, flags, data); err != nil {
		return "", err
	}

	return target, nil
}

// MountAt mounts source at an existing target directory.
func (t *Tree) MountAt(source, target, fstype string, flags uintptr, data string) error {
	t.logger.Debug("mounting", zap.String("source", source), zap.String("target", target), zap.String("type", fstype))

	if err := t.mounter.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("error mounting %s at %s: %w", source, target, err)
	}

	t.Push("mount "+target, func(ctx context.Context) error {
		return t.mounter.Unmount(ctx, target)
	})

	return nil
}

// MountLoop attaches file to a read-only loop device and mounts it at name.
func (t *Tree) MountLoop(file, name, fstype string) (string, error) {
	loop, err := t.loops.Attach(file, true)
	if err != nil {
		return "", fmt.Errorf("error attaching %s to a loop device: %w", file, err)
	}

	t.Push("loop "+loop.Path(), func(context.Context) error {
		return loop.Detach()
	})

	return t.Mount(loop.Path(), name, fstype, unix.MS_RDONLY, "")
}

// Overlay mounts an overlay filesystem at name.
func (t *Tree) Overlay(lower, upper, work, name string) (string, error) {
	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)

	return t.Mount("overlay", name, "overlay", 0, data)
}

// Bind bind-mounts source recursively at target.
func (t *Tree) Bind(source, target string) error {
	return t.MountAt(source, target, "", unix.MS_BIND|unix.MS_REC, "")
}

// ReleaseTo releases everything acquired after mark.
func (t *Tree) ReleaseTo(ctx context.Context, mark Mark) error {
	var result *multierror.Error

	for Mark(len(t.stack)) > mark {
		r := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]

		t.logger.Debug("releasing", zap.String("resource", r.name))

		if err := r.release(ctx); err != nil {
			t.logger.Warn("release failed", zap.String("resource", r.name), zap.Error(err))

			result = multierror.Append(result, fmt.Errorf("%s: %w", r.name, err))
		}
	}

	return result.ErrorOrNil()
}

// Release releases every resource of the tree, including the root.
//
// Release is safe to call more than once.
func (t *Tree) Release(ctx context.Context) error {
	return t.ReleaseTo(ctx, 0)
}

func removeDir(path string) func(context.Context) error {
	return func(context.Context) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		return nil
	}
}
