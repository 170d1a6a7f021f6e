// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rootfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal"
	"github.com/rootcage/rootcage/rootfs/internal/resolver"
)

// resolveParent resolves the parent directory of unsafePath (fully, not
// partially -- every component up to the final one must already exist) and
// returns it along with the final path component, which the caller is
// responsible for creating, removing, or otherwise operating on.
func (r *Root) resolveParent(op, unsafePath string) (*os.File, string, error) {
	parent, name := filepath.Split(unsafePath)
	switch name {
	case "", ".", "..":
		return nil, "", fmt.Errorf("%w: %q is not a valid name for %s", internal.ErrInvalidArgument, name, op)
	}
	if strings.Contains(name, "/") {
		return nil, "", fmt.Errorf("%w: %q contains a path separator", internal.ErrInvalidArgument, name)
	}

	parentHandle, err := completeLookupInRoot(r.inner, parent, resolver.FollowSymlinks)
	if err != nil {
		return nil, "", &os.PathError{Op: op, Path: unsafePath, Err: err}
	}
	return parentHandle, name, nil
}

// Create creates a new filesystem object of the given type at unsafePath.
func (r *Root) Create(unsafePath string, inodeType InodeType) error {
	parentHandle, name, err := r.resolveParent("create", unsafePath)
	if err != nil {
		return err
	}
	defer parentHandle.Close() //nolint:errcheck // close failures aren't critical here

	dirFd := int(parentHandle.Fd())
	switch inodeType.kind {
	case inodeFile:
		fd, err := unix.Openat(dirFd, name, unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, uint32(inodeType.mode.Perm()))
		if err != nil {
			return &os.PathError{Op: "mknodat", Path: unsafePath, Err: err}
		}
		return unix.Close(fd)
	case inodeDir:
		if err := unix.Mkdirat(dirFd, name, uint32(inodeType.mode.Perm())); err != nil {
			return &os.PathError{Op: "mkdirat", Path: unsafePath, Err: err}
		}
	case inodeFifo:
		if err := unix.Mknodat(dirFd, name, unix.S_IFIFO|uint32(inodeType.mode.Perm()), 0); err != nil {
			return &os.PathError{Op: "mknodat", Path: unsafePath, Err: err}
		}
	case inodeCharDevice:
		if err := unix.Mknodat(dirFd, name, unix.S_IFCHR|uint32(inodeType.mode.Perm()), inodeType.dev); err != nil {
			return &os.PathError{Op: "mknodat", Path: unsafePath, Err: err}
		}
	case inodeBlockDevice:
		if err := unix.Mknodat(dirFd, name, unix.S_IFBLK|uint32(inodeType.mode.Perm()), inodeType.dev); err != nil {
			return &os.PathError{Op: "mknodat", Path: unsafePath, Err: err}
		}
	case inodeSymlink:
		if err := unix.Symlinkat(inodeType.target, dirFd, name); err != nil {
			return &os.PathError{Op: "symlinkat", Path: unsafePath, Err: err}
		}
	case inodeHardlink:
		targetHandle, err := r.ResolveNofollow(inodeType.target)
		if err != nil {
			return fmt.Errorf("resolve hardlink target %q: %w", inodeType.target, err)
		}
		defer targetHandle.Close() //nolint:errcheck // close failures aren't critical here
		if err := unix.Linkat(int(targetHandle.Fd()), "", dirFd, name, unix.AT_EMPTY_PATH); err != nil {
			return &os.PathError{Op: "linkat", Path: unsafePath, Err: err}
		}
	default:
		return fmt.Errorf("%w: unknown inode type", internal.ErrInvalidArgument)
	}
	return nil
}

// CreateFile is like Create(path, TypeFile(...)), except that it returns
// the newly-created file already opened with flags, avoiding a second
// resolve. O_CREAT|O_EXCL are always added internally: a pre-existing file
// at unsafePath is reported as an error rather than silently reused.
func (r *Root) CreateFile(unsafePath string, flags OpenFlags, mode os.FileMode) (*os.File, error) {
	if err := flags.validate(); err != nil {
		return nil, err
	}
	parentHandle, name, err := r.resolveParent("create", unsafePath)
	if err != nil {
		return nil, err
	}
	defer parentHandle.Close() //nolint:errcheck // close failures aren't critical here

	sysFlags := int(flags) | unix.O_CREAT | unix.O_EXCL | unix.O_CLOEXEC
	rawFd, err := unix.Openat(int(parentHandle.Fd()), name, sysFlags, uint32(mode.Perm()))
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: unsafePath, Err: err}
	}
	return os.NewFile(uintptr(rawFd), parentHandle.Name()+"/"+name), nil
}

// MkdirAll is equivalent to the package-level [MkdirAllHandle], but
// resolves unsafePath relative to r and returns a [Handle] rather than a
// raw *os.File.
func (r *Root) MkdirAll(unsafePath string, mode os.FileMode) (*Handle, error) {
	handle, err := resolver.MkdirAllHandle(r.inner, unsafePath, mode)
	if err != nil {
		return nil, err
	}
	return &Handle{inner: handle}, nil
}
