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
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// RemoveFile removes the non-directory at unsafePath.
func (r *Root) RemoveFile(unsafePath string) error {
	parentHandle, name, err := r.resolveParent("unlink", unsafePath)
	if err != nil {
		return err
	}
	defer parentHandle.Close() //nolint:errcheck // close failures aren't critical here

	if err := unix.Unlinkat(int(parentHandle.Fd()), name, 0); err != nil {
		return &os.PathError{Op: "unlinkat", Path: unsafePath, Err: err}
	}
	return nil
}

// RemoveDir removes the (empty) directory at unsafePath.
func (r *Root) RemoveDir(unsafePath string) error {
	parentHandle, name, err := r.resolveParent("rmdir", unsafePath)
	if err != nil {
		return err
	}
	defer parentHandle.Close() //nolint:errcheck // close failures aren't critical here

	if err := unix.Unlinkat(int(parentHandle.Fd()), name, unix.AT_REMOVEDIR); err != nil {
		return &os.PathError{Op: "unlinkat", Path: unsafePath, Err: err}
	}
	return nil
}

// RemoveAll removes unsafePath and, if it is a directory, everything inside
// it, tolerating concurrent deletion of children by another process.
func (r *Root) RemoveAll(unsafePath string) error {
	parentHandle, name, err := r.resolveParent("remove", unsafePath)
	if err != nil {
		return err
	}
	defer parentHandle.Close() //nolint:errcheck // close failures aren't critical here

	return removeAll(parentHandle, name, unsafePath)
}

// removeAll attempts a plain unlink of name inside parent first (the common
// case: a file, an empty directory, or something already gone). Only if
// that fails with EISDIR/ENOTEMPTY does it fall back to recursing into the
// directory and clearing it out entry by entry.
func removeAll(parent *os.File, name, displayPath string) error {
	switch err := unix.Unlinkat(int(parent.Fd()), name, 0); {
	case err == nil, errors.Is(err, unix.ENOENT):
		return nil
	case !errors.Is(err, unix.EISDIR):
		return &os.PathError{Op: "unlinkat", Path: displayPath, Err: err}
	}

	// name is a directory: try removing it as an (already) empty one before
	// paying for a full recursive walk.
	switch err := unix.Unlinkat(int(parent.Fd()), name, unix.AT_REMOVEDIR); {
	case err == nil, errors.Is(err, unix.ENOENT):
		return nil
	case !errors.Is(err, unix.ENOTEMPTY):
		return &os.PathError{Op: "unlinkat", Path: displayPath, Err: err}
	}

	dirFd, err := unix.Openat(int(parent.Fd()), name, unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return &os.PathError{Op: "openat", Path: displayPath, Err: err}
	}
	dir := os.NewFile(uintptr(dirFd), displayPath)
	defer dir.Close() //nolint:errcheck // close failures aren't critical here

	// Re-list and recurse until a pass finds nothing left: entries created
	// concurrently with our traversal are picked up on the next pass rather
	// than racing a single Readdirnames snapshot against in-flight removes.
	for {
		entries, err := dir.ReadDir(-1)
		if err != nil {
			return fmt.Errorf("list %q for removal: %w", displayPath, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			childPath := displayPath + "/" + entry.Name()
			if entry.IsDir() {
				if err := removeAll(dir, entry.Name(), childPath); err != nil {
					return err
				}
				continue
			}
			if err := unix.Unlinkat(int(dir.Fd()), entry.Name(), 0); err != nil && !errors.Is(err, unix.ENOENT) {
				return &os.PathError{Op: "unlinkat", Path: childPath, Err: err}
			}
		}
		if _, err := dir.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind %q for removal: %w", displayPath, err)
		}
	}

	if err := unix.Unlinkat(int(parent.Fd()), name, unix.AT_REMOVEDIR); err != nil && !errors.Is(err, unix.ENOENT) {
		return &os.PathError{Op: "unlinkat", Path: displayPath, Err: err}
	}
	return nil
}
