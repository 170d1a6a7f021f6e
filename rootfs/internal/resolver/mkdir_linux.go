// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resolver

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal"
	"github.com/rootcage/rootcage/rootfs/internal/fd"
	"github.com/rootcage/rootcage/rootfs/internal/pathutil"
)

// ErrInvalidMode indicates that a mode passed to [MkdirAllHandle] has bits
// set outside of the standard permission and sticky bits -- in particular,
// any of the os.ModeDir/os.ModeSymlink/... type bits, which have no meaning
// for mkdir(2) and almost always indicate a caller bug.
var ErrInvalidMode = errors.New("invalid permission mode")

// MkdirAllHandle is equivalent to MkdirAll, except that it is safer to use
// in two respects:
//
//   - The caller provides the root directory as a handle, rather than a
//     path, so there is no ambiguity about which tree is being operated on.
//
//   - Once all of the directories have been created, a handle to the
//     directory at unsafePath is returned to the caller, obtained in an
//     effectively race-free way (an attacker would only ever be able to
//     swap out the final path component).
func MkdirAllHandle(root fd.Fd, unsafePath string, mode os.FileMode) (_ *os.File, Err error) {
	if mode&^(os.ModePerm|os.ModeSticky) != 0 {
		return nil, fmt.Errorf("%w for mkdir %s", ErrInvalidMode, mode)
	}

	currentDir, remainingPath, err := PartialLookupInRoot(root, unsafePath, FollowSymlinks)
	if err != nil {
		return nil, fmt.Errorf("find existing subpath of %q: %w", unsafePath, err)
	}
	defer func() {
		if Err != nil {
			_ = currentDir.Close()
		}
	}()

	// If an attacker is concurrently deleting directories as we walk into
	// them, detect this proactively -- once we've walked into a dead
	// directory, PartialLookupInRoot cannot have walked any further down the
	// tree (a directory must be empty before it can be removed), so this
	// check is sufficient to catch the whole subtree being pulled out from
	// under us. This is only a quality-of-life improvement: mkdir will fail
	// on its own if the attacker deletes the tree afterwards.
	if err := fd.IsDeadInode(currentDir); err != nil {
		return nil, fmt.Errorf("finding existing subpath of %q: %w", unsafePath, err)
	}

	st, err := fd.Fstat(currentDir)
	if err != nil {
		return nil, fmt.Errorf("stat existing subpath handle %q: %w", currentDir.Name(), err)
	} else if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("%w: cannot create subdirectories in %q", internal.ErrInvalidDirectory, currentDir.Name())
	}

	remainingParts := pathutil.SplitComponents(remainingPath)
	if slices.Contains(remainingParts, "..") {
		// The remaining path contains ".." components after the point where
		// real lookup stopped; resolving those safely would need a bunch of
		// extra logic for a case that doesn't appear to be needed in
		// practice, so just reject it outright.
		return nil, fmt.Errorf("%w: yet-to-be-created path %q contains '..' components", unix.ENOENT, remainingPath)
	}

	for _, part := range remainingParts {
		// mkdirat(2) does not follow trailing symlinks, so creating the
		// final component cannot be subverted by a symlink-exchange attack.
		if err := unix.Mkdirat(int(currentDir.Fd()), part, uint32(mode.Perm())|modeExtraBits(mode)); err != nil {
			pathErr := &os.PathError{Op: "mkdirat", Path: currentDir.Name() + "/" + part, Err: err}
			if err2 := fd.IsDeadInode(currentDir); err2 != nil {
				return nil, fmt.Errorf("%w (%w)", pathErr, err2)
			}
			return nil, pathErr
		}

		nextDir, err := fd.Openat(currentDir, part, unix.O_PATH|unix.O_NOFOLLOW|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, err
		}
		_ = currentDir.Close()
		currentDir = nextDir
	}
	return currentDir, nil
}

// modeExtraBits converts the os.ModeSticky bit (the only non-permission bit
// [MkdirAllHandle] allows) into its raw unix.S_ISVTX representation.
func modeExtraBits(mode os.FileMode) uint32 {
	if mode&os.ModeSticky != 0 {
		return unix.S_ISVTX
	}
	return 0
}
