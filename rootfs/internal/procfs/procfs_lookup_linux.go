// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package procfs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal"
	"github.com/rootcage/rootcage/rootfs/internal/fd"
	"github.com/rootcage/rootcage/rootfs/internal/linux"
	"github.com/rootcage/rootcage/rootfs/internal/pathutil"
)

// procfsLookupInRoot resolves unsafePath relative to procRoot (which must
// itself be the root of a procfs mount -- see [verifyProcRoot]) without
// ever stepping outside of that mount. When the kernel supports openat2(2),
// a single RESOLVE_BENEATH|RESOLVE_NO_XDEV call is used and the kernel's own
// ".."/mountpoint-crossing detection does the work; on older kernels an
// equivalent component-by-component walk is emulated.
//
// In the emulated walk, only "self" and "thread-self" may be expanded as
// intermediate path components -- all other procfs symlinks (magic-links or
// not) are only ever returned unresolved, as the trailing component of
// unsafePath, for the caller to readlink or reopen themselves. A trailing
// "/" or "/." makes the final component an intermediate one. The openat2
// backend follows any intermediate symlink that stays on the procfs mount.
func procfsLookupInRoot(procRoot fd.Fd, unsafePath string) (*os.File, error) {
	if err := verifyProcRoot(procRoot); err != nil {
		return nil, err
	}
	if unsafePath == "" {
		return fd.Openat(procRoot, ".", unix.O_PATH|unix.O_CLOEXEC, 0)
	}
	if linux.HasOpenat2() {
		return procfsLookupOpenat2(procRoot, unsafePath)
	}
	return procfsLookupEmulated(procRoot, unsafePath)
}

// procfsLookupOpenat2 resolves unsafePath with a single openat2(2) call,
// relying on RESOLVE_BENEATH to reject ".." (and absolute-path) escapes and
// RESOLVE_NO_XDEV to reject crossing out of the procfs mount (which also
// catches magic-links whose target lives on another filesystem, such as
// "self/cwd" pointing outside of /proc). Both kinds of violation surface as
// -EXDEV.
func procfsLookupOpenat2(procRoot fd.Fd, unsafePath string) (*os.File, error) {
	how := unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_BENEATH | unix.RESOLVE_NO_XDEV,
	}
	handle, err := fd.Openat2(procRoot, unsafePath, &how)
	if err != nil {
		if errors.Is(err, unix.EXDEV) {
			return nil, fmt.Errorf("%w: possible breakout detected while resolving procfs path %q: %w", errUnsafeProcfs, unsafePath, err)
		}
		return nil, err
	}
	if err := verifyProcHandle(handle); err != nil {
		_ = handle.Close()
		return nil, err
	}
	return handle, nil
}

// procfsLookupEmulated is the pre-openat2 fallback for [procfsLookupInRoot].
func procfsLookupEmulated(procRoot fd.Fd, unsafePath string) (*os.File, error) {
	if strings.HasPrefix(unsafePath, "/") {
		return nil, fmt.Errorf("%w: absolute path %q is not allowed when resolving inside procfs", internal.ErrPossibleBreakout, unsafePath)
	}

	currentDir, err := fd.Openat(procRoot, ".", unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("open procfs root handle: %w", err)
	}
	defer func() {
		if currentDir != nil {
			_ = currentDir.Close()
		}
	}()

	parts := pathutil.SplitComponents(unsafePath)
	// As with openat2, a trailing "/" or "/." means the final component has
	// to be walked into, so a trailing symlink is expanded, not returned.
	trailingDir := strings.HasSuffix(unsafePath, "/") || strings.HasSuffix(unsafePath, "/.")
	var linksWalked int

	for i := 0; i < len(parts); {
		part := parts[i]
		switch part {
		case "..":
			return nil, fmt.Errorf("%w: %q component escapes the procfs root", internal.ErrPossibleBreakout, unsafePath)
		}
		isLast := i == len(parts)-1 && !trailingDir

		next, err := fd.Openat(currentDir, part, unix.O_PATH|unix.O_NOFOLLOW, 0)
		if err != nil {
			return nil, fmt.Errorf("open procfs component %q: %w", part, err)
		}
		// Emulate RESOLVE_NO_XDEV: every component must be on procRoot's mount.
		if err := checkSubpathOvermount(procRoot, next, ""); err != nil {
			_ = next.Close()
			return nil, err
		}

		stat, err := fd.Fstat(next)
		if err != nil {
			_ = next.Close()
			return nil, err
		}

		if stat.Mode&unix.S_IFMT == unix.S_IFLNK {
			if isLast {
				_ = currentDir.Close()
				currentDir = nil
				return next, nil
			}

			if part != "self" && part != "thread-self" {
				_ = next.Close()
				return nil, fmt.Errorf("%w: %q is a procfs symlink and cannot be used as an intermediate path component", internal.ErrPossibleBreakout, part)
			}

			linksWalked++
			if linksWalked > internal.MaxSymlinkLimit {
				_ = next.Close()
				return nil, fmt.Errorf("%w: too many levels of symbolic links resolving %q", unix.ELOOP, unsafePath)
			}

			target, err := fd.Readlinkat(currentDir, part)
			_ = next.Close()
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(target, "/") {
				return nil, fmt.Errorf("%w: procfs symlink %q resolved to absolute path %q", internal.ErrPossibleBreakout, part, target)
			}
			// Stock procfs symlinks never contain ':', '[' and ']' in that
			// order; anon-inode magic-links ("anon_inode:[...]") do.
			if c := strings.Index(target, ":"); c >= 0 {
				if b := strings.Index(target[c:], "["); b >= 0 && strings.Contains(target[c+b:], "]") {
					return nil, fmt.Errorf("%w: procfs symlink %q has anon-inode-shaped target %q", internal.ErrPossibleAttack, part, target)
				}
			}

			rest := pathutil.SplitComponents(target)
			parts = append(append([]string{}, rest...), parts[i+1:]...)
			i = 0
			continue
		}

		if err := verifyProcHandle(next); err != nil {
			_ = next.Close()
			return nil, err
		}

		_ = currentDir.Close()
		currentDir = next
		i++
	}

	handle := currentDir
	currentDir = nil
	return handle, nil
}
