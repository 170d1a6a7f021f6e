// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package resolver implements the confined path-walking core of the rootfs
// engine: given a root directory handle and an untrusted subpath, it walks
// the path component-by-component, only ever stepping through directory
// handles that are provably still inside the root, and refuses to follow
// any component (symlink target or "..") that would escape it.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal"
	"github.com/rootcage/rootcage/rootfs/internal/fd"
	"github.com/rootcage/rootcage/rootfs/internal/linux"
	"github.com/rootcage/rootcage/rootfs/internal/procfs"
)

// FollowMode controls how [PartialLookupInRoot] treats symlinks it
// encounters while walking a path.
type FollowMode int

const (
	// FollowSymlinks follows every symlink encountered, including a
	// trailing one -- the default, open(2)-like behaviour.
	FollowSymlinks FollowMode = iota
	// NoFollowTrailing stops at a trailing symlink and returns an
	// O_PATH|O_NOFOLLOW handle to the symlink itself (even if its target
	// doesn't exist), rather than following it. Intermediate symlinks are
	// still followed.
	NoFollowTrailing
	// NoFollowSymlinks refuses with ELOOP as soon as any symlink is
	// encountered, whether trailing or intermediate.
	NoFollowSymlinks
)

// PartialLookupInRoot tries to resolve as much of unsafePath as possible
// within root (a-la RESOLVE_IN_ROOT) and returns a handle to the final
// existing component, along with any trailing path components that do not
// yet exist. follow controls how symlinks along the way are treated.
//
// When the kernel supports openat2(2), the whole path is resolved with a
// single RESOLVE_IN_ROOT|RESOLVE_NO_MAGICLINKS call, falling back to
// shrinking ancestor prefixes of the path to find a partial result; on
// older kernels, [partialLookupWalk] emulates the same semantics one
// component at a time.
func PartialLookupInRoot(root fd.Fd, unsafePath string, follow FollowMode) (*os.File, string, error) {
	lookup := partialLookupEmulated
	if linux.HasOpenat2() {
		lookup = partialLookupOpenat2
	}
	handle, remainingPath, err := lookup(root, unsafePath, follow)
	// Name the handle after its kernel-visible path, not the joined walk path.
	if handle != nil {
		if realPath, rerr := procfs.ProcSelfFdReadlink(handle); rerr == nil {
			if newFd, rerr := unix.FcntlInt(handle.Fd(), unix.F_DUPFD_CLOEXEC, 0); rerr == nil {
				_ = handle.Close()
				handle = os.NewFile(uintptr(newFd), realPath)
			}
		}
	}
	return handle, remainingPath, err
}

// openat2Flags translates follow into the O_PATH open flags and openat2(2)
// resolve bits that implement it, always adding RESOLVE_IN_ROOT and
// RESOLVE_NO_MAGICLINKS so the kernel itself enforces confinement.
func openat2Flags(follow FollowMode) (oflags int, resolve uint64) {
	oflags = unix.O_PATH | unix.O_CLOEXEC
	resolve = unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_MAGICLINKS
	switch follow {
	case NoFollowTrailing:
		oflags |= unix.O_NOFOLLOW
	case NoFollowSymlinks:
		oflags |= unix.O_NOFOLLOW
		resolve |= unix.RESOLVE_NO_SYMLINKS
	}
	return oflags, resolve
}

// resolveOpenat2 performs a single whole-path resolution of subPath inside
// root through openat2(2).
func resolveOpenat2(root fd.Fd, subPath string, follow FollowMode) (*os.File, error) {
	oflags, resolve := openat2Flags(follow)
	how := unix.OpenHow{Flags: uint64(oflags), Resolve: resolve}
	return fd.Openat2(root, subPath, &how)
}

// isIncompleteLookup returns whether err indicates that some path component
// is simply missing (yet to be created), as opposed to a real resolution
// failure -- the only case in which it makes sense to retry against a
// shorter ancestor prefix of the path.
func isIncompleteLookup(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR)
}

// partialLookupOpenat2 resolves unsafePath with a single openat2(2) call
// per attempt. If the whole path doesn't exist yet, it retries against
// successively shorter ancestor prefixes (a-la the native resolver's
// partial_ancestors) until it finds the deepest prefix that does exist,
// returning that handle plus the unresolved suffix. A resolution failure
// that isn't just "this component doesn't exist yet" is returned directly,
// without trying any shorter prefix.
func partialLookupOpenat2(root fd.Fd, unsafePath string, follow FollowMode) (*os.File, string, error) {
	unsafePath = filepath.ToSlash(unsafePath) // noop on Linux

	parts := strings.FieldsFunc(unsafePath, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		handle, err := fd.Openat(root, ".", unix.O_PATH|unix.O_DIRECTORY, 0)
		if err != nil {
			return nil, "", fmt.Errorf("clone root fd: %w", err)
		}
		return handle, "", nil
	}

	if handle, err := resolveOpenat2(root, unsafePath, follow); err == nil {
		return handle, "", nil
	} else if !isIncompleteLookup(err) {
		return nil, "", err
	} else {
		lastErr := err
		for i := len(parts) - 1; i >= 0; i-- {
			prefix := strings.Join(parts[:i], "/")
			remaining := strings.Join(parts[i:], "/")

			var handle *os.File
			var rerr error
			if prefix == "" {
				handle, rerr = fd.Openat(root, ".", unix.O_PATH|unix.O_DIRECTORY, 0)
			} else {
				handle, rerr = resolveOpenat2(root, prefix, follow)
			}
			if rerr == nil {
				return handle, remaining, nil
			}
			if !isIncompleteLookup(rerr) {
				return nil, "", rerr
			}
			lastErr = rerr
		}
		return nil, "", lastErr
	}
}

// partialLookupEmulated is the userspace fallback used when the running
// kernel doesn't support openat2(2).
func partialLookupEmulated(root fd.Fd, unsafePath string, follow FollowMode) (*os.File, string, error) {
	return partialLookupWalk(root, unsafePath, follow)
}

// partialLookupWalk hand-walks unsafePath one component at a time, only
// ever stepping through O_PATH|O_NOFOLLOW handles, for kernels without
// openat2(2) support.
func partialLookupWalk(root fd.Fd, unsafePath string, follow FollowMode) (_ *os.File, _ string, Err error) {
	unsafePath = filepath.ToSlash(unsafePath) // noop on Linux

	// Get the "actual" root path from /proc/self/fd, so that later on we
	// can tell whether the root itself moved out from under us.
	logicalRootPath, err := procfs.ProcSelfFdReadlink(root)
	if err != nil {
		return nil, "", fmt.Errorf("get real root path: %w", err)
	}

	currentDir, err := fd.Openat(root, ".", unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("clone root fd: %w", err)
	}
	defer func() {
		if Err != nil && currentDir != nil {
			_ = currentDir.Close()
		}
	}()

	var ss symlinkStack
	defer ss.Close() //nolint:errcheck // best-effort cleanup

	var (
		linksWalked   int
		currentPath   string
		remainingPath = unsafePath
	)
	for remainingPath != "" {
		oldRemainingPath := remainingPath

		var part string
		if i := strings.IndexByte(remainingPath, '/'); i == -1 {
			part, remainingPath = remainingPath, ""
		} else {
			part, remainingPath = remainingPath[:i], remainingPath[i+1:]
		}
		if part == "" {
			continue
		}

		// Apply the component lexically to the path we are building.
		nextPath := path.Join("/", currentPath, part)
		if nextPath == "/" {
			if err := ss.PopPart(part); err != nil {
				return nil, "", fmt.Errorf("%w: %w", internal.ErrPossibleBreakout, err)
			}
			rootClone, err := fd.Openat(root, ".", unix.O_PATH|unix.O_DIRECTORY, 0)
			if err != nil {
				return nil, "", fmt.Errorf("clone root fd: %w", err)
			}
			_ = currentDir.Close()
			currentDir = rootClone
			currentPath = nextPath
			continue
		}

		nextDir, err := fd.Openat(currentDir, part, unix.O_PATH|unix.O_NOFOLLOW, 0)
		switch {
		case err == nil:
			stat, statErr := fd.Fstat(nextDir)
			if statErr != nil {
				_ = nextDir.Close()
				return nil, "", fmt.Errorf("stat component %q: %w", part, statErr)
			}

			switch stat.Mode & unix.S_IFMT {
			case unix.S_IFDIR:
				// Symlink components are consumed by SwapLink below instead.
				if err := ss.PopPart(part); err != nil {
					_ = nextDir.Close()
					return nil, "", fmt.Errorf("%w: %w", internal.ErrPossibleBreakout, err)
				}
				_ = currentDir.Close()
				currentDir = nextDir
				currentPath = nextPath

				// We only need to double-check for escapes after walking
				// "..", since walking into a regular component cannot
				// itself cause an escape.
				if part == ".." {
					if err := procfs.CheckProcSelfFdPath(logicalRootPath, root); err != nil {
						return nil, "", fmt.Errorf("root path moved during lookup: %w", err)
					}
					fullPath := logicalRootPath + nextPath
					if err := procfs.CheckProcSelfFdPath(fullPath, currentDir); err != nil {
						return nil, "", fmt.Errorf("walking into %q had unexpected result: %w", part, err)
					}
				}

			case unix.S_IFLNK:
				isTrailing := remainingPath == ""

				if follow == NoFollowSymlinks {
					_ = nextDir.Close()
					return nil, "", &os.PathError{Op: "partialLookupInRoot", Path: logicalRootPath + "/" + unsafePath, Err: unix.ELOOP}
				}
				if follow == NoFollowTrailing && isTrailing {
					// Return a handle to the symlink itself (even if its
					// target is dangling) instead of following it.
					_ = currentDir.Close()
					currentDir = nil
					return nextDir, "", nil
				}
				_ = nextDir.Close()

				linkDest, err := fd.Readlinkat(currentDir, part)
				if err != nil {
					if errors.Is(err, unix.EINVAL) {
						err = fmt.Errorf("%w: path component %q is invalid: %w", internal.ErrPossibleAttack, part, unix.ENOTDIR)
					}
					return nil, "", err
				}

				linksWalked++
				if linksWalked > internal.MaxSymlinkLimit {
					return nil, "", &os.PathError{Op: "partialLookupInRoot", Path: logicalRootPath + "/" + unsafePath, Err: unix.ELOOP}
				}

				// If we've hit an absolute symlink on a filesystem where
				// symlink reads can be magic-links (teleporting elsewhere in
				// the kernel's namespace rather than naming a real path),
				// there's no point resolving it in userspace: refuse it the
				// same way RESOLVE_NO_MAGICLINKS would.
				if path.IsAbs(linkDest) {
					if magic, err := fd.IsMagiclinkFilesystem(currentDir); err != nil {
						return nil, "", fmt.Errorf("check magic-link filesystem: %w", err)
					} else if magic {
						return nil, "", &os.PathError{Op: "partialLookupInRoot", Path: logicalRootPath + "/" + unsafePath, Err: unix.ELOOP}
					}
				}

				linkDir, err := fd.Openat(currentDir, ".", unix.O_PATH|unix.O_DIRECTORY, 0)
				if err != nil {
					return nil, "", fmt.Errorf("dup symlink container: %w", err)
				}
				if err := ss.SwapLink(part, linkDir, currentPath, linkDest); err != nil {
					_ = linkDir.Close()
					return nil, "", fmt.Errorf("%w: %w", internal.ErrPossibleBreakout, err)
				}

				// Update our logical remaining path.
				remainingPath = linkDest + "/" + remainingPath
				// Absolute symlinks reset any work we've already done.
				if path.IsAbs(linkDest) {
					rootClone, err := fd.Openat(root, ".", unix.O_PATH|unix.O_DIRECTORY, 0)
					if err != nil {
						return nil, "", fmt.Errorf("clone root fd: %w", err)
					}
					_ = currentDir.Close()
					currentDir = rootClone
					currentPath = "/"
				}

			default:
				// For any other file type, we've hit the end of the
				// lookup: return a handle to the component we just
				// walked into, along with whatever is left unresolved.
				finalHandle := nextDir
				_ = currentDir.Close()
				currentDir = nil
				return finalHandle, remainingPath, nil
			}

		case errors.Is(err, os.ErrNotExist):
			// We have hit a final component that doesn't exist, so we have
			// our partial open result. Note that we have to use the OLD
			// remaining path, since the lookup failed.
			handle := currentDir
			currentDir = nil
			return handle, oldRemainingPath, nil

		default:
			return nil, "", err
		}
	}
	// All of the components existed!
	handle := currentDir
	currentDir = nil
	return handle, "", nil
}
