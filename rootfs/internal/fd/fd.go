// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fd contains typed wrappers around the *at(2) syscalls (and some
// related primitives -- fsopen(2)/fsmount(2)/open_tree(2), statx mount-id
// queries) used by the rootfs resolver engine. Every helper takes a [Fd]
// rather than a bare integer, so a caller can never pass a stale or reused
// descriptor number by accident.
package fd

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// Fd is the minimal interface the rootfs engine needs from a file
// descriptor-like object. *os.File satisfies this directly.
type Fd interface {
	Fd() uintptr
	Name() string
	Close() error
}

func prepareAt(dir Fd, path string) (dirFd int, fullPath string) {
	dirFd, dirPath := unix.AT_FDCWD, "."
	if dir != nil {
		dirFd, dirPath = int(dir.Fd()), dir.Name()
	}
	if path == "" {
		return dirFd, dirPath
	}
	if path[0] != '/' {
		path = dirPath + "/" + path
	}
	return dirFd, path
}

// Openat is a typed wrapper around openat(2). O_CLOEXEC is always set.
func Openat(dir Fd, path string, flags int, mode int) (*os.File, error) {
	dirFd, fullPath := prepareAt(dir, path)
	rawFd, err := unix.Openat(dirFd, path, flags|unix.O_CLOEXEC, uint32(mode))
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	return os.NewFile(uintptr(rawFd), fullPath), nil
}

// Openat2 is a typed wrapper around openat2(2). It is a package-level
// variable rather than a plain function so that tests can force the
// emulated resolver backend by stubbing out openat2 support (returning
// ENOSYS regardless of what the host kernel actually supports).
var Openat2 = func(dir Fd, path string, how *unix.OpenHow) (*os.File, error) {
	dirFd, fullPath := prepareAt(dir, path)
	rawFd, err := unix.Openat2(dirFd, path, how)
	if err != nil {
		return nil, &os.PathError{Op: "openat2", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	return os.NewFile(uintptr(rawFd), fullPath), nil
}

// Fstat is a typed wrapper around fstat(2).
func Fstat(f Fd) (unix.Stat_t, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return stat, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	runtime.KeepAlive(f)
	return stat, nil
}

// Fstatat is a typed wrapper around fstatat(2).
func Fstatat(dir Fd, path string, flags int) (unix.Stat_t, error) {
	dirFd, fullPath := prepareAt(dir, path)
	var stat unix.Stat_t
	if err := unix.Fstatat(dirFd, path, &stat, flags); err != nil {
		return stat, &os.PathError{Op: "fstatat", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	return stat, nil
}

// Fstatfs is a typed wrapper around fstatfs(2).
func Fstatfs(f Fd) (unix.Statfs_t, error) {
	var statfs unix.Statfs_t
	if err := unix.Fstatfs(int(f.Fd()), &statfs); err != nil {
		return statfs, &os.PathError{Op: "fstatfs", Path: f.Name(), Err: err}
	}
	runtime.KeepAlive(f)
	return statfs, nil
}

// procSuperMagic and anonInodeFsMagic are the fstatfs(2) f_type values of
// the two filesystem types on which an absolute symlink target can "teleport"
// the walker to an attacker-chosen location rather than a real path
// (/proc/self/fd/<n>-style magic-links, and the anonymous-inode pseudo-fs
// used by e.g. pidfds and io_uring files).
const (
	procSuperMagic   = 0x9fa0     // PROC_SUPER_MAGIC
	anonInodeFsMagic = 0x09041934 // ANON_INODE_FS_MAGIC
)

// IsMagiclinkFilesystem returns whether fd lives on a filesystem where a
// symlink read back from the kernel can point somewhere other than what its
// textual target says (procfs's /proc/*/fd and similar magic-links, and the
// anonymous-inode filesystem). Resolvers use this to refuse to follow an
// absolute symlink target found on such a filesystem, since doing so would
// defeat RESOLVE_NO_MAGICLINKS-style confinement.
func IsMagiclinkFilesystem(f Fd) (bool, error) {
	statfs, err := Fstatfs(f)
	if err != nil {
		return false, err
	}
	switch int64(statfs.Type) {
	case procSuperMagic, anonInodeFsMagic:
		return true, nil
	default:
		return false, nil
	}
}

// Faccessat is a typed wrapper around faccessat2(2)/faccessat(2).
func Faccessat(dir Fd, path string, mode uint32, flags int) error {
	dirFd, fullPath := prepareAt(dir, path)
	err := unix.Faccessat(dirFd, path, mode, flags)
	runtime.KeepAlive(dir)
	if err != nil {
		return &os.PathError{Op: "faccessat", Path: fullPath, Err: err}
	}
	return nil
}

// Readlinkat is a typed wrapper around readlinkat(2), growing its buffer
// until the link target fits entirely.
func Readlinkat(dir Fd, path string) (string, error) {
	dirFd, fullPath := prepareAt(dir, path)
	size := 4096
	for {
		linkBuf := make([]byte, size)
		n, err := unix.Readlinkat(dirFd, path, linkBuf)
		if err != nil {
			return "", &os.PathError{Op: "readlinkat", Path: fullPath, Err: err}
		}
		runtime.KeepAlive(dir)
		if n != size {
			return string(linkBuf[:n]), nil
		}
		size *= 2
	}
}

// Fsopen is a typed wrapper around fsopen(2), used to build a detached,
// private procfs mount context.
func Fsopen(fsName string, flags int) (*os.File, error) {
	rawFd, err := unix.Fsopen(fsName, flags)
	if err != nil {
		return nil, os.NewSyscallError("fsopen "+fsName, err)
	}
	return os.NewFile(uintptr(rawFd), "fscontext:"+fsName), nil
}

// Fsmount is a typed wrapper around fsmount(2).
func Fsmount(ctx Fd, flags, mountAttrs int) (*os.File, error) {
	rawFd, err := unix.Fsmount(int(ctx.Fd()), flags, mountAttrs)
	runtime.KeepAlive(ctx)
	if err != nil {
		return nil, os.NewSyscallError("fsmount", err)
	}
	return os.NewFile(uintptr(rawFd), "procfs-private"), nil
}

// OpenTree is a typed wrapper around open_tree(2). A nil dir implies
// AT_FDCWD, used with an absolute path.
func OpenTree(dir Fd, path string, flags uint) (*os.File, error) {
	dirFd, fullPath := prepareAt(dir, path)
	rawFd, err := unix.OpenTree(dirFd, path, flags)
	runtime.KeepAlive(dir)
	if err != nil {
		return nil, &os.PathError{Op: "open_tree", Path: fullPath, Err: err}
	}
	return os.NewFile(uintptr(rawFd), fullPath), nil
}

// statxMntIDUnique is STATX_MNT_ID_UNIQUE, only defined by newer kernels
// (Linux >= 6.8) and not yet exposed by every vendored x/sys/unix release.
const statxMntIDUnique = 0x4000

var wantStatxMntMask uint32 = unix.STATX_MNT_ID | statxMntIDUnique

// GetMountID returns the mount id of dir/path (path may be "" to query dir
// itself), preferring the uniqified STATX_MNT_ID_UNIQUE mask and falling
// back transparently to the legacy STATX_MNT_ID one. If the running kernel
// doesn't understand mount ids at all, it returns (0, nil) -- callers are
// expected to degrade to the weaker same-filesystem check in that case.
func GetMountID(dir Fd, path string) (uint64, error) {
	dirFd, fullPath := prepareAt(dir, path)
	var stx unix.Statx_t
	flags := unix.AT_SYMLINK_NOFOLLOW
	if path == "" {
		flags |= unix.AT_EMPTY_PATH
	}
	err := unix.Statx(dirFd, path, flags, int(wantStatxMntMask), &stx)
	runtime.KeepAlive(dir)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
		return 0, nil
	}
	if err != nil {
		return 0, &os.PathError{Op: "statx(STATX_MNT_ID)", Path: fullPath, Err: err}
	}
	if stx.Mask&wantStatxMntMask == 0 {
		return 0, nil
	}
	return stx.Mnt_id, nil
}

// IsDeadInode returns an error if f refers to an unlinked ("dead") inode,
// detected by its link count dropping to zero.
func IsDeadInode(f Fd) error {
	stat, err := Fstat(f)
	if err != nil {
		return err
	}
	if stat.Nlink == 0 {
		return fmt.Errorf("%s: inode has been deleted", f.Name())
	}
	return nil
}

type nopCloser struct{ Fd }

func (nopCloser) Close() error { return nil }

// NopCloser wraps f so Close() is always a no-op, leaving the underlying
// descriptor open. Used when handing out a borrowed view of a process-wide
// cached handle (e.g. the private procfs root) that a caller must not close.
func NopCloser(f Fd) Fd { return nopCloser{f} }
