// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package procfs provides the rootfs engine's safe API for operating on
// /proc on Linux.
package procfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal"
	"github.com/rootcage/rootcage/rootfs/internal/assert"
	"github.com/rootcage/rootcage/rootfs/internal/fd"
	"github.com/rootcage/rootcage/rootfs/internal/gocompat"
	"github.com/rootcage/rootcage/rootfs/internal/linux"
)

// The kernel guarantees that the root inode of a procfs mount has an
// f_type of PROC_SUPER_MAGIC and st_ino of PROC_ROOT_INO.
const (
	procSuperMagic = 0x9fa0 // PROC_SUPER_MAGIC
	procRootIno    = 1      // PROC_ROOT_INO
)

var errUnsafeProcfs = errors.New("unsafe procfs detected")

// verifyProcHandle checks that the handle is from a procfs filesystem.
// Contrast this to [verifyProcRoot], which also verifies that the handle is
// the root of a procfs mount.
func verifyProcHandle(procHandle fd.Fd) error {
	if statfs, err := fd.Fstatfs(procHandle); err != nil {
		return err
	} else if statfs.Type != procSuperMagic {
		return fmt.Errorf("%w: incorrect procfs root filesystem type 0x%x", errUnsafeProcfs, statfs.Type)
	}
	return nil
}

// verifyProcRoot verifies that the handle is the root of a procfs
// filesystem. Contrast this to [verifyProcHandle], which only verifies that
// the handle is some file on procfs (regardless of what file it is).
func verifyProcRoot(procRoot fd.Fd) error {
	if err := verifyProcHandle(procRoot); err != nil {
		return err
	}
	if stat, err := fd.Fstat(procRoot); err != nil {
		return err
	} else if stat.Ino != procRootIno {
		return fmt.Errorf("%w: incorrect procfs root inode number %d", errUnsafeProcfs, stat.Ino)
	}
	return nil
}

type procfsFeatures struct {
	// hasSubsetPid was added in Linux 5.8, along with hidepid=ptraceable.
	// Before this, it was not safe to try to modify procfs superblock flags
	// because the superblock was shared -- so if this feature is not
	// available, no superblock flags should be set.
	hasSubsetPid bool
}

var getProcfsFeatures = gocompat.SyncOnceValue(func() procfsFeatures {
	if !linux.HasNewMountAPI() {
		return procfsFeatures{}
	}
	procfsCtx, err := fd.Fsopen("proc", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return procfsFeatures{}
	}
	defer procfsCtx.Close() //nolint:errcheck // close failures aren't critical here

	return procfsFeatures{
		hasSubsetPid: unix.FsconfigSetString(int(procfsCtx.Fd()), "subset", "pid") == nil,
	}
})

func newPrivateProcMount(subset bool) (_ *Handle, Err error) {
	procfsCtx, err := fd.Fsopen("proc", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return nil, err
	}
	defer procfsCtx.Close() //nolint:errcheck // close failures aren't critical here

	if subset && getProcfsFeatures().hasSubsetPid {
		// Try to configure hidepid=ptraceable,subset=pid if possible, but
		// ignore errors.
		_ = unix.FsconfigSetString(int(procfsCtx.Fd()), "hidepid", "ptraceable")
		_ = unix.FsconfigSetString(int(procfsCtx.Fd()), "subset", "pid")
	}

	if err := unix.FsconfigCreate(int(procfsCtx.Fd())); err != nil {
		return nil, os.NewSyscallError("fsconfig create procfs", err)
	}
	procRoot, err := fd.Fsmount(procfsCtx, unix.FSMOUNT_CLOEXEC, unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_NOSUID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if Err != nil {
			_ = procRoot.Close()
		}
	}()
	return newHandle(procRoot)
}

func clonePrivateProcMount() (_ *Handle, Err error) {
	// Try to make a clone without AT_RECURSIVE first. If this works, we can
	// be sure there are no over-mounts, so if the root is valid we're done.
	// Otherwise, fall back to AT_RECURSIVE and deal with over-mounts later.
	procRoot, err := fd.OpenTree(nil, "/proc", unix.OPEN_TREE_CLONE)
	if err != nil || hookForcePrivateProcRootOpenTreeAtRecursive(procRoot) {
		procRoot, err = fd.OpenTree(nil, "/proc", unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE)
	}
	if err != nil {
		return nil, fmt.Errorf("creating a detached procfs clone: %w", err)
	}
	defer func() {
		if Err != nil {
			_ = procRoot.Close()
		}
	}()
	return newHandle(procRoot)
}

func privateProcRoot(subset bool) (*Handle, error) {
	if !linux.HasNewMountAPI() || hookForceGetProcRootUnsafe() {
		return nil, fmt.Errorf("new mount api: %w", unix.ENOTSUP)
	}
	procRoot, err := newPrivateProcMount(subset)
	if err != nil || hookForcePrivateProcRootOpenTree(procRoot) {
		procRoot, err = clonePrivateProcMount()
	}
	return procRoot, err
}

func unsafeHostProcRoot() (_ *Handle, Err error) {
	procRoot, err := os.OpenFile("/proc", unix.O_PATH|unix.O_NOFOLLOW|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if Err != nil {
			_ = procRoot.Close()
		}
	}()
	return newHandle(procRoot)
}

// Handle is a wrapper around an *os.File handle to "/proc", which can be
// used to do further procfs-related operations in a safe way.
type Handle struct {
	Inner fd.Fd
	// Does this handle have subset=pid set?
	isSubset bool
}

func newHandle(procRoot fd.Fd) (*Handle, error) {
	if err := verifyProcRoot(procRoot); err != nil {
		_ = procRoot.Close()
		return nil, err
	}
	proc := &Handle{Inner: procRoot}
	// With subset=pid we can be sure that /proc/uptime will not exist.
	if err := fd.Faccessat(proc.Inner, "uptime", unix.F_OK, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		proc.isSubset = errors.Is(err, os.ErrNotExist)
	}
	return proc, nil
}

// Close closes the underlying file for the Handle.
func (proc *Handle) Close() error { return proc.Inner.Close() }

var getCachedProcRoot = gocompat.SyncOnceValue(func() *Handle {
	procRoot, err := getProcRoot(true)
	if err != nil {
		return nil // just don't cache if we see an error
	}
	if !procRoot.isSubset {
		return nil // we only cache verified subset=pid handles
	}

	// Disarm (*Handle).Close() to stop someone from accidentally closing
	// the global handle.
	procRoot.Inner = fd.NopCloser(procRoot.Inner)
	return procRoot
})

// OpenProcRoot tries to open a "safer" handle to "/proc" (i.e., one with the
// "subset=pid" mount option applied, available from Linux 5.8). Unless you
// plan to do many operations with a procfsBase, callers should prefer this
// over [OpenUnsafeProcRoot], which is far more dangerous to keep open.
//
// If a safe handle cannot be opened, OpenProcRoot falls back to opening a
// regular "/proc" handle.
func OpenProcRoot() (*Handle, error) {
	if proc := getCachedProcRoot(); proc != nil {
		return proc, nil
	}
	return getProcRoot(true)
}

// OpenUnsafeProcRoot opens a handle to "/proc" without any overmounts or
// masked paths. You must be extremely careful to make sure this handle is
// never leaked to a container and that your program cannot be tricked into
// writing to arbitrary paths within it.
func OpenUnsafeProcRoot() (*Handle, error) { return getProcRoot(false) }

func getProcRoot(subset bool) (*Handle, error) {
	proc, err := privateProcRoot(subset)
	if err != nil {
		// Fall back to using a /proc handle if making a private mount
		// failed. If we have openat2, we can avoid some over-mount attacks,
		// but without it there's not much more we can do.
		proc, err = unsafeHostProcRoot()
	}
	return proc, err
}

var hasProcThreadSelf = gocompat.SyncOnceValue(func() bool {
	return unix.Access("/proc/thread-self/", unix.F_OK) == nil
})

// lookup is a very minimal wrapper around [procfsLookupInRoot] intended to
// be called from the exported API.
func (proc *Handle) lookup(subpath string) (*os.File, error) {
	return procfsLookupInRoot(proc.Inner, subpath)
}

// procfsBase is an enum indicating the prefix of a subpath in operations
// involving [Handle]s.
type procfsBase string

const (
	// ProcRoot refers to the root of the procfs (i.e., "/proc/<subpath>").
	ProcRoot procfsBase = "/proc"
	// ProcSelf refers to the current process' subdirectory (i.e.,
	// "/proc/self/<subpath>").
	ProcSelf procfsBase = "/proc/self"
	// ProcThreadSelf refers to the current thread's subdirectory (i.e.,
	// "/proc/thread-self/<subpath>"). In multi-threaded programs where one
	// thread has a different CLONE_FS, "/proc/self" can point at the wrong
	// thread, so "/proc/thread-self" is necessary. On pre-3.17 kernels
	// "/proc/thread-self" doesn't exist and a fallback is used instead.
	ProcThreadSelf procfsBase = "/proc/thread-self"
)

// prefix returns a prefix that can be used with the given [Handle].
func (base procfsBase) prefix(proc *Handle) (string, error) {
	switch base {
	case ProcRoot:
		return ".", nil
	case ProcSelf:
		return "self", nil
	case ProcThreadSelf:
		threadSelf := "thread-self"
		if !hasProcThreadSelf() || hookForceProcSelfTask() {
			// Pre-3.17 kernels don't have /proc/thread-self, so do it
			// manually.
			threadSelf = "self/task/" + strconv.Itoa(unix.Gettid())
			if err := fd.Faccessat(proc.Inner, threadSelf, unix.F_OK, unix.AT_SYMLINK_NOFOLLOW); err != nil || hookForceProcSelf() {
				// We're in a pid namespace that doesn't match the /proc
				// mount we have. There's no nice way to get the correct tid
				// here, so fall back to /proc/self and hope for the best.
				threadSelf = "self"
			}
		}
		return threadSelf, nil
	}
	return "", fmt.Errorf("invalid procfs base %q", base)
}

// ProcThreadSelfCloser is a callback that needs to be called when you are
// done operating on an [os.File] fetched using [Handle.OpenThreadSelf].
type ProcThreadSelfCloser func()

// open is the core lookup operation for [Handle]. It returns a handle to
// "/proc/<base>/<subpath>". If the returned [ProcThreadSelfCloser] is
// non-nil, it must be called after the caller is done with the handle.
func (proc *Handle) open(base procfsBase, subpath string) (_ *os.File, closer ProcThreadSelfCloser, Err error) {
	prefix, err := base.prefix(proc)
	if err != nil {
		return nil, nil, err
	}
	subpath = prefix + "/" + subpath

	switch base {
	case ProcRoot:
		file, err := proc.lookup(subpath)
		if errors.Is(err, os.ErrNotExist) {
			// This Handle might be a subset=pid one, which will result in
			// spurious errors. Fall back to a temporary unmasked handle.
			unsafeProc, err2 := OpenUnsafeProcRoot() // !subset=pid
			if err2 != nil {
				return nil, nil, err
			}
			defer unsafeProc.Close() //nolint:errcheck // close failures aren't critical here

			file, err = unsafeProc.lookup(subpath)
		}
		return file, nil, err

	case ProcSelf:
		file, err := proc.lookup(subpath)
		return file, nil, err

	case ProcThreadSelf:
		// We need to lock our thread until the caller is done with the
		// handle, because between getting the handle and using it we could
		// be swapped to a different underlying thread by the Go runtime.
		runtime.LockOSThread()
		defer func() {
			if Err != nil {
				runtime.UnlockOSThread()
				closer = nil
			}
		}()

		file, err := proc.lookup(subpath)
		return file, runtime.UnlockOSThread, err
	}
	// should never be reached
	return nil, nil, fmt.Errorf("[internal error] invalid procfs base %q", base)
}

// OpenThreadSelf returns a handle to "/proc/thread-self/<subpath>" (or an
// equivalent handle on older kernels where "/proc/thread-self" doesn't
// exist). Once finished with the handle, the returned closer
// (runtime.UnlockOSThread) must be called. The returned *os.File must not
// be passed to other goroutines or used after calling the closer.
func (proc *Handle) OpenThreadSelf(subpath string) (_ *os.File, _ ProcThreadSelfCloser, Err error) {
	return proc.open(ProcThreadSelf, subpath)
}

// OpenSelf returns a handle to /proc/self/<subpath>.
//
// In Go programs with non-homogenous threads this may result in spurious
// errors; if you need thread-specific semantics, use [Handle.OpenThreadSelf]
// instead.
func (proc *Handle) OpenSelf(subpath string) (*os.File, error) {
	file, closer, err := proc.open(ProcSelf, subpath)
	assert.Assert(closer == nil, "closer for ProcSelf must be nil")
	return file, err
}

// OpenRoot returns a handle to /proc/<subpath>.
//
// This should only be used for global procfs files (such as sysctls in
// /proc/sys). The lookup is first made through proc itself; if that fails
// with ENOENT (as it does for global files when proc has subset=pid), it is
// retried once through a temporary handle without subset=pid.
func (proc *Handle) OpenRoot(subpath string) (*os.File, error) {
	file, closer, err := proc.open(ProcRoot, subpath)
	assert.Assert(closer == nil, "closer for ProcRoot must be nil")
	return file, err
}

// OpenPid returns a handle to /proc/$pid/<subpath> (pid can be a pid or
// tid). This is mainly intended for operating on other processes; for the
// current thread, use [Handle.OpenThreadSelf] instead.
func (proc *Handle) OpenPid(pid int, subpath string) (*os.File, error) {
	return proc.OpenRoot(strconv.Itoa(pid) + "/" + subpath)
}

// checkSubpathOvermount checks whether the dirfd+path combination is on the
// same mount as the given root.
func checkSubpathOvermount(root, dir fd.Fd, path string) error {
	expectedMountID, err := fd.GetMountID(root, "")
	if err != nil {
		return fmt.Errorf("get root mount id: %w", err)
	}
	gotMountID, err := fd.GetMountID(dir, path)
	if err != nil {
		return fmt.Errorf("get subpath mount id: %w", err)
	}
	// As long as the directory mount is alive, even with wrapping mount
	// IDs, we'd expect to see a different mount ID here.
	if expectedMountID != gotMountID {
		return fmt.Errorf("%w: subpath %s/%s has an overmount obscuring the real path (mount ids do not match %d != %d)",
			errUnsafeProcfs, dir.Name(), path, expectedMountID, gotMountID)
	}
	return nil
}

// CheckSubpathOvermount checks if the dirfd and path combination is on the
// same mount as the given root. This is the exported entry point used by
// the rootfs engine outside of this package; code inside this package calls
// [checkSubpathOvermount] directly.
func CheckSubpathOvermount(root, dir fd.Fd, path string) error {
	return checkSubpathOvermount(root, dir, path)
}

// readlink performs a readlink operation on "/proc/<base>/<subpath>" in a
// way that should be free from race attacks. This is most commonly used to
// get the real path of a file by looking at "/proc/self/fd/$n", with the
// same safety protections as [Handle.open] plus an additional check against
// overmounts.
func (proc *Handle) readlink(base procfsBase, subpath string) (string, error) {
	link, closer, err := proc.open(base, subpath)
	if closer != nil {
		defer closer()
	}
	if err != nil {
		return "", fmt.Errorf("get safe %s/%s handle: %w", base, subpath, err)
	}
	defer link.Close() //nolint:errcheck // close failures aren't critical here

	// Detect a mount on top of the magic-link. This is always safe when
	// using privateProcRoot() (at least since Linux 5.12, when anonymous
	// mount namespaces were fully isolated from mount propagation events).
	if err := checkSubpathOvermount(proc.Inner, link, ""); err != nil {
		return "", fmt.Errorf("check safety of %s/%s magiclink: %w", base, subpath, err)
	}

	// readlinkat implies AT_EMPTY_PATH since Linux 2.6.39.
	return fd.Readlinkat(link, "")
}

// Readlink performs a readlink operation on "/proc/<base>/<subpath>" with
// the same overmount protections as [Handle.OpenThreadSelf] et al. This is
// the exported entry point for the rootfs engine; [ProcSelfFdReadlink]
// is a thin convenience wrapper around this for the common fd-readlink case.
func (proc *Handle) Readlink(base procfsBase, subpath string) (string, error) {
	return proc.readlink(base, subpath)
}

// ProcSelfFdReadlink gets the real path of the given file by looking at
// readlink(/proc/thread-self/fd/$n).
func ProcSelfFdReadlink(f fd.Fd) (string, error) {
	procRoot, err := OpenProcRoot() // subset=pid
	if err != nil {
		return "", err
	}
	defer procRoot.Close() //nolint:errcheck // close failures aren't critical here

	fdPath := "fd/" + strconv.Itoa(int(f.Fd()))
	return procRoot.Readlink(ProcThreadSelf, fdPath)
}

// CheckProcSelfFdPath returns whether the given file handle matches the
// expected path. (This is inherently racy.)
func CheckProcSelfFdPath(path string, file fd.Fd) error {
	if stat, err := fd.Fstat(file); err != nil {
		return err
	} else if stat.Nlink == 0 {
		// The inode has been unlinked. Distinguish directories from regular
		// files/other inodes, since callers treat a dead directory
		// (ErrInvalidDirectory) differently from a dead non-directory
		// (ErrDeletedInode).
		if stat.Mode&unix.S_IFMT == unix.S_IFDIR {
			return fmt.Errorf("%w: %s has been deleted", internal.ErrInvalidDirectory, file.Name())
		}
		return fmt.Errorf("%w: %s has been deleted", internal.ErrDeletedInode, file.Name())
	}
	actualPath, err := ProcSelfFdReadlink(file)
	if err != nil {
		return fmt.Errorf("get path of handle: %w", err)
	}
	if actualPath != path {
		return fmt.Errorf("%w: handle path %q doesn't match expected path %q", internal.ErrPossibleBreakout, actualPath, path)
	}
	return nil
}

// Test hooks used by this package's tests to verify the fallback logic.
// See testing_mocks_linux_test.go and procfs_linux_test.go.
var (
	hookForcePrivateProcRootOpenTree            = hookDummyFile
	hookForcePrivateProcRootOpenTreeAtRecursive = hookDummyFile
	hookForceGetProcRootUnsafe                  = hookDummy

	hookForceProcSelfTask = hookDummy
	hookForceProcSelf     = hookDummy
)

func hookDummy() bool                { return false }
func hookDummyFile(_ io.Closer) bool { return false }
