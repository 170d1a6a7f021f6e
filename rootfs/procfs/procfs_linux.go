// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package procfs is a thin public wrapper around the dedicated procfs
// handle used internally to defend against mount-based attacks during path
// resolution. Most callers of [github.com/rootcage/rootcage/rootfs] never
// need this package directly -- it exists for callers that want to reuse
// the same attack-resistant /proc access outside of a confined resolve.
package procfs

import (
	"os"
	"strconv"

	"github.com/rootcage/rootcage/rootfs/internal/procfs"
)

// Handle is a "safe" handle to (a subset of) /proc, resistant to racing
// mount or bind-mount attacks against /proc itself.
type Handle struct {
	inner *procfs.Handle
}

// ProcThreadSelfCloser must be called after you are done using the
// returned file from [Handle.OpenThreadSelf] -- it unlocks the goroutine's
// underlying OS thread once the consumer is done with the /proc/thread-self
// handle that was opened for that specific thread.
type ProcThreadSelfCloser = procfs.ProcThreadSelfCloser

// OpenProcRoot tries to open a `procfs.Handle` that is safe to use even in
// contexts where /proc is not trusted, preferring a fresh, attacker-free
// `procfs` mount (using `fsopen(2)` if available, falling back to a
// `self/` subset-bind mount of the host /proc).
func OpenProcRoot() (*Handle, error) {
	inner, err := procfs.OpenProcRoot()
	if err != nil {
		return nil, err
	}
	return &Handle{inner: inner}, nil
}

// OpenUnsafeProcRoot opens a Handle which does not have subset=pid applied
// -- this is only needed for rare cases where subset=pid blocks access to
// necessary files (for instance, overlayfs inode number workarounds).
func OpenUnsafeProcRoot() (*Handle, error) {
	inner, err := procfs.OpenUnsafeProcRoot()
	if err != nil {
		return nil, err
	}
	return &Handle{inner: inner}, nil
}

// ProcfsBuilder configures and constructs a [Handle]. The zero value is
// ready to use and is equivalent to calling [OpenProcRoot] directly.
type ProcfsBuilder struct {
	unmasked bool
}

// SetUnmasked selects whether [ProcfsBuilder.Build] should bypass
// subset=pid masking, equivalent to choosing between [OpenProcRoot] (false,
// the default) and [OpenUnsafeProcRoot] (true).
func (b ProcfsBuilder) SetUnmasked(unmasked bool) ProcfsBuilder {
	b.unmasked = unmasked
	return b
}

// Build constructs the [Handle] configured by the builder.
func (b ProcfsBuilder) Build() (*Handle, error) {
	if b.unmasked {
		return OpenUnsafeProcRoot()
	}
	return OpenProcRoot()
}

// Close releases the underlying /proc handle.
func (h *Handle) Close() error { return h.inner.Close() }

// OpenThreadSelf returns a handle to /proc/thread-self/<subpath> (or an
// equivalent /proc/self/task/<tid>/<subpath> handle on kernels without
// thread-self), locking the calling goroutine to its current OS thread
// until the returned closer is called.
func (h *Handle) OpenThreadSelf(subpath string) (*os.File, ProcThreadSelfCloser, error) {
	return h.inner.OpenThreadSelf(subpath)
}

// OpenSelf returns a handle to /proc/self/<subpath>.
func (h *Handle) OpenSelf(subpath string) (*os.File, error) {
	return h.inner.OpenSelf(subpath)
}

// OpenPid returns a handle to /proc/<pid>/<subpath>. Use this instead of
// formatting the path by hand, since PIDs can be recycled racily.
func (h *Handle) OpenPid(pid int, subpath string) (*os.File, error) {
	return h.inner.OpenPid(pid, subpath)
}

// OpenRoot returns a handle to /proc/<subpath> (the top level of the
// handle's procfs mount).
func (h *Handle) OpenRoot(subpath string) (*os.File, error) {
	return h.inner.OpenRoot(subpath)
}

// OpenFollowSelf is like [Handle.OpenSelf], except that a subpath which
// resolves to a magic-link (such as "exe" or "fd/3") is safely followed
// rather than returned as an unresolved symlink handle.
func (h *Handle) OpenFollowSelf(subpath string) (*os.File, error) {
	return h.inner.OpenFollow(procfs.ProcSelf, subpath)
}

// OpenFollowThreadSelf is like [Handle.OpenThreadSelf], except that a
// subpath which resolves to a magic-link is safely followed rather than
// returned as an unresolved symlink handle. Since the resolution is fully
// complete by the time this returns, there is no closer to release: the
// underlying OS thread lock (if any was needed) is released internally
// before OpenFollowThreadSelf returns.
func (h *Handle) OpenFollowThreadSelf(subpath string) (*os.File, error) {
	return h.inner.OpenFollow(procfs.ProcThreadSelf, subpath)
}

// OpenFollowRoot is like [Handle.OpenRoot], except that a subpath which
// resolves to a magic-link is safely followed rather than returned as an
// unresolved symlink handle.
func (h *Handle) OpenFollowRoot(subpath string) (*os.File, error) {
	return h.inner.OpenFollow(procfs.ProcRoot, subpath)
}

// OpenFollowPid is like [Handle.OpenPid], except that a subpath which
// resolves to a magic-link is safely followed rather than returned as an
// unresolved symlink handle.
func (h *Handle) OpenFollowPid(pid int, subpath string) (*os.File, error) {
	return h.inner.OpenFollow(procfs.ProcRoot, strconv.Itoa(pid)+"/"+subpath)
}

// ProcSelfFdReadlink returns the target of the /proc/self/fd/<fd> magic
// link for f, which is the kernel's canonical path for the file f refers
// to (not safe to use for access control decisions on its own -- it is a
// snapshot, not a guarantee).
func ProcSelfFdReadlink(f *os.File) (string, error) {
	return procfs.ProcSelfFdReadlink(f)
}
