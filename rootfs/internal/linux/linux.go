// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package linux holds the lazily-evaluated, process-wide feature probes the
// rootfs engine needs: openat2(2) availability, new-mount-API usability,
// and statx mount-id support. Each probe runs at most once per process, on
// a first-writer-wins basis under concurrent first use.
package linux

import (
	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal/gocompat"
	"github.com/rootcage/rootcage/rootfs/internal/kernelversion"
)

// HasOpenat2 reports whether openat2(2) is usable on this system. It is a
// package-level variable rather than a plain function so tests can force
// the emulated resolver backend by stubbing it out; production code should
// never reassign it.
var HasOpenat2 = gocompat.SyncOnceValue(func() bool {
	how := unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_IN_ROOT,
	}
	fd, err := unix.Openat2(unix.AT_FDCWD, ".", &how)
	if err == nil {
		_ = unix.Close(fd)
	}
	return err != unix.ENOSYS
})

// HasNewMountAPI reports whether fsopen(2)/fsconfig(2)/fsmount(2)/
// open_tree(2) can be used to build a private procfs mount. This is gated
// on kernel >= 5.2, since known-broken backports of the syscalls exist on
// older "stable" kernels.
func HasNewMountAPI() bool {
	return hasNewMountAPI()
}

var hasNewMountAPI = gocompat.SyncOnceValue(func() bool {
	isNew, _ := kernelversion.GreaterEqualThan(kernelversion.KernelVersion{5, 2})
	return isNew
})

// statxMntIDUnique is STATX_MNT_ID_UNIQUE, only defined in newer headers.
const statxMntIDUnique = 0x4000

// HasStatxMountID reports whether statx(STATX_MNT_ID | STATX_MNT_ID_UNIQUE)
// is usable, used to decide whether mount-id verification can be performed
// at all during confined lookups.
var HasStatxMountID = gocompat.SyncOnceValue(func() bool {
	var stx unix.Statx_t
	mask := uint32(unix.STATX_MNT_ID | statxMntIDUnique)
	err := unix.Statx(unix.AT_FDCWD, ".", unix.AT_EMPTY_PATH, int(mask), &stx)
	return err == nil && stx.Mask&mask != 0
})
