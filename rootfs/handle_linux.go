// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rootfs

import "os"

// Handle is an O_PATH handle to a file resolved (safely) through a [Root].
// Because it is O_PATH, most I/O operations on it will fail -- use
// [Handle.Reopen] to get a handle you can actually read from or write to.
type Handle struct {
	inner *os.File
}

// Fd returns the raw O_PATH file descriptor backing h.
func (h *Handle) Fd() uintptr { return h.inner.Fd() }

// Name returns the (best-effort, kernel-reported) path h refers to.
func (h *Handle) Name() string { return h.inner.Name() }

// Close releases h's underlying descriptor.
func (h *Handle) Close() error { return h.inner.Close() }

// Reopen re-opens h with flags via its magic-link in procfs (self/fd/<n>),
// so that a rename or unlink racing between resolve and re-open cannot
// redirect the caller to a different inode than the one that was resolved.
// O_CLOEXEC is always added to flags.
func (h *Handle) Reopen(flags OpenFlags) (*os.File, error) {
	if err := flags.validate(); err != nil {
		return nil, err
	}
	return Reopen(h.inner, int(flags))
}
