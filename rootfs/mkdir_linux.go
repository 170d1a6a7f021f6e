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
	"os"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal/resolver"
)

// MkdirAllHandle is equivalent to MkdirAll, except that it is safer to use in
// two respects:
//
//   - The caller provides the root directory as an *[os.File] (preferably
//     O_PATH) handle, so it is unambiguous which tree is being operated on.
//
//   - Once all of the directories have been created, a handle to the
//     directory at unsafePath is returned to the caller, obtained in an
//     effectively race-free way (an attacker would only be able to swap the
//     final path component).
//
// mode is the [os.FileMode] permission (and, optionally, sticky) bits to use
// for any directories created by this call; any other bits (setuid, setgid,
// and the file-type bits) will result in [resolver.ErrInvalidMode].
func MkdirAllHandle(root *os.File, unsafePath string, mode os.FileMode) (*os.File, error) {
	return resolver.MkdirAllHandle(root, unsafePath, mode)
}

// MkdirAll is a race-safe alternative to the Go stdlib's os.MkdirAll
// function, where the new directory is guaranteed to be within the root
// directory (if an attacker can move directories from inside the root to
// outside the root, the created directory tree might end up outside of the
// root, but at no point will the walk itself step outside of root).
//
// If you plan to open the directory after creating it, or want to use an
// already-open directory handle as the root, use [MkdirAllHandle] instead.
func MkdirAll(root, unsafePath string, mode os.FileMode) error {
	rootDir, err := os.OpenFile(root, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer rootDir.Close() //nolint:errcheck // close failures aren't critical here

	handle, err := MkdirAllHandle(rootDir, unsafePath, mode)
	if err != nil {
		return err
	}
	return handle.Close()
}
