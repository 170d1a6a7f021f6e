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
)

// Rename moves source to destination, both resolved (sans final component)
// within r, using renameat2(2) so the rflags (no-replace, exchange,
// whiteout) are applied atomically.
func (r *Root) Rename(source, destination string, rflags RenameFlags) error {
	if err := rflags.validate(); err != nil {
		return err
	}

	srcParent, srcName, err := r.resolveParent("rename", source)
	if err != nil {
		return err
	}
	defer srcParent.Close() //nolint:errcheck // close failures aren't critical here

	dstParent, dstName, err := r.resolveParent("rename", destination)
	if err != nil {
		return err
	}
	defer dstParent.Close() //nolint:errcheck // close failures aren't critical here

	err = unix.Renameat2(int(srcParent.Fd()), srcName, int(dstParent.Fd()), dstName, rflags.sysFlags())
	if err != nil {
		return &os.PathError{Op: "renameat2", Path: source, Err: err}
	}
	return nil
}
