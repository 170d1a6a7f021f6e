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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal"
)

// OpenFlags are the flags accepted by [Root.OpenSubpath] and
// [Root.CreateFile]. These mirror the O_* flags accepted by open(2), with
// O_CREAT/O_EXCL/O_NOCTTY/O_TMPFILE rejected as invalid for a confined
// resolver (creation has its own dedicated operations).
type OpenFlags int

func (f OpenFlags) validate() error {
	// unix.O_TMPFILE includes the O_DIRECTORY bit, which is allowed on its own.
	const disallowed = unix.O_CREAT | unix.O_EXCL | unix.O_NOCTTY | (unix.O_TMPFILE &^ unix.O_DIRECTORY)
	if int(f)&disallowed != 0 {
		return fmt.Errorf("%w: invalid open flags %#o", internal.ErrInvalidArgument, int(f)&disallowed)
	}
	return nil
}

// RenameFlags are the flags accepted by [Root.Rename], mirroring the flags
// accepted by renameat2(2).
type RenameFlags uint

const (
	RenameNoReplace RenameFlags = 1 << iota
	RenameExchange
	RenameWhiteout
)

func (f RenameFlags) sysFlags() uint {
	var out uint
	if f&RenameNoReplace != 0 {
		out |= unix.RENAME_NOREPLACE
	}
	if f&RenameExchange != 0 {
		out |= unix.RENAME_EXCHANGE
	}
	if f&RenameWhiteout != 0 {
		out |= unix.RENAME_WHITEOUT
	}
	return out
}

func (f RenameFlags) validate() error {
	const known = RenameNoReplace | RenameExchange | RenameWhiteout
	if f&^known != 0 {
		return fmt.Errorf("%w: unknown rename flags %#o", internal.ErrInvalidArgument, f&^known)
	}
	// renameat2(2) itself rejects NOREPLACE|EXCHANGE, but check eagerly so
	// the caller gets a clear error before we ever touch the filesystem.
	if f&RenameNoReplace != 0 && f&RenameExchange != 0 {
		return fmt.Errorf("%w: RenameNoReplace and RenameExchange are mutually exclusive", internal.ErrInvalidArgument)
	}
	return nil
}

// ResolverFlags configure how [Root] resolves paths.
type ResolverFlags uint

const (
	// ResolverNoFollowSymlinks makes every [Root.Resolve] call refuse with
	// ELOOP as soon as it encounters any symlink in the path, whether
	// trailing or intermediate. This is stricter than [Root.ResolveNofollow],
	// which only stops at a trailing symlink and still follows intermediate
	// ones.
	ResolverNoFollowSymlinks ResolverFlags = 1 << iota
)
