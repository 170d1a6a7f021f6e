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
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal/fd"
	"github.com/rootcage/rootcage/rootfs/internal/pathutil"
)

// OpenFollow is identical to [Handle.open] when "/proc/<base>/<subpath>" is
// not itself a symlink. Since a trailing magic-link (such as "self/exe" or
// "self/fd/<n>") is returned unresolved by the plain lookup rather than
// followed, OpenFollow additionally detects that case and safely follows it:
// the parent of the final component is re-opened through the same
// overmount-resistant lookup, checked to still be on this Handle's procfs
// mount, and then a single openat(2) -- this time permitted to follow a
// trailing symlink -- produces the final handle. A trailing slash in subpath
// forces the final open to require a directory.
func (proc *Handle) OpenFollow(base procfsBase, subpath string) (_ *os.File, Err error) {
	// The trailing slash is applied by hand below, so that the lookup itself
	// does not try to follow a trailing magic-link as an intermediate one.
	isDir := strings.HasSuffix(subpath, "/")
	file, closer, err := proc.open(base, strings.TrimRight(subpath, "/"))
	if closer != nil {
		defer closer()
	}
	if err != nil {
		return nil, err
	}

	stat, err := fd.Fstat(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFLNK {
		if isDir && stat.Mode&unix.S_IFMT != unix.S_IFDIR {
			_ = file.Close()
			return nil, fmt.Errorf("open %s/%s: %w", base, subpath, unix.ENOTDIR)
		}
		return file, nil
	}
	defer file.Close() //nolint:errcheck // close failures aren't critical here; we only needed the fstat above

	parts := pathutil.SplitComponents(subpath)
	if len(parts) == 0 {
		return nil, fmt.Errorf("[internal error] procfs base %q itself reported as a symlink", base)
	}
	parentSubpath := strings.Join(parts[:len(parts)-1], "/")
	trailing := parts[len(parts)-1]

	parentDir, parentCloser, err := proc.open(base, parentSubpath)
	if parentCloser != nil {
		defer parentCloser()
	}
	if err != nil {
		return nil, fmt.Errorf("reopen parent of %s/%s: %w", base, subpath, err)
	}
	defer parentDir.Close() //nolint:errcheck // close failures aren't critical here

	if err := checkSubpathOvermount(proc.Inner, parentDir, trailing); err != nil {
		return nil, fmt.Errorf("check safety of %s/%s magiclink: %w", base, subpath, err)
	}

	flags := unix.O_PATH | unix.O_CLOEXEC
	if isDir {
		flags |= unix.O_DIRECTORY
	}
	// Deliberately no verifyProcHandle check here: unlike every other handle
	// this package hands out, a followed magic-link's target is expected to
	// live on a wholly different filesystem (e.g. "self/exe" resolves to the
	// real binary on the root filesystem) -- that's the entire point of
	// following it.
	final, err := fd.Openat(parentDir, trailing, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("follow %s/%s magiclink: %w", base, subpath, err)
	}
	return final, nil
}
