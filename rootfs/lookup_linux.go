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
	"os"

	"golang.org/x/sys/unix"

	"github.com/rootcage/rootcage/rootfs/internal/resolver"
)

// completeLookupInRoot resolves unsafePath within root the same way open(2)
// would: unlike [resolver.PartialLookupInRoot], it is an error for any
// component of unsafePath (including the final one) to be missing. follow
// controls how symlinks encountered along the path are treated.
func completeLookupInRoot(root *os.File, unsafePath string, follow resolver.FollowMode) (*os.File, error) {
	handle, remainingPath, err := resolver.PartialLookupInRoot(root, unsafePath, follow)
	if err != nil {
		return nil, err
	}
	if remainingPath != "" {
		_ = handle.Close()
		return nil, fmt.Errorf("%w: %q does not exist", unix.ENOENT, remainingPath)
	}
	return handle, nil
}
