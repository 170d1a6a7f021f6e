// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resolver

import (
	"errors"
	"fmt"
	"os"

	"github.com/rootcage/rootcage/rootfs/internal/pathutil"
)

// errBrokenSymlinkStack indicates that the caller's notion of which path
// component is being walked next has diverged from what the symlink stack
// is expecting -- a bug in the walker, not an attacker-controlled state.
var errBrokenSymlinkStack = errors.New("walker has desynced from symlink stack")

// symlinkStackEntry tracks a single level of symlink expansion: dir is a
// handle to the directory that contained the symlink, kept alive only so it
// can be closed once this level is fully walked, and linkUnwalked is the
// portion of that symlink's target that has not yet been consumed by the
// walker.
type symlinkStackEntry struct {
	dir          *os.File
	linkUnwalked []string
}

func (e symlinkStackEntry) String() string {
	return fmt.Sprintf("<%s>unwalked=%q", e.dir.Name(), e.linkUnwalked)
}

// symlinkStack is a stack of pending symlink expansions, used by the
// resolver to keep track of (and clean up) the directory handles opened
// while chasing a chain of symlinks, independently of the walker's own
// notion of "current directory".
type symlinkStack []symlinkStackEntry

// IsEmpty returns whether there are no outstanding symlink expansions.
func (s symlinkStack) IsEmpty() bool { return len(s) == 0 }

// Close releases all of the directory handles still held by the stack.
func (s *symlinkStack) Close() error {
	for _, entry := range *s {
		_ = entry.dir.Close()
	}
	*s = nil
	return nil
}

// PopPart tells the stack that part has just been walked by the caller. If
// the stack is empty this is a no-op -- the component wasn't part of any
// symlink expansion. Otherwise part must match the next unwalked component
// of the top entry; once an entry's unwalked list is drained, it (and any
// entries below it that are also already drained) is popped off the stack
// and its directory handle closed.
func (s *symlinkStack) PopPart(part string) error {
	if part == "" || part == "." {
		return nil
	}
	if s.IsEmpty() {
		return nil
	}

	top := &(*s)[len(*s)-1]
	if len(top.linkUnwalked) == 0 || top.linkUnwalked[0] != part {
		return fmt.Errorf("%w: next unwalked component is %q, not %q", errBrokenSymlinkStack, top.linkUnwalked, part)
	}
	top.linkUnwalked = top.linkUnwalked[1:]

	for !s.IsEmpty() {
		last := len(*s) - 1
		if len((*s)[last].linkUnwalked) != 0 {
			break
		}
		_ = (*s)[last].dir.Close()
		*s = (*s)[:last]
	}
	return nil
}

// SwapLink tells the stack that part (the next unwalked component, exactly
// as required by PopPart) turned out to be a symlink contained in dir, with
// target linkTarget. part is popped from the current top entry (if any, the
// same way PopPart would, but without the drain-cascade since we're about
// to push a new level immediately anyway) and a new entry is pushed
// recording dir and the full split of linkTarget. expectedPath is accepted
// for parity with the information the caller has available (the logical
// path dir is expected to correspond to) but is not itself verified here --
// that is the resolver's job, via CheckProcSelfFdPath.
func (s *symlinkStack) SwapLink(part string, dir *os.File, expectedPath string, linkTarget string) error {
	_ = expectedPath
	if !s.IsEmpty() {
		top := &(*s)[len(*s)-1]
		if len(top.linkUnwalked) == 0 || top.linkUnwalked[0] != part {
			return fmt.Errorf("%w: next unwalked component is %q, not %q", errBrokenSymlinkStack, top.linkUnwalked, part)
		}
		top.linkUnwalked = top.linkUnwalked[1:]
	}
	*s = append(*s, symlinkStackEntry{
		dir:          dir,
		linkUnwalked: pathutil.SplitComponents(linkTarget),
	})
	return nil
}
