// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package internal holds the error sentinels and constants shared across
// the rootfs engine (the Root/Handle-oriented confined resolver).
package internal

import (
	"errors"

	"golang.org/x/sys/unix"
)

// MaxSymlinkLimit is the maximum number of symlinks that can be traversed
// during a single lookup before giving up with -ELOOP.
const MaxSymlinkLimit = 255

type xdevError struct {
	msg string
}

func (e *xdevError) Error() string { return e.msg }

func (e *xdevError) Is(target error) bool {
	return target == error(e) || errors.Is(unix.EXDEV, target)
}

func (e *xdevError) Unwrap() error { return unix.EXDEV }

func newXdevSentinel(msg string) error { return &xdevError{msg: msg} }

// ErrPossibleBreakout indicates that a resolver's final verification step
// (the expected-path check, or a procfs mount-id comparison) found that the
// resolved descriptor did not correspond to where it was supposed to be --
// i.e. a TOCTOU race plausibly moved something under the walker.
var ErrPossibleBreakout = newXdevSentinel("possible breakout detected")

// ErrPossibleAttack is raised by lower-confidence heuristics (e.g. the
// procfs anon-inode-shaped-readlink check) that suspect, without fully
// proving, an attack in progress.
var ErrPossibleAttack = newXdevSentinel("possible attack detected")

// ErrInvalidDirectory indicates a handle that was expected to be a
// directory partway through a lookup was not.
var ErrInvalidDirectory = newXdevSentinel("component is not a directory")

// ErrDeletedInode indicates an operation was attempted against a handle
// whose inode has already been unlinked (Nlink == 0).
var ErrDeletedInode = newXdevSentinel("cannot verify path of a deleted inode")

// ErrInvalidArgument indicates a caller-provided argument (a flag
// combination, a path containing a forbidden component) was rejected before
// any filesystem operation was attempted. Unlike the other sentinels here,
// this is a caller bug, not a race or an attack.
var ErrInvalidArgument = errors.New("invalid argument")
