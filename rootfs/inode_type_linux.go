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

type inodeKind int

const (
	inodeFile inodeKind = iota
	inodeDir
	inodeFifo
	inodeCharDevice
	inodeBlockDevice
	inodeSymlink
	inodeHardlink
)

// InodeType describes the kind of filesystem object [Root.Create] should
// create. Use one of the Type* constructors to build a value; the zero
// value is not valid.
type InodeType struct {
	kind   inodeKind
	mode   os.FileMode
	dev    int
	target string
}

// TypeFile requests a regular, empty file.
func TypeFile(mode os.FileMode) InodeType { return InodeType{kind: inodeFile, mode: mode} }

// TypeDir requests a directory.
func TypeDir(mode os.FileMode) InodeType { return InodeType{kind: inodeDir, mode: mode} }

// TypeFifo requests a named pipe.
func TypeFifo(mode os.FileMode) InodeType { return InodeType{kind: inodeFifo, mode: mode} }

// TypeCharDevice requests a character device with the given (major, minor)
// device number, encoded the same way as [unix.Mkdev].
func TypeCharDevice(mode os.FileMode, dev int) InodeType {
	return InodeType{kind: inodeCharDevice, mode: mode, dev: dev}
}

// TypeBlockDevice requests a block device with the given (major, minor)
// device number, encoded the same way as [unix.Mkdev].
func TypeBlockDevice(mode os.FileMode, dev int) InodeType {
	return InodeType{kind: inodeBlockDevice, mode: mode, dev: dev}
}

// TypeSymlink requests a symlink pointing at target (not itself resolved
// within the root -- the target string is written verbatim).
func TypeSymlink(target string) InodeType { return InodeType{kind: inodeSymlink, target: target} }

// TypeHardlink requests a hardlink to target, a path relative to the same
// root the link is being created in.
func TypeHardlink(target string) InodeType { return InodeType{kind: inodeHardlink, target: target} }
