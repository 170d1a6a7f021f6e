// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rootfs_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	pathrs "github.com/rootcage/rootcage/rootfs"
	"github.com/rootcage/rootcage/rootfs/internal"
)

func newTestRoot(t *testing.T) (*pathrs.Root, string) {
	t.Helper()
	rootDir := t.TempDir()
	root, err := pathrs.RootOpen(rootDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })
	return root, rootDir
}

func TestRoot_ResolveBasic(t *testing.T) {
	root, rootDir := newTestRoot(t)

	require.NoError(t, os.MkdirAll(filepath.Join(rootDir, "a/b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "a/b/file"), []byte("hello"), 0o644))

	handle, err := root.Resolve("a/b/file")
	require.NoError(t, err)
	defer handle.Close() //nolint:errcheck // test code

	f, err := handle.Reopen(unix.O_RDONLY)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // test code

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRoot_ResolveEscapeSymlink(t *testing.T) {
	root, rootDir := newTestRoot(t)

	require.NoError(t, os.Symlink("../../../../etc/passwd", filepath.Join(rootDir, "escape")))

	handle, err := root.Resolve("escape")
	require.NoError(t, err)
	defer handle.Close() //nolint:errcheck // test code

	// The symlink must have been resolved *inside* the root, so it should
	// just point at a (nonexistent) path under rootDir rather than the real
	// /etc/passwd.
	assert.NotEqual(t, "/etc/passwd", handle.Name())
}

func TestRoot_ResolveNofollow(t *testing.T) {
	root, rootDir := newTestRoot(t)

	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "target"), nil, 0o644))
	require.NoError(t, os.Symlink("target", filepath.Join(rootDir, "link")))

	handle, err := root.ResolveNofollow("link")
	require.NoError(t, err)
	defer handle.Close() //nolint:errcheck // test code

	_, err = handle.Reopen(unix.O_RDONLY)
	assert.ErrorIs(t, err, unix.ELOOP)
}

func TestRoot_CreateAndRemove(t *testing.T) {
	root, rootDir := newTestRoot(t)

	require.NoError(t, root.Create("dir", pathrs.TypeDir(0o755)))
	assert.DirExists(t, filepath.Join(rootDir, "dir"))

	require.NoError(t, root.Create("dir/link", pathrs.TypeSymlink("target")))
	target, err := root.Readlink("dir/link")
	require.NoError(t, err)
	assert.Equal(t, "target", target)

	f, err := root.CreateFile("dir/file", 0, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.FileExists(t, filepath.Join(rootDir, "dir/file"))

	// CreateFile must fail if the file already exists (O_EXCL semantics).
	_, err = root.CreateFile("dir/file", 0, 0o644)
	assert.ErrorIs(t, err, unix.EEXIST)

	require.NoError(t, root.RemoveFile("dir/file"))
	assert.NoFileExists(t, filepath.Join(rootDir, "dir/file"))

	require.Error(t, root.RemoveDir("dir"))
	require.NoError(t, root.RemoveAll("dir"))
	assert.NoDirExists(t, filepath.Join(rootDir, "dir"))
}

func TestRoot_RemoveAllNested(t *testing.T) {
	root, rootDir := newTestRoot(t)

	require.NoError(t, os.MkdirAll(filepath.Join(rootDir, "a/b/c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "a/b/file1"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "a/b/c/file2"), nil, 0o644))

	require.NoError(t, root.RemoveAll("a"))
	assert.NoDirExists(t, filepath.Join(rootDir, "a"))
}

func TestRoot_Rename(t *testing.T) {
	root, rootDir := newTestRoot(t)

	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "src"), []byte("data"), 0o644))

	require.NoError(t, root.Rename("src", "dst", 0))
	assert.NoFileExists(t, filepath.Join(rootDir, "src"))
	assert.FileExists(t, filepath.Join(rootDir, "dst"))

	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "src2"), nil, 0o644))
	err := root.Rename("src2", "dst", pathrs.RenameNoReplace)
	assert.ErrorIs(t, err, unix.EEXIST)
}

func TestRenameFlags_Validate(t *testing.T) {
	root, rootDir := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "src"), nil, 0o644))

	err := root.Rename("src", "dst", pathrs.RenameNoReplace|pathrs.RenameExchange)
	require.Error(t, err)
	assert.ErrorIs(t, err, internal.ErrInvalidArgument)
}

func TestOpenFlags_Validate(t *testing.T) {
	root, rootDir := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "file"), nil, 0o644))

	_, err := root.OpenSubpath("file", unix.O_CREAT)
	require.Error(t, err)
	assert.True(t, errors.Is(err, internal.ErrInvalidArgument))
}
