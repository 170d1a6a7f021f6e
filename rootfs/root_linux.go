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

	"github.com/rootcage/rootcage/rootfs/internal/fd"
	"github.com/rootcage/rootcage/rootfs/internal/resolver"
)

// Root is a handle to a directory tree that all path resolution is confined
// to. Every method takes paths relative to the root and guarantees that the
// resolved result cannot escape it, even in the presence of a concurrent
// attacker racing symlinks, renames, or mounts.
type Root struct {
	inner *os.File
	flags ResolverFlags
}

// RootOpen opens path and returns a [Root] confined to it.
func RootOpen(path string) (*Root, error) {
	f, err := os.OpenFile(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return RootAdopt(f), nil
}

// RootAdopt wraps an already-open directory handle as a [Root]. The
// returned [Root] takes ownership of f -- closing the [Root] closes f.
func RootAdopt(f *os.File) *Root {
	return &Root{inner: f}
}

// WithResolverFlags returns a copy of r configured with the given
// [ResolverFlags]; the original is left unmodified.
func (r *Root) WithResolverFlags(flags ResolverFlags) *Root {
	clone := *r
	clone.flags = flags
	return &clone
}

// Close releases the underlying root directory handle.
func (r *Root) Close() error {
	return r.inner.Close()
}

// Resolve safely resolves unsafePath inside r, following every symlink
// (including a trailing one) unless r was configured with
// [ResolverNoFollowSymlinks], in which case any symlink anywhere in the
// path is refused with ELOOP.
func (r *Root) Resolve(unsafePath string) (*Handle, error) {
	follow := resolver.FollowSymlinks
	if r.flags&ResolverNoFollowSymlinks != 0 {
		follow = resolver.NoFollowSymlinks
	}
	handle, err := completeLookupInRoot(r.inner, unsafePath, follow)
	if err != nil {
		return nil, &os.PathError{Op: "resolve", Path: unsafePath, Err: err}
	}
	return &Handle{inner: handle}, nil
}

// ResolveNofollow is identical to [Root.Resolve], except that a trailing
// symlink is not followed -- the returned [Handle] refers to the symlink
// itself (an O_PATH|O_NOFOLLOW handle, so most I/O on it will fail with
// ELOOP until it is re-resolved), even if the symlink's target doesn't
// exist.
func (r *Root) ResolveNofollow(unsafePath string) (*Handle, error) {
	handle, remaining, err := resolver.PartialLookupInRoot(r.inner, unsafePath, resolver.NoFollowTrailing)
	if err != nil {
		return nil, &os.PathError{Op: "resolve", Path: unsafePath, Err: err}
	}
	if remaining != "" {
		_ = handle.Close()
		return nil, &os.PathError{Op: "resolve", Path: unsafePath, Err: unix.ENOENT}
	}
	return &Handle{inner: handle}, nil
}

// OpenSubpath resolves unsafePath inside r and re-opens it with flags.
// O_CLOEXEC is always added to flags.
func (r *Root) OpenSubpath(unsafePath string, flags OpenFlags) (*os.File, error) {
	if err := flags.validate(); err != nil {
		return nil, err
	}
	handle, err := r.Resolve(unsafePath)
	if err != nil {
		return nil, err
	}
	defer handle.Close() //nolint:errcheck // close failures aren't critical here
	return handle.Reopen(flags)
}

// Readlink returns the target of the symlink at unsafePath inside r.
func (r *Root) Readlink(unsafePath string) (string, error) {
	handle, err := r.ResolveNofollow(unsafePath)
	if err != nil {
		return "", err
	}
	defer handle.Close() //nolint:errcheck // close failures aren't critical here
	target, err := fd.Readlinkat(handle.inner, "")
	if err != nil {
		return "", fmt.Errorf("readlink %q: %w", unsafePath, err)
	}
	return target, nil
}
