// SPDX-License-Identifier: BSD-3-Clause

// Copyright (C) 2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.BSD file.

// Package kernelversion parses and compares the running kernel's release
// string, used by the rootfs engine to gate use of the new mount API (and
// other feature probes) on kernels known to support them correctly.
package kernelversion

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelVersion is a parsed dotted kernel release, such as {5, 8, 12} for
// "5.8.12-100.fc34.x86_64". Only the leading numeric dot-components are
// kept; the first non-numeric suffix on any component (and everything
// after it) is discarded. A component with no leading digit makes the
// release invalid.
type KernelVersion []int

var errInvalidKernelVersion = errors.New("invalid kernel version")

func parseKernelVersion(release string) (KernelVersion, error) {
	if i := strings.IndexAny(release, "-+ "); i >= 0 {
		release = release[:i]
	}

	var version KernelVersion
	for _, part := range strings.Split(release, ".") {
		numeric := part
		for i, r := range part {
			if r < '0' || r > '9' {
				numeric = part[:i]
				break
			}
		}
		if numeric == "" {
			return nil, errInvalidKernelVersion
		}
		n, err := strconv.Atoi(numeric)
		if err != nil {
			return nil, errInvalidKernelVersion
		}
		version = append(version, n)
		if numeric != part {
			break
		}
	}
	if len(version) < 2 {
		return nil, errInvalidKernelVersion
	}
	return version, nil
}

func getKernelVersion() (KernelVersion, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return nil, err
	}
	end := len(uname.Release)
	for i, b := range uname.Release {
		if b == 0 {
			end = i
			break
		}
	}
	release := make([]byte, 0, end)
	for _, b := range uname.Release[:end] {
		release = append(release, byte(b))
	}
	return parseKernelVersion(string(release))
}

// GreaterEqualThan returns true if the running kernel's version is greater
// than or equal to want. Missing trailing components on either side are
// treated as zero, so {5} equals {5, 0, 0} and {5, 10} is greater than {5}.
func GreaterEqualThan(want KernelVersion) (bool, error) {
	have, err := getKernelVersion()
	if err != nil {
		return false, err
	}
	for i := 0; i < len(want) || i < len(have); i++ {
		var w, h int
		if i < len(want) {
			w = want[i]
		}
		if i < len(have) {
			h = have[i]
		}
		if h != w {
			return h > w, nil
		}
	}
	return true, nil
}
