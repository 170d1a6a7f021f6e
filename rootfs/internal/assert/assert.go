// SPDX-License-Identifier: MPL-2.0

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package assert provides minimal runtime assertions for invariants that
// indicate a bug in the rootfs engine itself, as opposed to caller misuse
// (which is always surfaced as a regular error).
package assert

import "fmt"

// Assert panics with msg if cond is false.
func Assert(cond bool, msg any) {
	if !cond {
		panic(msg)
	}
}

// Assertf panics with a formatted message if cond is false. The message is
// only formatted when the assertion actually fails.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
