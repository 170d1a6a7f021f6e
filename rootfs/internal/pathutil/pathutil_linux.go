// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 Aleksa Sarai <cyphar@cyphar.com>
// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pathutil holds the small lexical path helpers shared by the two
// component-walk resolvers in this module (the native-fallback confined
// resolver and the procfs-internal resolver), so the splitting rules stay
// in exactly one place instead of being reimplemented by each walker.
package pathutil

import "strings"

// SplitComponents splits path on '/' and drops empty components and "."
// components, since neither carries any resolution meaning. Unlike
// path.Clean, it deliberately keeps ".." components: callers that can't
// allow a path to walk upwards (e.g. a jailed procfs lookup) need to see
// and reject them explicitly, rather than have them silently collapsed.
func SplitComponents(path string) []string {
	rawParts := strings.Split(path, "/")
	parts := make([]string, 0, len(rawParts))
	for _, part := range rawParts {
		switch part {
		case "", ".":
			continue
		}
		parts = append(parts, part)
	}
	return parts
}
