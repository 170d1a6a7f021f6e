// SPDX-License-Identifier: BSD-3-Clause

// Copyright (C) 2024-2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gocompat

import "errors"

// wrappedError lets errors.Is match against two independent errors without
// requiring Go 1.20's multiple-%w fmt.Errorf support.
type wrappedError struct {
	main, base error
}

func (e *wrappedError) Error() string { return e.main.Error() + ": " + e.base.Error() }

func (e *wrappedError) Unwrap() error { return e.main }

func (e *wrappedError) Is(target error) bool {
	return errors.Is(e.base, target)
}

// WrapBaseError returns an error whose primary identity is mainErr, but
// which also satisfies errors.Is(result, baseErr).
func WrapBaseError(mainErr, baseErr error) error {
	return &wrappedError{main: mainErr, base: baseErr}
}
