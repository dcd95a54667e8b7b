// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	jujutesting "github.com/juju/testing"
)

// BaseSuite provides the common behaviour for storefeed test suites:
// log capture, environment isolation, and cleanup registration. Tests
// that need more than this embed it and build on top.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
