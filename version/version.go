// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the version number of the storefeed binaries.
package version

import (
	semversion "github.com/juju/version/v2"
)

// The presence and format of this constant is very important.
// The release tooling reads it to stamp published builds.
const version = "1.4.2"

// Current is the version of the running storefeed code.
var Current = semversion.MustParse(version)
