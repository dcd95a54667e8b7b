// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package worker holds runtime policy shared by the storefeed daemons.
package worker

import (
	"time"
)

// RestartDelay holds the length of time that a worker will wait
// between exiting and being restarted by a Runner.
var RestartDelay = 3 * time.Second
