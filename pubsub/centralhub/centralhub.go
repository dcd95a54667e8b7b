// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package centralhub provides the central message hub used inside the
// storefeed server process. The state feed watcher publishes catalog
// changes to it, and the broadcast layer subscribes to fan them out.
package centralhub

import (
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
)

// New returns a new structured hub. Payload structs are marshalled
// through JSON so subscriber handlers receive typed copies rather
// than shared pointers.
func New() *pubsub.StructuredHub {
	return pubsub.NewStructuredHub(
		&pubsub.StructuredHubConfig{
			Logger: loggo.GetLogger("storefeed.centralhub"),
		})
}
