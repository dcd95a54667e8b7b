// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"github.com/juju/mgo/v3/bson"
)

// ChangeReader is a resumable feed of change notifications for one
// collection. The production implementation tails the replica-set
// oplog; tests drive the watcher with their own readers.
type ChangeReader interface {
	Next(interface{}) bool
	Err() error
	Timeout() bool
	Close() error
	ResumeToken() *bson.Raw
}
