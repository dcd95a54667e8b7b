// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo provides the dial helpers and interface seams used to
// talk to the catalog database.
package mongo

import (
	"time"

	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"
)

// Info holds the location and credentials of the catalog database.
type Info struct {
	// Addrs gives the addresses of the MongoDB servers for the
	// catalog, in host:port form.
	Addrs []string

	// Database is the name of the database holding the catalog
	// collections.
	Database string

	// Username and Password hold optional credentials. Empty means
	// no authentication.
	Username string
	Password string
}

// DialOpts holds configuration parameters that control the dial.
type DialOpts struct {
	// Timeout is the amount of time to wait to establish the initial
	// connection before giving up.
	Timeout time.Duration

	// SocketTimeout is the amount of time to wait for a
	// non-responding socket before it is forcefully closed.
	SocketTimeout time.Duration

	// Direct forces a connection to the named server only, ignoring
	// replica set discovery.
	Direct bool
}

// DefaultDialOpts returns the dial parameters used when the
// configuration does not say otherwise.
func DefaultDialOpts() DialOpts {
	return DialOpts{
		Timeout:       10 * time.Second,
		SocketTimeout: time.Minute,
	}
}

// Open dials the catalog database and returns a session. The caller
// owns the session and must close it.
func Open(info Info, opts DialOpts) (*mgo.Session, error) {
	if len(info.Addrs) == 0 {
		return nil, errors.NotValidf("empty mongo addresses")
	}
	session, err := mgo.DialWithInfo(&mgo.DialInfo{
		Addrs:    info.Addrs,
		Timeout:  opts.Timeout,
		Database: info.Database,
		Username: info.Username,
		Password: info.Password,
		Direct:   opts.Direct,
	})
	if err != nil {
		return nil, errors.Annotate(err, "cannot dial mongo")
	}
	if opts.SocketTimeout > 0 {
		session.SetSocketTimeout(opts.SocketTimeout)
	}
	return session, nil
}
