// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/storefeed/storefeed/state"
	coretesting "github.com/storefeed/storefeed/testing"
)

type StoreConfigSuite struct {
	coretesting.BaseSuite
}

var _ = gc.Suite(&StoreConfigSuite{})

func (s *StoreConfigSuite) TestValidateMissingSession(c *gc.C) {
	cfg := state.StoreConfig{Database: "catalog", Clock: clock.WallClock}
	err := cfg.Validate()
	c.Assert(err, gc.ErrorMatches, "missing Session not valid")
}

func (s *StoreConfigSuite) TestValidateMissingDatabase(c *gc.C) {
	_, err := state.NewStore(state.StoreConfig{Clock: clock.WallClock})
	c.Assert(err, gc.ErrorMatches, "new store invalid config: missing Session not valid")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *StoreConfigSuite) TestPatchValidation(c *gc.C) {
	c.Check(state.ValidatePatch(bson.M{"stock": 3}), jc.ErrorIsNil)
	c.Check(state.ValidatePatch(bson.M{"price": 1.5, "active": false}), jc.ErrorIsNil)

	err := state.ValidatePatch(bson.M{})
	c.Check(err, gc.ErrorMatches, "empty patch not valid")
	err = state.ValidatePatch(bson.M{"version": 3})
	c.Check(err, gc.ErrorMatches, `patching reserved field "version" not valid`)
	err = state.ValidatePatch(bson.M{"_id": "other"})
	c.Check(err, gc.ErrorMatches, `patching reserved field "_id" not valid`)
	err = state.ValidatePatch(bson.M{"updated-at": "now"})
	c.Check(err, gc.ErrorMatches, `patching reserved field "updated-at" not valid`)
}
