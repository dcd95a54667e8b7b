// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coretesting "github.com/storefeed/storefeed/testing"
)

type SubscriberSuite struct {
	coretesting.BaseSuite
}

var _ = gc.Suite(&SubscriberSuite{})

func (s *SubscriberSuite) TestEnqueueDropsOldestWhenFull(c *gc.C) {
	sub := &subscriber{sendCh: make(chan []byte, 2)}
	c.Check(sub.enqueue([]byte("one")), jc.IsFalse)
	c.Check(sub.enqueue([]byte("two")), jc.IsFalse)
	c.Check(sub.enqueue([]byte("three")), jc.IsTrue)

	c.Check(string(<-sub.sendCh), gc.Equals, "two")
	c.Check(string(<-sub.sendCh), gc.Equals, "three")
	select {
	case extra := <-sub.sendCh:
		c.Fatalf("unexpected queued frame %q", extra)
	default:
	}
}

func (s *SubscriberSuite) TestEnqueueNeverBlocks(c *gc.C) {
	sub := &subscriber{sendCh: make(chan []byte, 1)}
	for i := 0; i < 100; i++ {
		sub.enqueue([]byte("frame"))
	}
	c.Check(len(sub.sendCh), gc.Equals, 1)
}

func (s *SubscriberSuite) TestProbeGivesNewSubscriberGrace(c *gc.C) {
	sub := &subscriber{}
	// The first probe never fails a subscriber; only silence
	// across a full interval does.
	c.Check(sub.beginProbe(), jc.IsTrue)
	c.Check(sub.beginProbe(), jc.IsFalse)
}

func (s *SubscriberSuite) TestProbeResponsiveSubscriberSurvives(c *gc.C) {
	sub := &subscriber{}
	c.Check(sub.beginProbe(), jc.IsTrue)
	sub.markAlive()
	c.Check(sub.beginProbe(), jc.IsTrue)
	sub.markAlive()
	c.Check(sub.beginProbe(), jc.IsTrue)
	c.Check(sub.beginProbe(), jc.IsFalse)
}
