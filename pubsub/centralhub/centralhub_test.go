// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package centralhub_test

import (
	"time"

	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/storefeed/storefeed/pubsub/centralhub"
	coretesting "github.com/storefeed/storefeed/testing"
)

type CentralHubSuite struct{}

var _ = gc.Suite(&CentralHubSuite{})

func (*CentralHubSuite) waitForSubscribers(c *gc.C, done func()) {
	finished := make(chan struct{})
	go func() {
		done()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(coretesting.LongWait):
		c.Fatal("subscribers not finished")
	}
}

type nested struct {
	Key int `json:"key"`
}

type payload struct {
	Key    string `json:"key"`
	Nested nested `json:"nested"`
}

func (s *CentralHubSuite) TestTypedSubscriber(c *gc.C) {
	hub := centralhub.New()
	topic := "testing"
	received := make(chan payload, 1)
	unsub, err := hub.Subscribe(topic, func(t string, data payload, err error) {
		c.Check(t, gc.Equals, topic)
		c.Check(err, jc.ErrorIsNil)
		received <- data
	})
	c.Assert(err, jc.ErrorIsNil)
	defer unsub()

	done, err := hub.Publish(topic, payload{Key: "value", Nested: nested{1234}})
	c.Assert(err, jc.ErrorIsNil)
	s.waitForSubscribers(c, done)

	select {
	case data := <-received:
		c.Assert(data, jc.DeepEquals, payload{Key: "value", Nested: nested{1234}})
	case <-time.After(coretesting.LongWait):
		c.Fatal("handler never called")
	}
}

func (s *CentralHubSuite) TestJSONMarshalling(c *gc.C) {
	// Map handlers see the JSON form of the payload, so subscribers
	// get copies rather than shared pointers, and numbers arrive as
	// floats.
	hub := centralhub.New()
	topic := "testing"
	var called bool
	unsub, err := hub.SubscribeMatch(pubsub.MatchAll, func(t string, data map[string]interface{}) {
		c.Check(t, gc.Equals, topic)
		expected := map[string]interface{}{
			"key": "value",
			"nested": map[string]interface{}{
				"key": 1234.0,
			},
		}
		c.Check(data, jc.DeepEquals, expected)
		called = true
	})
	c.Assert(err, jc.ErrorIsNil)
	defer unsub()

	done, err := hub.Publish(topic, payload{Key: "value", Nested: nested{1234}})
	c.Assert(err, jc.ErrorIsNil)
	s.waitForSubscribers(c, done)
	c.Assert(called, jc.IsTrue)
}
