// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package remotehub_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/storefeed/storefeed/api"
	"github.com/storefeed/storefeed/catalog"
	"github.com/storefeed/storefeed/params"
	pscatalog "github.com/storefeed/storefeed/pubsub/catalog"
	coretesting "github.com/storefeed/storefeed/testing"
	"github.com/storefeed/storefeed/worker/remotehub"
)

const feedURL = "ws://10.5.5.5:17700/watch"

type RemoteHubSuite struct {
	coretesting.BaseSuite

	hub   *pubsub.SimpleHub
	clock *testclock.Clock

	statuses chan pscatalog.ConnectionStatus
	products chan []catalog.Delta
	tickets  chan []catalog.Delta

	// pongTimeout is overridden by the heartbeat tests before the
	// worker is started.
	pongTimeout time.Duration

	mu        sync.Mutex
	dialQueue []*fakeFeed
	dialTimes []time.Time
	dialRoles []params.Role
}

var _ = gc.Suite(&RemoteHubSuite{})

func (s *RemoteHubSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("test.hub"),
	})
	s.clock = testclock.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s.pongTimeout = 30 * time.Second
	s.mu.Lock()
	s.dialQueue = nil
	s.dialTimes = nil
	s.dialRoles = nil
	s.mu.Unlock()

	s.statuses = make(chan pscatalog.ConnectionStatus, 32)
	s.products = make(chan []catalog.Delta, 16)
	s.tickets = make(chan []catalog.Delta, 16)
	unsubStatus := s.hub.Subscribe(pscatalog.RemoteConnectionTopic, func(_ string, data interface{}) {
		if status, ok := data.(pscatalog.ConnectionStatus); ok {
			s.statuses <- status
		}
	})
	unsubProducts := s.hub.Subscribe(pscatalog.RemoteProductUpdateTopic, func(_ string, data interface{}) {
		if deltas, ok := data.([]catalog.Delta); ok {
			s.products <- deltas
		}
	})
	unsubTickets := s.hub.Subscribe(pscatalog.RemoteTicketUpdateTopic, func(_ string, data interface{}) {
		if deltas, ok := data.([]catalog.Delta); ok {
			s.tickets <- deltas
		}
	})
	s.AddCleanup(func(*gc.C) {
		unsubStatus()
		unsubProducts()
		unsubTickets()
	})
}

// queueFeed arranges for the next dial to succeed with a fresh fake
// feed. Dials beyond the queue fail.
func (s *RemoteHubSuite) queueFeed() *fakeFeed {
	feed := newFakeFeed()
	s.mu.Lock()
	s.dialQueue = append(s.dialQueue, feed)
	s.mu.Unlock()
	return feed
}

func (s *RemoteHubSuite) dial(_ context.Context, config api.FeedConfig) (remotehub.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialTimes = append(s.dialTimes, s.clock.Now())
	s.dialRoles = append(s.dialRoles, config.Role)
	if len(s.dialQueue) == 0 {
		return nil, errors.New("connection refused")
	}
	feed := s.dialQueue[0]
	s.dialQueue = s.dialQueue[1:]
	return feed, nil
}

func (s *RemoteHubSuite) dials() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.dialTimes...)
}

// waitDialCount waits until exactly n dials have completed, so the
// dial queue can be changed without racing one in flight.
func (s *RemoteHubSuite) waitDialCount(c *gc.C, n int) {
	for a := coretesting.LongAttempt.Start(); a.Next(); {
		if len(s.dials()) == n {
			return
		}
	}
	c.Fatalf("dial count never reached %d, got %d", n, len(s.dials()))
}

func (s *RemoteHubSuite) newWorker(c *gc.C) *remotehub.Worker {
	w, err := remotehub.NewWorker(remotehub.Config{
		Hub:          s.hub,
		URL:          feedURL,
		Role:         params.AgentRole,
		Clock:        s.clock,
		Logger:       loggo.GetLogger("test.remotehub"),
		Dial:         s.dial,
		BaseDelay:    time.Second,
		MaxAttempts:  3,
		PingInterval: 10 * time.Second,
		PongTimeout:  s.pongTimeout,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.DirtyKill(c, w)
	})
	return w
}

func (s *RemoteHubSuite) nextStatus(c *gc.C) pscatalog.ConnectionStatus {
	select {
	case status := <-s.statuses:
		return status
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for connection status")
	}
	return pscatalog.ConnectionStatus{}
}

func (s *RemoteHubSuite) expectStatus(c *gc.C, state string, attempt int) pscatalog.ConnectionStatus {
	status := s.nextStatus(c)
	c.Assert(status.State, gc.Equals, state)
	c.Assert(status.Attempt, gc.Equals, attempt)
	return status
}

func (s *RemoteHubSuite) nextDeltas(c *gc.C, ch chan []catalog.Delta) []catalog.Delta {
	select {
	case deltas := <-ch:
		return deltas
	case <-time.After(coretesting.LongWait):
		c.Fatal("timed out waiting for republished deltas")
	}
	return nil
}

func (s *RemoteHubSuite) expectSignal(c *gc.C, ch chan struct{}, what string) {
	select {
	case <-ch:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for %s", what)
	}
}

func (s *RemoteHubSuite) TestValidateMissingHub(c *gc.C) {
	_, err := remotehub.NewWorker(remotehub.Config{
		URL:    feedURL,
		Role:   params.AgentRole,
		Clock:  s.clock,
		Logger: loggo.GetLogger("test.remotehub"),
	})
	c.Assert(err, gc.ErrorMatches, "new remote hub invalid config: missing Hub not valid")
}

func (s *RemoteHubSuite) TestValidateBadRole(c *gc.C) {
	_, err := remotehub.NewWorker(remotehub.Config{
		Hub:    s.hub,
		URL:    feedURL,
		Role:   params.Role("viewer"),
		Clock:  s.clock,
		Logger: loggo.GetLogger("test.remotehub"),
	})
	c.Assert(err, gc.ErrorMatches, `new remote hub invalid config: role "viewer" not valid`)
}

func (s *RemoteHubSuite) TestValidateMissingClock(c *gc.C) {
	_, err := remotehub.NewWorker(remotehub.Config{
		Hub:    s.hub,
		URL:    feedURL,
		Role:   params.AgentRole,
		Logger: loggo.GetLogger("test.remotehub"),
	})
	c.Assert(err, gc.ErrorMatches, "new remote hub invalid config: missing Clock not valid")
}

func (s *RemoteHubSuite) TestConnectsAndSubscribes(c *gc.C) {
	feed := s.queueFeed()
	w := s.newWorker(c)

	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)
	c.Check(feed.subscribeCount(), gc.Equals, 1)

	s.mu.Lock()
	roles := append([]params.Role(nil), s.dialRoles...)
	s.mu.Unlock()
	c.Check(roles, jc.DeepEquals, []params.Role{params.AgentRole})
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestBackoffSchedule(c *gc.C) {
	// No feed is available, so every dial fails. After k consecutive
	// failures the next dial waits k*BaseDelay, capped at
	// MaxAttempts*BaseDelay.
	w := s.newWorker(c)

	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateDisconnected, 1)
	c.Assert(s.clock.WaitAdvance(time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	s.expectStatus(c, pscatalog.StateConnecting, 2)
	s.expectStatus(c, pscatalog.StateDisconnected, 2)
	c.Assert(s.clock.WaitAdvance(2*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	// The third failure exhausts the attempt budget.
	s.expectStatus(c, pscatalog.StateConnecting, 3)
	s.expectStatus(c, pscatalog.StateDegradedPolling, 3)

	// Redialling continues in the background at the capped cadence,
	// without further transitions.
	c.Assert(s.clock.WaitAdvance(3*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(3*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	// The fifth dial can still be in flight when WaitAdvance returns;
	// only once it has failed is it safe to queue a feed for the sixth.
	s.waitDialCount(c, 5)

	// Once a dial succeeds the connection recovers directly.
	feed := s.queueFeed()
	c.Assert(s.clock.WaitAdvance(3*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.expectStatus(c, pscatalog.StateConnected, 0)
	c.Check(feed.subscribeCount(), gc.Equals, 1)
	c.Check(len(s.statuses), gc.Equals, 0)

	times := s.dials()
	c.Assert(times, gc.HasLen, 6)
	c.Check(times[1].Sub(times[0]), gc.Equals, 1*time.Second)
	c.Check(times[2].Sub(times[1]), gc.Equals, 2*time.Second)
	c.Check(times[3].Sub(times[2]), gc.Equals, 3*time.Second)
	c.Check(times[4].Sub(times[3]), gc.Equals, 3*time.Second)
	c.Check(times[5].Sub(times[4]), gc.Equals, 3*time.Second)
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestReconnectSubscribesAgain(c *gc.C) {
	first := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	second := s.queueFeed()
	first.fail(errors.New("wire cut"))
	status := s.expectStatus(c, pscatalog.StateDisconnected, 0)
	c.Assert(status.Err, gc.ErrorMatches, "feed read: wire cut")

	// A dropped connection redials after one base delay. Two timers
	// are pending by now: the heartbeat of the dead connection and
	// the redial.
	c.Assert(s.clock.WaitAdvance(time.Second, coretesting.LongWait, 2), jc.ErrorIsNil)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	// Interest was redeclared on the new connection.
	c.Check(first.subscribeCount(), gc.Equals, 1)
	c.Check(second.subscribeCount(), gc.Equals, 1)
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestSubscribeFailureRedials(c *gc.C) {
	first := s.queueFeed()
	first.setSubscribeError(errors.New("write refused"))
	w := s.newWorker(c)

	s.expectStatus(c, pscatalog.StateConnecting, 1)
	status := s.expectStatus(c, pscatalog.StateDisconnected, 1)
	c.Assert(status.Err, gc.ErrorMatches, "write refused")

	second := s.queueFeed()
	c.Assert(s.clock.WaitAdvance(time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.expectStatus(c, pscatalog.StateConnecting, 2)
	s.expectStatus(c, pscatalog.StateConnected, 0)
	c.Check(second.subscribeCount(), gc.Equals, 1)
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestRepublishesUpdates(c *gc.C) {
	feed := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	product := &catalog.Product{Id: "p-1", Name: "wrench", Stock: 3, Version: 2}
	feed.send(params.ProductUpdate{
		Type:      params.MsgProductUpdate,
		Operation: catalog.OpUpdated,
		Data:      catalog.Delta{Entity: product},
	})
	deltas := s.nextDeltas(c, s.products)
	c.Assert(deltas, gc.HasLen, 1)
	c.Check(deltas[0].Entity, gc.Equals, product)

	ticket := &catalog.Ticket{Id: "t-1", ProductId: "p-1", Status: catalog.TicketOpen, Version: 1}
	feed.send(params.TicketUpdate{
		Type:      params.MsgTicketUpdate,
		Operation: catalog.OpCreated,
		Data:      catalog.Delta{Entity: ticket},
	})
	deltas = s.nextDeltas(c, s.tickets)
	c.Assert(deltas, gc.HasLen, 1)
	c.Check(deltas[0].Entity, gc.Equals, ticket)

	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestRemovalPassesThrough(c *gc.C) {
	feed := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	feed.send(params.ProductUpdate{
		Type:      params.MsgProductUpdate,
		Operation: catalog.OpDeleted,
		Data: catalog.Delta{
			Removed: true,
			Entity:  &catalog.Product{Id: "p-9"},
		},
	})
	deltas := s.nextDeltas(c, s.products)
	c.Assert(deltas, gc.HasLen, 1)
	c.Check(deltas[0].Removed, jc.IsTrue)
	c.Check(deltas[0].Entity.EntityId().Id, gc.Equals, "p-9")
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestAnswersServerProbe(c *gc.C) {
	feed := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	feed.send(params.Ping{Type: params.MsgPing})
	s.expectSignal(c, feed.pongs, "pong answer")
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestIgnoresUnknownFrames(c *gc.C) {
	feed := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	feed.send(params.Message{Type: "checkout"})
	feed.send(params.ProductUpdate{
		Type: params.MsgProductUpdate,
		Data: catalog.Delta{Entity: &catalog.Product{Id: "p-1", Version: 1}},
	})

	// Receiving the second frame proves the first was skipped, since
	// dispatch is ordered.
	deltas := s.nextDeltas(c, s.products)
	c.Check(deltas[0].Entity.EntityId().Id, gc.Equals, "p-1")
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestHeartbeatTimeoutReconnects(c *gc.C) {
	first := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	// Two silent intervals produce pings; at the third the silence
	// reaches the pong timeout and the connection is declared dead.
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.expectSignal(c, first.pings, "first heartbeat")
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.expectSignal(c, first.pings, "second heartbeat")
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)

	status := s.expectStatus(c, pscatalog.StateDisconnected, 0)
	c.Assert(status.Err, gc.ErrorMatches, "no traffic from feed in 30s")

	second := s.queueFeed()
	c.Assert(s.clock.WaitAdvance(time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)
	c.Check(second.subscribeCount(), gc.Equals, 1)
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestTrafficStavesOffHeartbeatTimeout(c *gc.C) {
	s.pongTimeout = 15 * time.Second
	feed := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.expectSignal(c, feed.pings, "first heartbeat")

	// An update arriving between heartbeats counts as traffic.
	feed.send(params.ProductUpdate{
		Type: params.MsgProductUpdate,
		Data: catalog.Delta{Entity: &catalog.Product{Id: "p-1", Version: 1}},
	})
	s.nextDeltas(c, s.products)

	// Without the update the silence would have reached the timeout.
	c.Assert(s.clock.WaitAdvance(10*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	s.expectSignal(c, feed.pings, "second heartbeat")
	c.Check(len(s.statuses), gc.Equals, 0)
	workertest.CleanKill(c, w)
}

func (s *RemoteHubSuite) TestStopBeatsScheduledReconnect(c *gc.C) {
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateDisconnected, 1)

	// The worker is waiting out the backoff delay; stopping wins
	// without another dial.
	workertest.CleanKill(c, w)
	c.Check(s.dials(), gc.HasLen, 1)
	c.Check(len(s.statuses), gc.Equals, 0)
}

func (s *RemoteHubSuite) TestReport(c *gc.C) {
	feed := s.queueFeed()
	w := s.newWorker(c)
	s.expectStatus(c, pscatalog.StateConnecting, 1)
	s.expectStatus(c, pscatalog.StateConnected, 0)

	c.Check(w.Report(), jc.DeepEquals, map[string]interface{}{
		"url":   feedURL,
		"state": pscatalog.StateConnected,
	})

	feed.fail(errors.New("boom"))
	s.expectStatus(c, pscatalog.StateDisconnected, 0)
	c.Check(w.Report(), jc.DeepEquals, map[string]interface{}{
		"url":   feedURL,
		"state": pscatalog.StateDisconnected,
		"error": "feed read: boom",
	})
	workertest.CleanKill(c, w)
}

// fakeFeed scripts the remote end of the update feed.
type fakeFeed struct {
	frames chan interface{}
	errs   chan error
	closed chan struct{}
	once   sync.Once

	pings chan struct{}
	pongs chan struct{}

	mu           sync.Mutex
	subscribes   int
	subscribeErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		frames: make(chan interface{}, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
		pings:  make(chan struct{}, 16),
		pongs:  make(chan struct{}, 16),
	}
}

func (f *fakeFeed) send(msg interface{}) {
	f.frames <- msg
}

func (f *fakeFeed) fail(err error) {
	f.errs <- err
}

func (f *fakeFeed) setSubscribeError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeFeed) Next() (interface{}, error) {
	select {
	case msg := <-f.frames:
		return msg, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, errors.New("feed closed")
	}
}

func (f *fakeFeed) SendSubscribeProducts() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	return f.subscribeErr
}

func (f *fakeFeed) SendPing() error {
	f.pings <- struct{}{}
	return nil
}

func (f *fakeFeed) SendPong() error {
	f.pongs <- struct{}{}
	return nil
}

func (f *fakeFeed) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}
