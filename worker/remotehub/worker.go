// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remotehub maintains an agent's connection to the storefeed
// update feed. It owns the reconnect state machine: linear backoff
// between dial attempts, degradation to polling mode once the attempt
// budget is spent, background redial at a fixed cadence while
// degraded, and application-level heartbeats that turn a silent
// connection into a transport failure. Received updates and every
// state transition are republished on the agent's local hub.
package remotehub

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/storefeed/storefeed/api"
	"github.com/storefeed/storefeed/catalog"
	"github.com/storefeed/storefeed/params"
	pscatalog "github.com/storefeed/storefeed/pubsub/catalog"
)

// Logger describes the logging methods used in this package by the
// worker.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Feed is a live connection to the update feed.
type Feed interface {
	Next() (interface{}, error)
	SendSubscribeProducts() error
	SendPing() error
	SendPong() error
	Close() error
}

// DialFunc opens a Feed. The production implementation wraps
// api.DialFeed.
type DialFunc func(ctx context.Context, config api.FeedConfig) (Feed, error)

func dialFeed(ctx context.Context, config api.FeedConfig) (Feed, error) {
	feed, err := api.DialFeed(ctx, config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return feed, nil
}

const (
	defaultBaseDelay    = time.Second
	defaultMaxAttempts  = 5
	defaultPingInterval = 30 * time.Second
)

// Config holds the dependencies and parameters of the feed connection
// worker.
type Config struct {
	// Hub is the agent's local hub; updates and connection state
	// transitions are published there.
	Hub *pubsub.SimpleHub

	// URL is the feed endpoint, e.g. "ws://10.0.0.1:17700/watch".
	URL string

	// Role declares the subscriber class on connect.
	Role params.Role

	Clock  clock.Clock
	Logger Logger

	// Dial can be overridden in tests. Defaults to api.DialFeed.
	Dial DialFunc

	// BaseDelay is the linear backoff unit: after k consecutive
	// failures the next dial waits k*BaseDelay, capped at
	// MaxAttempts*BaseDelay. Defaults to one second.
	BaseDelay time.Duration

	// MaxAttempts is how many consecutive failures are tolerated
	// before the connection degrades to polling mode. Dialling
	// continues afterwards at the capped cadence. Defaults to 5.
	MaxAttempts int

	// PingInterval is the heartbeat cadence on an established
	// connection. Defaults to 30 seconds.
	PingInterval time.Duration

	// PongTimeout is how long the connection may stay silent before
	// it is declared failed. Defaults to three ping intervals.
	PongTimeout time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.URL == "" {
		return errors.NotValidf("missing URL")
	}
	if err := config.Role.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Worker maintains the feed connection for an agent.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	mu      sync.Mutex
	state   string
	attempt int
	lastErr error
}

// NewWorker returns a running feed connection worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new remote hub invalid config")
	}
	if config.Dial == nil {
		config.Dial = dialFeed
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 3 * config.PingInterval
	}
	w := &Worker{
		config: config,
		state:  pscatalog.StateDisconnected,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Report is part of the Reporter interface.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	report := map[string]interface{}{
		"url":   w.config.URL,
		"state": w.state,
	}
	if w.attempt > 0 {
		report["attempt"] = w.attempt
	}
	if w.lastErr != nil {
		report["error"] = w.lastErr.Error()
	}
	return report
}

// transition records and publishes a state machine transition.
func (w *Worker) transition(state string, attempt int, cause error) {
	w.mu.Lock()
	w.state = state
	w.attempt = attempt
	w.lastErr = cause
	w.mu.Unlock()
	if cause != nil {
		w.config.Logger.Debugf("feed connection %s (attempt %d): %v", state, attempt, cause)
	} else {
		w.config.Logger.Debugf("feed connection %s", state)
	}
	w.config.Hub.Publish(pscatalog.RemoteConnectionTopic, pscatalog.ConnectionStatus{
		State:   state,
		Attempt: attempt,
		Err:     cause,
	})
}

func (w *Worker) loop() error {
	// Dials are aborted when the worker is killed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.catacomb.Dying()
		cancel()
	}()

	// failures counts everything that schedules a redial, including
	// a dropped established connection, and drives the backoff
	// delay. attempts counts consecutive failed dials only and
	// drives degradation. A stop request beats any scheduled
	// redial.
	failures := 0
	attempts := 0
	degraded := false
	for {
		if failures > 0 {
			n := failures
			if n > w.config.MaxAttempts {
				n = w.config.MaxAttempts
			}
			select {
			case <-w.catacomb.Dying():
				return w.catacomb.ErrDying()
			case <-w.config.Clock.After(time.Duration(n) * w.config.BaseDelay):
			}
		}
		if !degraded {
			w.transition(pscatalog.StateConnecting, attempts+1, nil)
		}
		feed, err := w.config.Dial(ctx, api.FeedConfig{
			URL:  w.config.URL,
			Role: w.config.Role,
		})
		if err != nil {
			select {
			case <-w.catacomb.Dying():
				return w.catacomb.ErrDying()
			default:
			}
			failures++
			attempts++
			w.config.Logger.Debugf("dial %s attempt %d: %v", w.config.URL, attempts, err)
			switch {
			case degraded:
				// Stay degraded; keep trying in the background.
			case attempts >= w.config.MaxAttempts:
				degraded = true
				w.config.Logger.Warningf("feed %s unreachable after %d attempts, degrading to polling", w.config.URL, attempts)
				w.transition(pscatalog.StateDegradedPolling, attempts, err)
			default:
				w.transition(pscatalog.StateDisconnected, attempts, err)
			}
			continue
		}

		// Interest must be redeclared on every connection.
		if err := feed.SendSubscribeProducts(); err != nil {
			feed.Close()
			failures++
			attempts++
			w.config.Logger.Debugf("subscribing on %s: %v", w.config.URL, err)
			if !degraded {
				w.transition(pscatalog.StateDisconnected, attempts, err)
			}
			continue
		}
		failures = 0
		attempts = 0
		degraded = false
		w.transition(pscatalog.StateConnected, 0, nil)

		err = w.serve(feed)
		feed.Close()
		if errors.Cause(err) == errDying {
			return w.catacomb.ErrDying()
		}
		w.config.Logger.Infof("feed connection lost: %v", err)
		failures = 1
		w.transition(pscatalog.StateDisconnected, 0, err)
	}
}

// errDying is a sentinel distinguishing a stop request from a
// transport failure in serve's return value.
var errDying = errors.New("dying")

// serve pumps the established connection: republishing updates,
// answering probes, and probing the server itself. It returns errDying
// on a stop request and the transport failure otherwise.
func (w *Worker) serve(feed Feed) error {
	// The reader goroutine lives no longer than this call: done is
	// closed on return, and the caller closes the feed, failing any
	// blocked Next.
	done := make(chan struct{})
	defer close(done)
	frames := make(chan interface{})
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := feed.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-done:
				return
			}
		}
	}()

	lastTraffic := w.config.Clock.Now()
	ping := w.config.Clock.After(w.config.PingInterval)
	for {
		select {
		case <-w.catacomb.Dying():
			return errDying
		case err := <-readErr:
			return errors.Annotate(err, "feed read")
		case msg := <-frames:
			lastTraffic = w.config.Clock.Now()
			w.dispatch(msg, feed)
		case <-ping:
			if silence := w.config.Clock.Now().Sub(lastTraffic); silence >= w.config.PongTimeout {
				return errors.Errorf("no traffic from feed in %v", silence)
			}
			if err := feed.SendPing(); err != nil {
				return errors.Annotate(err, "heartbeat write")
			}
			ping = w.config.Clock.After(w.config.PingInterval)
		}
	}
}

// dispatch republishes one decoded frame on the local hub.
func (w *Worker) dispatch(msg interface{}, feed Feed) {
	switch m := msg.(type) {
	case params.ProductUpdate:
		w.config.Hub.Publish(pscatalog.RemoteProductUpdateTopic, []catalog.Delta{m.Data})
	case params.TicketUpdate:
		w.config.Hub.Publish(pscatalog.RemoteTicketUpdateTopic, []catalog.Delta{m.Data})
	case params.Ping:
		if err := feed.SendPong(); err != nil {
			w.config.Logger.Debugf("answering probe: %v", err)
		}
	case params.Pong:
		// Traffic alone proves liveness.
	case params.Message:
		w.config.Logger.Debugf("ignoring frame type %q", m.Type)
	default:
		w.config.Logger.Debugf("ignoring unexpected frame %T", msg)
	}
}
