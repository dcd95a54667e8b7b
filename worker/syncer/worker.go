// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package syncer maintains the storefront agent's local view of the
// catalog. Pushed deltas and reconciliation polls merge into one
// cache under a single staleness rule: a snapshot is applied only if
// it is strictly newer than what is cached. While the push channel is
// degraded the worker polls the catalog read API on a timer,
// converging the cache to the server's state without regressing past
// newer pushed data.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/ratelimit"
	"github.com/juju/worker/v4/catacomb"

	"github.com/storefeed/storefeed/catalog"
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

// CatalogClient fetches the full current product collection from the
// catalog read API.
type CatalogClient interface {
	Products(ctx context.Context) ([]catalog.Product, error)
}

const (
	defaultPollInterval    = 30 * time.Second
	defaultMinPollInterval = 5 * time.Second
)

// Config holds the dependencies and parameters of the sync agent
// worker.
type Config struct {
	// Hub is the agent's local hub carrying pushed deltas and
	// connection state transitions.
	Hub *pubsub.SimpleHub

	// Client serves the reconciliation polls.
	Client CatalogClient

	Clock  clock.Clock
	Logger Logger

	// PollInterval is the reconciliation cadence while the push
	// channel is degraded. Defaults to 30 seconds.
	PollInterval time.Duration

	// MinPollInterval bounds how often PollOnce actually polls, no
	// matter how often it is called. Defaults to 5 seconds.
	MinPollInterval time.Duration

	// Notify, when set, is called after every actual cache change.
	Notify NotifyFunc
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.Client == nil {
		return errors.NotValidf("missing Client")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Worker is the sync agent. It applies pushed deltas as they arrive,
// and reconciles against the read API while the connection manager
// reports the push channel degraded.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	cache    *Cache
	bucket   *ratelimit.Bucket

	statusChanges chan pscatalog.ConnectionStatus

	mu    sync.Mutex
	state string
}

// NewWorker returns a running sync agent worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new syncer invalid config")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.MinPollInterval <= 0 {
		config.MinPollInterval = defaultMinPollInterval
	}
	cache, err := NewCache(CacheConfig{
		Clock:  config.Clock,
		Logger: config.Logger,
		Notify: config.Notify,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:        config,
		cache:         cache,
		bucket:        ratelimit.NewBucketWithClock(config.MinPollInterval, 1, bucketClock{config.Clock}),
		statusChanges: make(chan pscatalog.ConnectionStatus, 16),
		state:         pscatalog.StateDisconnected,
	}
	unsubProducts := config.Hub.Subscribe(pscatalog.RemoteProductUpdateTopic, w.onDeltas)
	unsubTickets := config.Hub.Subscribe(pscatalog.RemoteTicketUpdateTopic, w.onDeltas)
	unsubStatus := config.Hub.Subscribe(pscatalog.RemoteConnectionTopic, w.onConnectionStatus)
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: func() error {
			defer unsubProducts()
			defer unsubTickets()
			defer unsubStatus()
			return w.loop()
		},
	}); err != nil {
		unsubProducts()
		unsubTickets()
		unsubStatus()
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
	return map[string]interface{}{
		"entries": w.cache.Len(),
		"state":   w.state,
		"polling": w.state == pscatalog.StateDegradedPolling,
	}
}

// GetCached returns a copy of the cached snapshot for the given
// entity, if any. It never triggers network activity.
func (w *Worker) GetCached(id catalog.EntityId) (catalog.EntityInfo, bool) {
	return w.cache.GetCached(id)
}

// onDeltas applies a batch of pushed deltas. Push application does
// not depend on the connection state: whatever arrives is merged.
func (w *Worker) onDeltas(_ string, data interface{}) {
	deltas, ok := data.([]catalog.Delta)
	if !ok {
		w.config.Logger.Warningf("unexpected delta payload %T", data)
		return
	}
	w.cache.ApplyDeltas(deltas)
}

func (w *Worker) onConnectionStatus(_ string, data interface{}) {
	status, ok := data.(pscatalog.ConnectionStatus)
	if !ok {
		w.config.Logger.Warningf("unexpected status payload %T", data)
		return
	}
	select {
	case w.statusChanges <- status:
	case <-w.catacomb.Dying():
	}
}

func (w *Worker) loop() error {
	// Polls are aborted when the worker is killed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.catacomb.Dying()
		cancel()
	}()

	var poll <-chan time.Time
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case status := <-w.statusChanges:
			w.mu.Lock()
			w.state = status.State
			w.mu.Unlock()
			switch status.State {
			case pscatalog.StateDegradedPolling:
				if poll == nil {
					w.config.Logger.Infof("push channel degraded; reconciling every %v", w.config.PollInterval)
					// Poll immediately to close the gap, then on
					// the timer.
					w.PollOnce(ctx)
					poll = w.config.Clock.After(w.config.PollInterval)
				}
			case pscatalog.StateConnected:
				if poll != nil {
					w.config.Logger.Infof("push channel restored; reconciliation polling suspended")
					poll = nil
				}
			}
		case <-poll:
			w.PollOnce(ctx)
			poll = w.config.Clock.After(w.config.PollInterval)
		}
	}
}

// PollOnce fetches the full product collection and merges it into the
// cache through the same apply path as pushed deltas. Calls beyond
// the minimum poll interval are skipped, and a failed fetch is a
// missed cycle rather than an error: the next tick retries.
func (w *Worker) PollOnce(ctx context.Context) {
	if w.bucket.TakeAvailable(1) == 0 {
		w.config.Logger.Tracef("poll skipped by rate limit")
		return
	}
	began := w.config.Clock.Now()
	products, err := w.config.Client.Products(ctx)
	if err != nil {
		w.config.Logger.Debugf("reconciliation poll: %v", err)
		return
	}
	seen := set.NewStrings()
	changed := 0
	for i := range products {
		seen.Add(products[i].Id)
		if w.cache.ApplyDelta(catalog.Delta{Entity: &products[i]}) {
			changed++
		}
	}
	pruned := w.cache.PruneMissing(catalog.ProductKind, seen, began)
	w.config.Logger.Debugf("reconciled %d products: %d applied, %d pruned", len(products), changed, pruned)
}

// bucketClock adapts a clock.Clock to what the token bucket wants.
type bucketClock struct {
	clock.Clock
}

func (c bucketClock) Sleep(d time.Duration) {
	<-c.After(d)
}
