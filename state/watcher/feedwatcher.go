// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package watcher turns catalog store mutations into normalized
// change events on the central hub. One FeedWatcher instance watches
// one collection by tailing the replica-set oplog, decodes each raw
// notification into a typed payload, filters out bookkeeping-only
// updates, and publishes the result. Normalization is synchronous and
// ordered with respect to the feed.
package watcher

import (
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/storefeed/storefeed/catalog"
	"github.com/storefeed/storefeed/mongo"
	pscatalog "github.com/storefeed/storefeed/pubsub/catalog"
)

// Hub represents a pubsub hub. The FeedWatcher only ever publishes
// events to the hub.
type Hub interface {
	Publish(topic string, data interface{}) (func(), error)
}

// Clock represents the time methods used.
type Clock interface {
	Now() time.Time
	After(time.Duration) <-chan time.Time
}

// Logger describes the logging methods used in this package by the
// worker.
type Logger interface {
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

type noOpLogger struct{}

func (noOpLogger) Errorf(string, ...interface{})   {}
func (noOpLogger) Warningf(string, ...interface{}) {}
func (noOpLogger) Infof(string, ...interface{})    {}
func (noOpLogger) Debugf(string, ...interface{})   {}
func (noOpLogger) Tracef(string, ...interface{})   {}

const (
	// maxFeedAwait bounds how long a blocked feed read waits for new
	// entries before returning empty. It also bounds how long Kill
	// can take to be noticed.
	maxFeedAwait = time.Second
)

// ErrorStrategy is used to determine how long to delay between
// attempts to reopen the feed after an error. The watcher reopens
// forever; a factor of 1 keeps the delay constant.
//
// It must not be changed when any watchers are active.
var ErrorStrategy retry.Strategy = retry.Exponential{
	Initial: 5 * time.Second,
	Factor:  1.0,
}

// bookkeepingFields are set on every store write; an update that
// touches nothing else carries no presentation-relevant information
// and is not published.
var bookkeepingFields = set.NewStrings("version", "updated-at")

// changeDoc is the shape of a feed notification, as produced by the
// oplog reader.
type changeDoc struct {
	OperationType     string             `bson:"operationType"`
	FullDocument      bson.Raw           `bson:"fullDocument"`
	DocumentKey       documentKey        `bson:"documentKey"`
	UpdateDescription *updateDescription `bson:"updateDescription"`
}

type documentKey struct {
	Id string `bson:"_id"`
}

type updateDescription struct {
	UpdatedFields bson.M   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

// FeedWatcherConfig contains the configuration parameters required
// for a NewFeedWatcher.
type FeedWatcherConfig struct {
	// Session is used exclusively for this FeedWatcher.
	Session *mgo.Session
	// Database is the catalog database name.
	Database string
	// Kind selects the collection to watch and the decoder to use:
	// catalog.ProductKind or catalog.TicketKind.
	Kind string
	// Hub is where the changes are published to.
	Hub Hub
	// Clock allows tests to control the advancing of time.
	Clock Clock
	// Logger is used to control where the log messages for this
	// watcher go.
	Logger Logger
	// WatchFunc can be overridden in tests to control what feed the
	// watcher reads. When it is set the Session is not used.
	WatchFunc func(resumeAfter *bson.Raw) (mongo.ChangeReader, error)
}

// Validate ensures that all the values that have to be set are set.
func (config FeedWatcherConfig) Validate() error {
	if config.Session == nil && config.WatchFunc == nil {
		return errors.NotValidf("missing Session")
	}
	if config.Database == "" {
		return errors.NotValidf("missing Database")
	}
	if config.Kind != catalog.ProductKind && config.Kind != catalog.TicketKind {
		return errors.NotValidf("kind %q", config.Kind)
	}
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// A FeedWatcher watches one catalog collection and publishes all
// change events to the hub.
type FeedWatcher struct {
	hub    Hub
	clock  Clock
	logger Logger

	tomb       tomb.Tomb
	watchFunc  func(resumeAfter *bson.Raw) (mongo.ChangeReader, error)
	session    *mgo.Session
	database   string
	kind       string
	collection string

	// resumeToken is the feed position of the last decoded event,
	// used to reopen the feed without losing changes.
	resumeToken *bson.Raw

	reportRequest chan chan map[string]interface{}

	// changesCount tracks all decoded events, filteredCount the ones
	// dropped as bookkeeping-only, restartCount the feed reopens.
	changesCount  uint64
	filteredCount uint64
	restartCount  uint64
}

// NewFeedWatcher returns a new watcher observing the collection
// selected by the configured kind.
func NewFeedWatcher(config FeedWatcherConfig) (*FeedWatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new FeedWatcher invalid config")
	}
	w := &FeedWatcher{
		hub:           config.Hub,
		clock:         config.Clock,
		logger:        config.Logger,
		session:       config.Session,
		database:      config.Database,
		kind:          config.Kind,
		watchFunc:     config.WatchFunc,
		reportRequest: make(chan chan map[string]interface{}),
	}
	switch config.Kind {
	case catalog.ProductKind:
		w.collection = "products"
	case catalog.TicketKind:
		w.collection = "tickets"
	}
	if w.watchFunc == nil {
		w.watchFunc = w.watch
	}
	if w.logger == nil {
		w.logger = noOpLogger{}
	}
	w.tomb.Go(func() error {
		err := w.loop()
		cause := errors.Cause(err)
		// tomb expects ErrDying or ErrStillAlive as
		// exact values, so we need to log and unwrap
		// the error first.
		if err != nil && cause != tomb.ErrDying {
			w.logger.Infof("feed watcher loop failed: %v", err)
		}
		return cause
	})
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *FeedWatcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *FeedWatcher) Wait() error {
	return w.tomb.Wait()
}

// Dead returns a channel that is closed when the watcher has stopped.
func (w *FeedWatcher) Dead() <-chan struct{} {
	return w.tomb.Dead()
}

// Err returns the error with which the watcher stopped. It returns
// nil if the watcher stopped cleanly, tomb.ErrStillAlive if the
// watcher is still running properly, or the respective error if the
// watcher is terminating or has terminated with an error.
func (w *FeedWatcher) Err() error {
	return w.tomb.Err()
}

// Report is part of the worker Reporting interface, to expose runtime
// details of the watcher.
func (w *FeedWatcher) Report() map[string]interface{} {
	resCh := make(chan map[string]interface{})
	select {
	case <-w.tomb.Dying():
		return nil
	case w.reportRequest <- resCh:
	}
	select {
	case <-w.tomb.Dying():
		return nil
	case res := <-resCh:
		return res
	}
}

func (w *FeedWatcher) report() map[string]interface{} {
	return map[string]interface{}{
		"collection":       w.collection,
		"changes-count":    w.changesCount,
		"filtered-count":   w.filteredCount,
		"restart-count":    w.restartCount,
		"has-resume-token": w.resumeToken != nil,
	}
}

// watch is the production WatchFunc: a tailing reader on the
// replica-set oplog, filtered to the watched collection.
func (w *FeedWatcher) watch(resumeAfter *bson.Raw) (mongo.ChangeReader, error) {
	if w.session.Ping() != nil {
		w.session.Refresh()
	}
	return mongo.NewOplogReader(mongo.OplogReaderConfig{
		Session:     w.session,
		Database:    w.database,
		Collection:  w.collection,
		ResumeAfter: resumeAfter,
		MaxAwait:    maxFeedAwait,
	})
}

// loop opens the feed and keeps draining it until the watcher is
// killed, reopening from the last resume token after transient
// errors.
func (w *FeedWatcher) loop() error {
	w.logger.Tracef("loop started")
	defer w.logger.Tracef("loop finished")

	started := false
	retryCount := 0
	var backoff retry.Timer
	for {
		cs, err := w.watchFunc(w.resumeToken)
		if err == nil {
			if !started {
				started = true
				w.publish(pscatalog.FeedStartedTopic, nil)
			}
			if retryCount > 0 {
				w.logger.Tracef("%s feed recovered after %d retries", w.collection, retryCount)
			}
			retryCount = 0
			backoff = nil
			err = w.drain(cs)
			closeErr := cs.Close()
			if errors.Cause(err) == tomb.ErrDying {
				return errors.Trace(err)
			}
			if err == nil {
				err = closeErr
			}
			if err == nil {
				err = errors.Errorf("%s feed closed", w.collection)
			}
			w.restartCount++
		} else if w.resumeToken != nil {
			// The stored position may have aged out of the oplog;
			// reorigin rather than fail forever.
			w.logger.Warningf("cannot resume %s feed, restarting from now: %v", w.collection, err)
			w.resumeToken = nil
			continue
		}
		w.logger.Warningf("%s feed error: %v\ncurrent retry count %d", w.collection, err, retryCount)
		w.publishError(err)
		retryCount++
		if backoff == nil {
			// An error occurred so set up the error retry strategy.
			backoff = ErrorStrategy.NewTimer(w.clock.Now())
		}
		d, ok := backoff.NextSleep(w.clock.Now())
		if !ok {
			// This shouldn't happen, but be defensive.
			backoff = ErrorStrategy.NewTimer(w.clock.Now())
			d, _ = backoff.NextSleep(w.clock.Now())
		}
		select {
		case <-w.tomb.Dying():
			return errors.Trace(tomb.ErrDying)
		case <-w.clock.After(d):
		}
	}
}

// drain reads the feed until it errors or the watcher dies.
func (w *FeedWatcher) drain(cs mongo.ChangeReader) error {
	var doc changeDoc
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case resCh := <-w.reportRequest:
			select {
			case resCh <- w.report():
			case <-w.tomb.Dying():
				return tomb.ErrDying
			}
		default:
		}
		doc = changeDoc{}
		if cs.Next(&doc) {
			if token := cs.ResumeToken(); token != nil {
				w.resumeToken = token
			}
			if err := w.dispatch(doc); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if cs.Timeout() {
			// No changes within the await window; go around and
			// check for death.
			continue
		}
		if err := cs.Err(); err != nil {
			return errors.Trace(err)
		}
		// The cursor died without an error, which happens when the
		// tailed position falls off the end of the capped oplog.
		// Reorigin.
		w.resumeToken = nil
		return errors.Errorf("%s feed cursor invalidated", w.collection)
	}
}

// dispatch normalizes one raw change and publishes it.
func (w *FeedWatcher) dispatch(doc changeDoc) error {
	var operation string
	switch doc.OperationType {
	case "insert":
		operation = catalog.OpCreated
	case "update", "replace":
		operation = catalog.OpUpdated
	case "delete":
		operation = catalog.OpDeleted
	case "invalidate":
		w.resumeToken = nil
		return errors.Errorf("%s feed invalidated", w.collection)
	default:
		w.logger.Debugf("ignoring %s feed operation %q", w.collection, doc.OperationType)
		return nil
	}

	changed := changedFields(doc)
	if operation == catalog.OpUpdated && doc.OperationType == "update" && len(changed) == 0 {
		// Bookkeeping-only touch, nothing presentation-relevant.
		w.filteredCount++
		return nil
	}
	if operation != catalog.OpDeleted && len(doc.FullDocument.Data) == 0 {
		// The post-image lookup raced a deletion; the delete event
		// is right behind this one.
		w.logger.Debugf("no document for %s %q change, skipping", w.kind, doc.DocumentKey.Id)
		return nil
	}

	w.changesCount++
	now := w.clock.Now()
	switch w.kind {
	case catalog.ProductKind:
		change := pscatalog.ProductChange{
			Operation:  operation,
			Id:         doc.DocumentKey.Id,
			Changed:    changed,
			ObservedAt: now,
		}
		if operation != catalog.OpDeleted {
			if err := doc.FullDocument.Unmarshal(&change.Product); err != nil {
				return errors.Annotatef(err, "cannot decode product %q", doc.DocumentKey.Id)
			}
		}
		w.publish(pscatalog.ProductChangeTopic, change)
	case catalog.TicketKind:
		change := pscatalog.TicketChange{
			Operation:  operation,
			Id:         doc.DocumentKey.Id,
			Changed:    changed,
			ObservedAt: now,
		}
		if operation != catalog.OpDeleted {
			if err := doc.FullDocument.Unmarshal(&change.Ticket); err != nil {
				return errors.Annotatef(err, "cannot decode ticket %q", doc.DocumentKey.Id)
			}
		}
		w.publish(pscatalog.TicketChangeTopic, change)
	}
	return nil
}

// changedFields extracts the presentation-relevant field names from
// an update description.
func changedFields(doc changeDoc) []string {
	if doc.UpdateDescription == nil {
		return nil
	}
	fields := set.NewStrings()
	for name := range doc.UpdateDescription.UpdatedFields {
		if !bookkeepingFields.Contains(name) {
			fields.Add(name)
		}
	}
	for _, name := range doc.UpdateDescription.RemovedFields {
		if !bookkeepingFields.Contains(name) {
			fields.Add(name)
		}
	}
	if fields.Size() == 0 {
		return nil
	}
	return fields.SortedValues()
}

func (w *FeedWatcher) publish(topic string, data interface{}) {
	if _, err := w.hub.Publish(topic, data); err != nil {
		w.logger.Errorf("cannot publish %s: %v", topic, err)
	}
}

func (w *FeedWatcher) publishError(err error) {
	w.publish(pscatalog.FeedErrorTopic, pscatalog.FeedError{Message: err.Error()})
}
