// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Command storefeedd serves the live catalog feed. It watches the
// product and ticket collections by tailing the MongoDB oplog,
// normalizes every mutation into a typed event on the central hub, and
// fans the events out to websocket subscribers alongside a JSON read
// API for polling consumers.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"

	"github.com/storefeed/storefeed/apiserver"
	"github.com/storefeed/storefeed/catalog"
	"github.com/storefeed/storefeed/mongo"
	"github.com/storefeed/storefeed/pubsub/centralhub"
	"github.com/storefeed/storefeed/state"
	"github.com/storefeed/storefeed/state/watcher"
	"github.com/storefeed/storefeed/version"
	sfworker "github.com/storefeed/storefeed/worker"
)

var logger = loggo.GetLogger("storefeed.daemon")

const (
	// mongoDialAttempts bounds the initial database dial before the
	// daemon gives up and exits. The service manager restarts us.
	mongoDialAttempts = 10

	mongoDialRetryDelay = 2 * time.Second
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses the command line and runs the daemon. It is split from
// main so tests can drive it.
func Main(args []string) int {
	f := gnuflag.NewFlagSetWithFlagKnownAs("storefeedd", gnuflag.ContinueOnError, "option")
	f.SetOutput(os.Stderr)
	configPath := f.String("config", "/etc/storefeed/storefeedd.yaml", "path to the configuration file")
	logConfig := f.String("log-config", "", "override the configured loggo specification")
	showVersion := f.Bool("version", false, "print the version and exit")
	if err := f.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "storefeedd: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Fprintln(os.Stdout, version.Current)
		return 0
	}
	config, err := ReadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storefeedd: %v\n", err)
		return 1
	}
	if *logConfig != "" {
		config.LoggingConfig = *logConfig
	}
	if err := setupLogging(config); err != nil {
		fmt.Fprintf(os.Stderr, "storefeedd: %v\n", err)
		return 1
	}
	if err := run(config); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func setupLogging(config Config) error {
	if config.LogFile != "" {
		writer := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.LogFileMaxSizeMB,
			MaxBackups: config.LogFileMaxBackups,
			Compress:   true,
		}
		_, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
		if err != nil {
			return errors.Annotate(err, "cannot set up log file")
		}
	}
	if err := loggo.ConfigureLoggers(config.LoggingConfig); err != nil {
		return errors.Annotate(err, "cannot configure loggers")
	}
	return nil
}

func run(config Config) error {
	logger.Infof("storefeedd %s starting", version.Current)
	session, err := dialMongo(config)
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()

	store, err := state.NewStore(state.StoreConfig{
		Session:  session,
		Database: config.Mongo.Database,
		Clock:    clock.WallClock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	hub := centralhub.New()

	runner := worker.NewRunner(worker.RunnerParams{
		IsFatal:      func(error) bool { return false },
		RestartDelay: sfworker.RestartDelay,
		Clock:        clock.WallClock,
		Logger:       logger,
	})

	probeInterval, _ := config.probeInterval()
	err = runner.StartWorker("api-server", func() (worker.Worker, error) {
		listener, err := net.Listen("tcp", config.Addr)
		if err != nil {
			return nil, errors.Annotatef(err, "cannot listen on %q", config.Addr)
		}
		return apiserver.NewServer(apiserver.ServerConfig{
			Listener:      listener,
			Hub:           hub,
			Catalog:       store,
			Clock:         clock.WallClock,
			Origin:        config.Origin,
			ProbeInterval: probeInterval,
		})
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, kind := range []string{catalog.ProductKind, catalog.TicketKind} {
		kind := kind
		err := runner.StartWorker(kind+"-feed", func() (worker.Worker, error) {
			return newFeedWatcher(session, config.Mongo.Database, kind, hub)
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return waitSignal(runner)
}

// newFeedWatcher starts a change feed watcher on its own copy of the
// session, closed when the watcher dies.
func newFeedWatcher(session *mgo.Session, database, kind string, hub watcher.Hub) (worker.Worker, error) {
	sessionCopy := session.Copy()
	w, err := watcher.NewFeedWatcher(watcher.FeedWatcherConfig{
		Session:  sessionCopy,
		Database: database,
		Kind:     kind,
		Hub:      hub,
		Clock:    clock.WallClock,
		Logger:   loggo.GetLogger("storefeed.watcher." + kind),
	})
	if err != nil {
		sessionCopy.Close()
		return nil, errors.Trace(err)
	}
	go func() {
		_ = w.Wait()
		sessionCopy.Close()
	}()
	return w, nil
}

func dialMongo(config Config) (*mgo.Session, error) {
	info := mongo.Info{
		Addrs:    config.Mongo.Addrs,
		Database: config.Mongo.Database,
		Username: config.Mongo.Username,
		Password: config.Mongo.Password,
	}
	opts := mongo.DefaultDialOpts()
	if d, _ := config.Mongo.dialTimeout(); d > 0 {
		opts.Timeout = d
	}
	var session *mgo.Session
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			session, err = mongo.Open(info, opts)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("cannot dial mongo (attempt %d): %v", attempt, err)
		},
		Attempts: mongoDialAttempts,
		Delay:    mongoDialRetryDelay,
		Clock:    clock.WallClock,
	})
	if err != nil {
		return nil, errors.Annotate(err, "dialling mongo")
	}
	return session, nil
}

// waitSignal runs the workers until the process is told to stop.
func waitSignal(runner *worker.Runner) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() {
		done <- runner.Wait()
	}()
	select {
	case sig := <-sigCh:
		logger.Infof("received %v, shutting down", sig)
		runner.Kill()
		return errors.Trace(<-done)
	case err := <-done:
		return errors.Trace(err)
	}
}
