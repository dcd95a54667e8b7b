// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Command storefeed-agent keeps a local catalog cache synchronized
// with a storefeed server. It holds a websocket subscription to the
// live feed, reconnecting on a linear backoff when the connection
// drops, and falls back to polling the read API while the feed stays
// unreachable. Every actual cache change is rendered to the log.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"

	"github.com/storefeed/storefeed/api"
	"github.com/storefeed/storefeed/catalog"
	"github.com/storefeed/storefeed/params"
	"github.com/storefeed/storefeed/version"
	sfworker "github.com/storefeed/storefeed/worker"
	"github.com/storefeed/storefeed/worker/remotehub"
	"github.com/storefeed/storefeed/worker/syncer"
)

var (
	logger  = loggo.GetLogger("storefeed.agent")
	display = loggo.GetLogger("storefeed.display")
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses the command line and runs the agent. It is split from
// main so tests can drive it.
func Main(args []string) int {
	f := gnuflag.NewFlagSetWithFlagKnownAs("storefeed-agent", gnuflag.ContinueOnError, "option")
	f.SetOutput(os.Stderr)
	configPath := f.String("config", "/etc/storefeed/agent.yaml", "path to the configuration file")
	logConfig := f.String("log-config", "", "override the configured loggo specification")
	showVersion := f.Bool("version", false, "print the version and exit")
	if err := f.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "storefeed-agent: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Fprintln(os.Stdout, version.Current)
		return 0
	}
	config, err := ReadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storefeed-agent: %v\n", err)
		return 1
	}
	if *logConfig != "" {
		config.LoggingConfig = *logConfig
	}
	if err := setupLogging(config); err != nil {
		fmt.Fprintf(os.Stderr, "storefeed-agent: %v\n", err)
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
	logger.Infof("storefeed-agent %s starting, server %s", version.Current, config.ServerURL)
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("storefeed.hub"),
	})
	client, err := api.NewClient(api.ClientConfig{BaseURL: config.ServerURL})
	if err != nil {
		return errors.Trace(err)
	}
	feedURL, err := config.feedURL()
	if err != nil {
		return errors.Trace(err)
	}

	runner := worker.NewRunner(worker.RunnerParams{
		IsFatal:      func(error) bool { return false },
		RestartDelay: sfworker.RestartDelay,
		Clock:        clock.WallClock,
		Logger:       logger,
	})

	baseDelay, _ := config.reconnectBaseDelay()
	err = runner.StartWorker("remote-hub", func() (worker.Worker, error) {
		return remotehub.NewWorker(remotehub.Config{
			Hub:         hub,
			URL:         feedURL,
			Role:        params.Role(config.Role),
			Clock:       clock.WallClock,
			Logger:      loggo.GetLogger("storefeed.remotehub"),
			BaseDelay:   baseDelay,
			MaxAttempts: config.ReconnectMaxAttempts,
		})
	})
	if err != nil {
		return errors.Trace(err)
	}
	pollInterval, _ := config.pollInterval()
	minPollInterval, _ := config.minPollInterval()
	err = runner.StartWorker("syncer", func() (worker.Worker, error) {
		return syncer.NewWorker(syncer.Config{
			Hub:             hub,
			Client:          client,
			Clock:           clock.WallClock,
			Logger:          loggo.GetLogger("storefeed.syncer"),
			PollInterval:    pollInterval,
			MinPollInterval: minPollInterval,
			Notify:          renderChange,
		})
	})
	if err != nil {
		return errors.Trace(err)
	}
	return waitSignal(runner)
}

// renderChange is the presentation hook: every actual cache change is
// rendered to the display log, the way a storefront repaints a tile.
// A nil info means the entity is gone.
func renderChange(id catalog.EntityId, info catalog.EntityInfo) {
	if info == nil {
		display.Infof("%s %s removed", id.Kind, id.Id)
		return
	}
	switch e := info.(type) {
	case *catalog.Product:
		state := "on sale"
		if !e.Active {
			state = "hidden"
		}
		display.Infof("product %s %q price %.2f stock %d (%s)", e.Id, e.Name, e.Price, e.Stock, state)
	case *catalog.Ticket:
		display.Infof("ticket %s [%s] %q priority %d", e.Id, e.Status, e.Subject, e.Priority)
	default:
		display.Infof("%s %s updated", id.Kind, id.Id)
	}
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
