// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config is the storefeedd configuration, read from a YAML file.
// Durations are Go duration strings, e.g. "30s".
type Config struct {
	// Addr is the address the api server listens on.
	Addr string `yaml:"addr"`

	// Origin names this server in feed handshake frames.
	Origin string `yaml:"origin"`

	// LoggingConfig is a loggo specification, e.g.
	// "<root>=INFO;storefeed.watcher=DEBUG".
	LoggingConfig string `yaml:"logging-config"`

	// LogFile, when set, sends log output to a rotated file instead
	// of stderr.
	LogFile           string `yaml:"log-file"`
	LogFileMaxSizeMB  int    `yaml:"log-file-max-size"`
	LogFileMaxBackups int    `yaml:"log-file-max-backups"`

	// ProbeInterval overrides how often idle feed subscribers are
	// pinged. Empty means the server default.
	ProbeInterval string `yaml:"probe-interval"`

	Mongo MongoConfig `yaml:"mongo"`
}

// MongoConfig locates the catalog database.
type MongoConfig struct {
	Addrs    []string `yaml:"addrs"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	// DialTimeout bounds a single dial attempt. Empty means the
	// default dial options.
	DialTimeout string `yaml:"dial-timeout"`
}

// DefaultConfig returns the configuration used for anything the file
// does not mention.
func DefaultConfig() Config {
	return Config{
		Addr:              ":17700",
		Origin:            "storefeedd",
		LoggingConfig:     "<root>=INFO",
		LogFileMaxSizeMB:  300,
		LogFileMaxBackups: 2,
		Mongo: MongoConfig{
			Addrs:    []string{"localhost:27017"},
			Database: "storefeed",
		},
	}
}

// ReadConfig reads, decodes and validates the configuration file at
// path, filling in defaults for anything unspecified.
func ReadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Annotatef(err, "parsing %q", path)
	}
	if err := config.Validate(); err != nil {
		return Config{}, errors.Annotatef(err, "config %q", path)
	}
	return config, nil
}

// Validate returns an error if the configuration cannot be used.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.NotValidf("missing addr")
	}
	if len(c.Mongo.Addrs) == 0 {
		return errors.NotValidf("missing mongo addrs")
	}
	if c.Mongo.Database == "" {
		return errors.NotValidf("missing mongo database")
	}
	if _, err := c.probeInterval(); err != nil {
		return errors.Trace(err)
	}
	if _, err := c.Mongo.dialTimeout(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c Config) probeInterval() (time.Duration, error) {
	return parseDuration("probe-interval", c.ProbeInterval)
}

func (c MongoConfig) dialTimeout() (time.Duration, error) {
	return parseDuration("mongo dial-timeout", c.DialTimeout)
}

// parseDuration parses an optional duration field. Empty means unset
// and comes back as zero.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, errors.NotValidf("%s %q", name, value)
	}
	return d, nil
}
