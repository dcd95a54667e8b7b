// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"net/url"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/storefeed/storefeed/params"
)

// Config is the storefeed-agent configuration, read from a YAML file.
// Durations are Go duration strings, e.g. "30s".
type Config struct {
	// ServerURL locates the storefeed server, e.g.
	// "http://10.0.0.1:17700". The live feed is reached at /watch
	// under the same address.
	ServerURL string `yaml:"server-url"`

	// Role is the subscriber role to declare on the feed:
	// "operator" or "agent".
	Role string `yaml:"role"`

	// LoggingConfig is a loggo specification.
	LoggingConfig string `yaml:"logging-config"`

	// LogFile, when set, sends log output to a rotated file instead
	// of stderr.
	LogFile           string `yaml:"log-file"`
	LogFileMaxSizeMB  int    `yaml:"log-file-max-size"`
	LogFileMaxBackups int    `yaml:"log-file-max-backups"`

	// PollInterval is the reconciliation cadence while the feed is
	// degraded; MinPollInterval is the floor under any poll trigger.
	// Empty means the syncer defaults.
	PollInterval    string `yaml:"poll-interval"`
	MinPollInterval string `yaml:"min-poll-interval"`

	// ReconnectBaseDelay and ReconnectMaxAttempts shape the feed
	// redial schedule. Zero values mean the connection defaults.
	ReconnectBaseDelay   string `yaml:"reconnect-base-delay"`
	ReconnectMaxAttempts int    `yaml:"reconnect-max-attempts"`
}

// DefaultConfig returns the configuration used for anything the file
// does not mention.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "http://localhost:17700",
		Role:              string(params.AgentRole),
		LoggingConfig:     "<root>=INFO",
		LogFileMaxSizeMB:  100,
		LogFileMaxBackups: 2,
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
	if c.ServerURL == "" {
		return errors.NotValidf("missing server-url")
	}
	if _, err := c.feedURL(); err != nil {
		return errors.Trace(err)
	}
	if err := params.Role(c.Role).Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.ReconnectMaxAttempts < 0 {
		return errors.NotValidf("reconnect-max-attempts %d", c.ReconnectMaxAttempts)
	}
	for name, value := range map[string]string{
		"poll-interval":        c.PollInterval,
		"min-poll-interval":    c.MinPollInterval,
		"reconnect-base-delay": c.ReconnectBaseDelay,
	} {
		if _, err := parseDuration(name, value); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// feedURL derives the websocket endpoint from the server address.
func (c Config) feedURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", errors.Annotate(err, "server-url is not valid")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.NotValidf("server-url scheme %q", u.Scheme)
	}
	u.Path = "/watch"
	return u.String(), nil
}

func (c Config) pollInterval() (time.Duration, error) {
	return parseDuration("poll-interval", c.PollInterval)
}

func (c Config) minPollInterval() (time.Duration, error) {
	return parseDuration("min-poll-interval", c.MinPollInterval)
}

func (c Config) reconnectBaseDelay() (time.Duration, error) {
	return parseDuration("reconnect-base-delay", c.ReconnectBaseDelay)
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
