// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpool

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the pool settings for one host.
type Config struct {
	// MaxConnections is the number of slots, the hard upper bound on
	// concurrent connections to the host.
	MaxConnections int

	// MinConnections is the number of warm connections the pool keeps
	// open ahead of demand.
	MinConnections int

	// MaxRetries is the number of times a request is re-dispatched
	// after a retryable failure before the failure is reported.
	MaxRetries int

	// MaxOpenRequests bounds the number of requests buffered ahead of
	// the pool. Send blocks once the bound is reached.
	MaxOpenRequests int

	// PipeliningLimit is the number of requests that may be in flight
	// on a single connection. Only 1 is supported; larger values are
	// clamped.
	PipeliningLimit int

	// IdleTimeout closes a connection that has served no request for
	// this long. Zero disables idle closing.
	IdleTimeout time.Duration

	// MaxConnectionLifetime recycles a connection after it has been
	// open this long (plus a random jitter below a tenth of it, or
	// below 2ms when that is larger), once its current response has
	// completed. Zero disables recycling.
	MaxConnectionLifetime time.Duration

	// BaseConnectionBackoff is the first embargo applied after a
	// failed connection attempt.
	BaseConnectionBackoff time.Duration

	// MaxConnectionBackoff caps the embargo. The doubling sequence is
	// clamped to half of it; the jitter added before the next attempt
	// accounts for the other half.
	MaxConnectionBackoff time.Duration

	// ResponseTimeout fails a dispatched request when no response has
	// arrived within it. Zero disables the timeout.
	ResponseTimeout time.Duration

	// ResponseEntitySubscriptionTimeout is how long the caller has to
	// start reading (or close) a response body before the pool aborts
	// it and reclaims the slot.
	ResponseEntitySubscriptionTimeout time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  4,
		MinConnections:  0,
		MaxRetries:      5,
		MaxOpenRequests: 32,
		PipeliningLimit: 1,

		IdleTimeout:           30 * time.Second,
		MaxConnectionLifetime: 0,

		BaseConnectionBackoff: 100 * time.Millisecond,
		MaxConnectionBackoff:  2 * time.Minute,

		ResponseTimeout:                   0,
		ResponseEntitySubscriptionTimeout: 1 * time.Second,
	}
}

// configFile is the yaml shape of a config file. Every setting is
// optional and merges over the defaults; durations are strings in
// time.ParseDuration syntax ("250ms", "1m30s").
type configFile struct {
	MaxConnections  *int `yaml:"max_connections"`
	MinConnections  *int `yaml:"min_connections"`
	MaxRetries      *int `yaml:"max_retries"`
	MaxOpenRequests *int `yaml:"max_open_requests"`
	PipeliningLimit *int `yaml:"pipelining_limit"`

	IdleTimeout           *string `yaml:"idle_timeout"`
	MaxConnectionLifetime *string `yaml:"max_connection_lifetime"`
	BaseConnectionBackoff *string `yaml:"base_connection_backoff"`
	MaxConnectionBackoff  *string `yaml:"max_connection_backoff"`
	ResponseTimeout       *string `yaml:"response_timeout"`

	ResponseEntitySubscriptionTimeout *string `yaml:"response_entity_subscription_timeout"`
}

// LoadConfig reads a yaml config file and merges it over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("hostpool: reading config: %w", err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("hostpool: parsing config: %w", err)
	}

	for _, f := range []struct {
		src *int
		dst *int
	}{
		{file.MaxConnections, &cfg.MaxConnections},
		{file.MinConnections, &cfg.MinConnections},
		{file.MaxRetries, &cfg.MaxRetries},
		{file.MaxOpenRequests, &cfg.MaxOpenRequests},
		{file.PipeliningLimit, &cfg.PipeliningLimit},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}

	for _, f := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"idle_timeout", file.IdleTimeout, &cfg.IdleTimeout},
		{"max_connection_lifetime", file.MaxConnectionLifetime, &cfg.MaxConnectionLifetime},
		{"base_connection_backoff", file.BaseConnectionBackoff, &cfg.BaseConnectionBackoff},
		{"max_connection_backoff", file.MaxConnectionBackoff, &cfg.MaxConnectionBackoff},
		{"response_timeout", file.ResponseTimeout, &cfg.ResponseTimeout},
		{"response_entity_subscription_timeout", file.ResponseEntitySubscriptionTimeout, &cfg.ResponseEntitySubscriptionTimeout},
	} {
		if f.src == nil {
			continue
		}
		d, err := time.ParseDuration(*f.src)
		if err != nil {
			return cfg, fmt.Errorf("hostpool: parsing config %s: %w", f.name, err)
		}
		*f.dst = d
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.MaxConnections <= 0:
		return fmt.Errorf("hostpool: max_connections must be positive, got %d", c.MaxConnections)
	case c.MinConnections < 0:
		return fmt.Errorf("hostpool: min_connections must not be negative, got %d", c.MinConnections)
	case c.MaxRetries < 0:
		return fmt.Errorf("hostpool: max_retries must not be negative, got %d", c.MaxRetries)
	case c.MaxOpenRequests <= 0:
		return fmt.Errorf("hostpool: max_open_requests must be positive, got %d", c.MaxOpenRequests)
	case c.BaseConnectionBackoff < 0 || c.MaxConnectionBackoff < c.BaseConnectionBackoff:
		return fmt.Errorf("hostpool: connection backoff range [%v, %v] is invalid",
			c.BaseConnectionBackoff, c.MaxConnectionBackoff)
	case c.IdleTimeout < 0 || c.MaxConnectionLifetime < 0 ||
		c.ResponseTimeout < 0 || c.ResponseEntitySubscriptionTimeout < 0:
		return fmt.Errorf("hostpool: timeouts must not be negative")
	}

	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("hostpool: min_connections %d exceeds max_connections %d",
			c.MinConnections, c.MaxConnections)
	}
	return nil
}

// sanitize clamps the settings the pool tolerates rather than rejects.
func (c *Config) sanitize() {
	if c.PipeliningLimit != 1 {
		c.PipeliningLimit = 1
	}
}
