// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package config loads and validates the client configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration for a Palaver client instance.
type Config struct {
	// Homeserver the client syncs against.
	Homeserver Homeserver `yaml:"homeserver"`

	// Sync tunes the long-poll loop.
	Sync Sync `yaml:"sync"`

	// Storage locates the on-disk snapshot and search index.
	Storage Storage `yaml:"storage"`

	// Logging controls log output.
	Logging Logging `yaml:"logging"`

	// Sentry error reporting. Disabled when the DSN is empty.
	Sentry Sentry `yaml:"sentry"`

	// AdminAPI is the local inspection surface (room list, history
	// fetches, search, metrics).
	AdminAPI AdminAPI `yaml:"admin_api"`
}

type AdminAPI struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddress should stay on loopback; the API carries no auth.
	ListenAddress string `yaml:"listen_address"`
}

type Homeserver struct {
	// Base URL of the homeserver, e.g. https://matrix.example.org
	URL string `yaml:"url"`
	// Fully qualified user ID the access token belongs to.
	UserID string `yaml:"user_id"`
	// Access token. Can also be supplied via PALAVER_ACCESS_TOKEN.
	AccessToken string `yaml:"access_token"`
	// Per-request timeout for non-sync API calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Sync struct {
	// How long the server may hold an incremental sync open.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// Delay before retrying after a failed sync.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Window after which a silent user stops counting as active.
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	// Events fetched per backward pagination page.
	PageSize int `yaml:"page_size"`
}

type Storage struct {
	// SQLite file the room state snapshot is checkpointed to.
	SnapshotPath string `yaml:"snapshot_path"`
	// Directory for the full-text message index. Empty keeps it in memory.
	FulltextPath string `yaml:"fulltext_path"`
	// How often the snapshot is written.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

type Logging struct {
	// One of: panic, fatal, error, warn, info, debug, trace.
	Level string `yaml:"level"`
}

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

func (c *Config) Defaults() {
	c.Homeserver.RequestTimeout = 30 * time.Second
	c.Sync.PollTimeout = 30 * time.Second
	c.Sync.RetryDelay = 15 * time.Second
	c.Sync.InactivityWindow = 7 * 24 * time.Hour
	c.Sync.PageSize = 40
	c.Storage.SnapshotPath = "palaver.db"
	c.Storage.CheckpointInterval = 30 * time.Second
	c.Logging.Level = "info"
	c.AdminAPI.ListenAddress = "127.0.0.1:7575"
}

func (c *Config) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "homeserver.url", c.Homeserver.URL)
	if c.Homeserver.URL != "" {
		u, err := url.Parse(c.Homeserver.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "homeserver.url", c.Homeserver.URL))
		}
	}
	checkNotEmpty(configErrs, "homeserver.user_id", c.Homeserver.UserID)
	if c.Homeserver.UserID != "" && !strings.HasPrefix(c.Homeserver.UserID, "@") {
		configErrs.Add(fmt.Sprintf("config key %q must be a fully qualified user ID: %s", "homeserver.user_id", c.Homeserver.UserID))
	}
	checkNotEmpty(configErrs, "homeserver.access_token", c.Homeserver.AccessToken)
	checkPositive(configErrs, "sync.poll_timeout", int64(c.Sync.PollTimeout))
	checkPositive(configErrs, "sync.retry_delay", int64(c.Sync.RetryDelay))
	checkPositive(configErrs, "sync.inactivity_window", int64(c.Sync.InactivityWindow))
	checkPositive(configErrs, "sync.page_size", int64(c.Sync.PageSize))
	checkNotEmpty(configErrs, "storage.snapshot_path", c.Storage.SnapshotPath)
	checkPositive(configErrs, "storage.checkpoint_interval", int64(c.Storage.CheckpointInterval))
	if c.Sentry.Enabled {
		checkNotEmpty(configErrs, "sentry.dsn", c.Sentry.DSN)
	}
	if c.AdminAPI.Enabled {
		checkNotEmpty(configErrs, "admin_api.listen_address", c.AdminAPI.ListenAddress)
	}
}

// Load reads the YAML file at path, applies defaults for unset keys and
// validates the result. The access token may be supplied through the
// PALAVER_ACCESS_TOKEN environment variable instead of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	var cfg Config
	cfg.Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if token := os.Getenv("PALAVER_ACCESS_TOKEN"); token != "" {
		cfg.Homeserver.AccessToken = token
	}
	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &cfg, nil
}

// ConfigErrors collects problems found during Verify so they can all be
// reported in one pass.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
