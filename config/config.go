// Package config provides global configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Base configuration.
type Base struct {
	DataDir  string
	LogLevel string
}

func (c Base) Default() Base {
	return Base{
		DataDir:  "~/.scribe",
		LogLevel: "info",
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Base) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Path to a directory where to store replica data")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log verbosity debug | info | warning | error")
}

// ExpandDataDir is used to expand the home directory in the data directory path.
func (c *Base) ExpandDataDir() error {
	if strings.HasPrefix(c.DataDir, "~") {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to detect home directory: %w", err)
		}
		c.DataDir = strings.Replace(c.DataDir, "~", homedir, 1)
	}
	return nil
}

// Config for our daemon. When adding or removing fields,
// adjust the Default() and BindFlags() accordingly.
type Config struct {
	Base

	HTTP    HTTP
	Syncing Syncing
}

// BindFlags configures the given FlagSet with the existing values from the given Config
// and prepares the FlagSet to parse the flags into the Config.
//
// This function is assumed to be called after some default values were set on the given config.
// These values will be used as default values in flags.
// See Default() for the default config values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.Base.BindFlags(fs)
	c.HTTP.BindFlags(fs)
	c.Syncing.BindFlags(fs)
}

// Default creates a new default config.
func Default() Config {
	return Config{
		Base:    Base{}.Default(),
		HTTP:    HTTP{}.Default(),
		Syncing: Syncing{}.Default(),
	}
}

// HTTP server configuration.
type HTTP struct {
	Port int
}

func (c HTTP) Default() HTTP {
	return HTTP{
		Port: 55101,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *HTTP) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "http.port", c.Port, "Port for the relay HTTP server")
}

// Syncing configuration for the replication engine.
type Syncing struct {
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	ResendInterval     time.Duration
	ResendMax          time.Duration
	SyncRetryInterval  time.Duration
	MaxResendAttempts  int
	MaxDeferredRetries int
}

func (c Syncing) Default() Syncing {
	return Syncing{
		ReconnectBase:      time.Millisecond * 500,
		ReconnectMax:       time.Second * 30,
		ResendInterval:     time.Second * 2,
		ResendMax:          time.Second * 30,
		SyncRetryInterval:  time.Second * 5,
		MaxResendAttempts:  10,
		MaxDeferredRetries: 10,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Syncing) BindFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.ReconnectBase, "syncing.reconnect-base", c.ReconnectBase, "Initial backoff before a reconnection attempt")
	fs.DurationVar(&c.ReconnectMax, "syncing.reconnect-max", c.ReconnectMax, "Maximum backoff between reconnection attempts")
	fs.DurationVar(&c.ResendInterval, "syncing.resend-interval", c.ResendInterval, "Initial interval before an unacknowledged operation is resent")
	fs.DurationVar(&c.ResendMax, "syncing.resend-max", c.ResendMax, "Maximum interval between resends of an unacknowledged operation")
	fs.DurationVar(&c.SyncRetryInterval, "syncing.sync-retry-interval", c.SyncRetryInterval, "Interval at which missing dependencies are re-requested")
	fs.IntVar(&c.MaxResendAttempts, "syncing.max-resend-attempts", c.MaxResendAttempts, "Resends of an unacknowledged operation before the connection is considered dead")
	fs.IntVar(&c.MaxDeferredRetries, "syncing.max-deferred-retries", c.MaxDeferredRetries, "Number of catch-up rounds an operation with missing dependencies is kept before being dropped")
}
