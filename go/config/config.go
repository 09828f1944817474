// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the viper-backed settings of the pgconnpool tools:
// pool defaults, per-descriptor overrides, counter toggles and logging.
//
// Values come from, in decreasing priority, command line flags, PGCONNPOOL_*
// environment variables, a YAML config file and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/multigres/pgconnpool/go/pools/connpool"
	"github.com/multigres/pgconnpool/go/pools/counters"
)

// EnvPrefix prefixes the environment variables read by Config.
const EnvPrefix = "PGCONNPOOL"

// ErrNoConfigFile is returned by Watch when no config file was loaded.
var ErrNoConfigFile = errors.New("no config file loaded")

const (
	keyConfigFile        = "config-file"
	keyDriver            = "driver"
	keyMinSize           = "pool.min-size"
	keyMaxSize           = "pool.max-size"
	keyAcquireTimeout    = "pool.acquire-timeout"
	keyIdleTimeout       = "pool.idle-timeout"
	keyPruneInterval     = "pool.prune-interval"
	keyCountersEnabled   = "counters.enabled"
	keyCountersExpensive = "counters.expensive"
	keyCounterOverrides  = "counters.overrides"
	keyPools             = "pools"
	keyLogLevel          = "log-level"
	keyLogFormat         = "log-format"
	keyLogOutput         = "log-output"
)

// flagNames maps config keys to their command line flags.
var flagNames = map[string]string{
	keyConfigFile:        "pgconnpool-config-file",
	keyDriver:            "pgconnpool-driver",
	keyMinSize:           "pgconnpool-min-size",
	keyMaxSize:           "pgconnpool-max-size",
	keyAcquireTimeout:    "pgconnpool-acquire-timeout",
	keyIdleTimeout:       "pgconnpool-idle-timeout",
	keyPruneInterval:     "pgconnpool-prune-interval",
	keyCountersEnabled:   "pgconnpool-counters-enabled",
	keyCountersExpensive: "pgconnpool-counters-expensive",
	keyLogLevel:          "log-level",
	keyLogFormat:         "log-format",
	keyLogOutput:         "log-output",
}

// PoolOverride adjusts the pool settings of one connection descriptor.
// Zero fields keep the defaults.
type PoolOverride struct {
	Descriptor     string        `mapstructure:"descriptor" yaml:"descriptor"`
	MinSize        int           `mapstructure:"min_size" yaml:"min_size,omitempty"`
	MaxSize        int           `mapstructure:"max_size" yaml:"max_size,omitempty"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout,omitempty"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout,omitempty"`
}

// Apply returns base with the override's non-zero fields applied.
func (o PoolOverride) Apply(base connpool.Config) connpool.Config {
	if o.MinSize > 0 {
		base.MinSize = o.MinSize
	}
	if o.MaxSize > 0 {
		base.MaxSize = o.MaxSize
	}
	if o.AcquireTimeout > 0 {
		base.AcquireTimeout = o.AcquireTimeout
	}
	if o.IdleTimeout > 0 {
		base.IdleTimeout = o.IdleTimeout
	}
	return base
}

// Config holds the settings. It is safe for concurrent use; values may
// change while a config file is watched.
type Config struct {
	fs afero.Fs

	mu sync.RWMutex
	v  *viper.Viper
}

// New creates a Config reading config files from fs. A nil fs uses the
// operating system's filesystem.
func New(fs afero.Fs) *Config {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v := viper.New()
	v.SetFs(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyDriver, "pgx")
	v.SetDefault(keyMinSize, 0)
	v.SetDefault(keyMaxSize, connpool.DefaultMaxSize)
	v.SetDefault(keyAcquireTimeout, connpool.DefaultAcquireTimeout)
	v.SetDefault(keyIdleTimeout, 5*time.Minute)
	v.SetDefault(keyPruneInterval, time.Duration(0))
	v.SetDefault(keyCountersEnabled, false)
	v.SetDefault(keyCountersExpensive, false)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
	v.SetDefault(keyLogOutput, "stdout")

	return &Config{fs: fs, v: v}
}

// RegisterFlags registers the command line flags and binds them.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs.String(flagNames[keyConfigFile], "", "Path of a YAML config file. Counter settings in it are reloaded when it changes.")
	fs.String(flagNames[keyDriver], c.v.GetString(keyDriver), "Driver for physical connections (pgx, pq)")
	fs.Int(flagNames[keyMinSize], c.v.GetInt(keyMinSize), "Connections each pool keeps open")
	fs.Int(flagNames[keyMaxSize], c.v.GetInt(keyMaxSize), "Maximum connections per pool")
	fs.Duration(flagNames[keyAcquireTimeout], c.v.GetDuration(keyAcquireTimeout), "How long to wait for a connection from an exhausted pool")
	fs.Duration(flagNames[keyIdleTimeout], c.v.GetDuration(keyIdleTimeout), "Close connections idle for longer than this (0 disables)")
	fs.Duration(flagNames[keyPruneInterval], c.v.GetDuration(keyPruneInterval), "How often to look for idle connections (default idle timeout / 10)")
	fs.Bool(flagNames[keyCountersEnabled], c.v.GetBool(keyCountersEnabled), "Record pool and connection counters")
	fs.Bool(flagNames[keyCountersExpensive], c.v.GetBool(keyCountersExpensive), "Also record per-acquire counters (requires counters enabled)")
	fs.String(flagNames[keyLogLevel], c.v.GetString(keyLogLevel), "Log level (debug, info, warn, error)")
	fs.String(flagNames[keyLogFormat], c.v.GetString(keyLogFormat), "Log format (json, text)")
	fs.String(flagNames[keyLogOutput], c.v.GetString(keyLogOutput), "Log output (stdout, stderr, or file path)")

	for key, name := range flagNames {
		if f := fs.Lookup(name); f != nil {
			// BindPFlag only fails for a nil flag.
			_ = c.v.BindPFlag(key, f)
		}
	}
}

// Load reads the config file named by --pgconnpool-config-file, if any.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.v.GetString(keyConfigFile)
	if path == "" {
		return nil
	}
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// LoadFile reads the given config file.
func (c *Config) LoadFile(path string) error {
	c.mu.Lock()
	c.v.Set(keyConfigFile, path)
	c.mu.Unlock()
	return c.Load()
}

// ConfigFile returns the path of the loaded config file, if any.
func (c *Config) ConfigFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.ConfigFileUsed()
}

// Driver returns the configured driver name.
func (c *Config) Driver() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(keyDriver)
}

// PoolDefaults returns the settings applied to every new pool.
func (c *Config) PoolDefaults() connpool.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return connpool.Config{
		MinSize:        c.v.GetInt(keyMinSize),
		MaxSize:        c.v.GetInt(keyMaxSize),
		AcquireTimeout: c.v.GetDuration(keyAcquireTimeout),
		IdleTimeout:    c.v.GetDuration(keyIdleTimeout),
		PruneInterval:  c.v.GetDuration(keyPruneInterval),
	}
}

// PoolOverrides decodes the per-descriptor pool settings.
func (c *Config) PoolOverrides() ([]PoolOverride, error) {
	c.mu.RLock()
	raw := c.v.Get(keyPools)
	c.mu.RUnlock()

	var overrides []PoolOverride
	if raw == nil {
		return overrides, nil
	}
	if err := decode(raw, &overrides); err != nil {
		return nil, fmt.Errorf("decode %s: %w", keyPools, err)
	}
	for i, o := range overrides {
		if o.Descriptor == "" {
			return nil, fmt.Errorf("decode %s: entry %d has no descriptor", keyPools, i)
		}
	}
	return overrides, nil
}

// CounterOptions returns which counters to record. Override keys name
// counters case-insensitively.
func (c *Config) CounterOptions() (counters.Options, error) {
	c.mu.RLock()
	opts := counters.Options{
		Enabled:   c.v.GetBool(keyCountersEnabled),
		Expensive: c.v.GetBool(keyCountersExpensive),
	}
	raw := c.v.Get(keyCounterOverrides)
	c.mu.RUnlock()

	if raw == nil {
		return opts, nil
	}
	var byName map[string]bool
	if err := decode(raw, &byName); err != nil {
		return opts, fmt.Errorf("decode %s: %w", keyCounterOverrides, err)
	}
	opts.Overrides = make(map[counters.Name]bool, len(byName))
	for s, on := range byName {
		name, ok := counters.ParseName(s)
		if !ok {
			return opts, fmt.Errorf("decode %s: unknown counter %q", keyCounterOverrides, s)
		}
		opts.Overrides[name] = on
	}
	return opts, nil
}

func decode(input, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeDurationHookFunc(), secondsToDurationHook),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// secondsToDurationHook reads bare numbers as seconds.
func secondsToDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Float64:
		return time.Duration(data.(float64) * float64(time.Second)), nil
	}
	return data, nil
}

// Watch reloads the config file whenever it changes on disk and then calls
// onChange. Watching only works for configs read from the operating
// system's filesystem. Call the returned function to stop watching.
func (c *Config) Watch(logger *slog.Logger, onChange func()) (stop func(), err error) {
	path := c.ConfigFile()
	if path == "" {
		return nil, ErrNoConfigFile
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !c.handleEvent(logger, path, event) {
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config file watcher error", "error", err)
			}
		}
	}()

	return func() {
		_ = watcher.Close()
		<-done
	}, nil
}

// handleEvent reloads the config for events touching path and reports
// whether it did.
func (c *Config) handleEvent(logger *slog.Logger, path string, event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(path) {
		return false
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}

	c.mu.Lock()
	err := c.v.ReadInConfig()
	c.mu.Unlock()
	if err != nil {
		logger.Warn("failed to reload config file", "path", path, "error", err)
		return false
	}
	logger.Info("reloaded config file", "path", path, "op", event.Op.String())
	return true
}
