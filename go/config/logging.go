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

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the logger selected by --log-level, --log-format and
// --log-output. A file output is opened through the config's filesystem;
// the returned close function closes it and is a no-op otherwise.
func (c *Config) NewLogger() (*slog.Logger, func() error, error) {
	c.mu.RLock()
	levelStr := c.v.GetString(keyLogLevel)
	formatStr := c.v.GetString(keyLogFormat)
	outputStr := c.v.GetString(keyLogOutput)
	c.mu.RUnlock()

	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level %q", levelStr)
	}

	var output io.Writer
	closeOutput := func() error { return nil }
	switch strings.ToLower(outputStr) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := c.fs.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output %s: %w", outputStr, err)
		}
		output = f
		closeOutput = f.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(formatStr) {
	case "", "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		_ = closeOutput()
		return nil, nil, fmt.Errorf("invalid log format %q", formatStr)
	}
	return slog.New(handler), closeOutput, nil
}
