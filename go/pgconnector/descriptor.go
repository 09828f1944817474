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

// Package pgconnector opens physical PostgreSQL sessions for connection
// pools and turns connection descriptors into pool registry keys.
package pgconnector

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrInvalidDescriptor is returned for connection descriptors that cannot
// be parsed.
var ErrInvalidDescriptor = errors.New("invalid connection descriptor")

// Keywords holding pool options rather than session parameters. They are
// removed from the descriptor before it is handed to a driver.
const (
	KeyPooling        = "pooling"
	KeyMinPoolSize    = "min_pool_size"
	KeyMaxPoolSize    = "max_pool_size"
	KeyAcquireTimeout = "acquire_timeout"
	KeyIdleTimeout    = "idle_timeout"
	KeyMaxLifetime    = "max_lifetime"
)

var poolKeywords = []string{KeyPooling, KeyMinPoolSize, KeyMaxPoolSize, KeyAcquireTimeout, KeyIdleTimeout, KeyMaxLifetime}

// Descriptor is a parsed connection descriptor.
type Descriptor struct {
	// Key is the canonical keyword/value form of the descriptor, including
	// pool options, with keywords sorted. Descriptors that differ only in
	// keyword order, quoting or URL vs keyword/value form have the same Key.
	Key string

	// ConnString is Key without the pool options, ready for a driver.
	ConnString string

	// Params holds the session parameters, without pool options.
	Params map[string]string

	// Pooling is false when the descriptor asks for unpooled connections.
	Pooling bool

	MinPoolSize int
	MaxPoolSize int

	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
}

// ParseDescriptor parses a postgres:// URL or a libpq keyword/value string.
func ParseDescriptor(s string) (*Descriptor, error) {
	raw := s
	if strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://") {
		kv, err := pq.ParseURL(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		raw = kv
	}

	params, err := parseKeywordValue(raw)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{Pooling: true}
	if err := d.takePoolOptions(params); err != nil {
		return nil, err
	}
	d.Key = formatKeywordValue(params)
	for _, k := range poolKeywords {
		delete(params, k)
	}
	d.Params = params
	d.ConnString = formatKeywordValue(params)
	return d, nil
}

func (d *Descriptor) takePoolOptions(params map[string]string) error {
	var err error
	if v, ok := params[KeyPooling]; ok {
		if d.Pooling, err = parseBool(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, KeyPooling, err)
		}
	}
	if v, ok := params[KeyMinPoolSize]; ok {
		if d.MinPoolSize, err = parseSize(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, KeyMinPoolSize, err)
		}
	}
	if v, ok := params[KeyMaxPoolSize]; ok {
		if d.MaxPoolSize, err = parseSize(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, KeyMaxPoolSize, err)
		}
	}
	if d.MaxPoolSize > 0 && d.MinPoolSize > d.MaxPoolSize {
		return fmt.Errorf("%w: %s %d exceeds %s %d", ErrInvalidDescriptor, KeyMinPoolSize, d.MinPoolSize, KeyMaxPoolSize, d.MaxPoolSize)
	}
	if v, ok := params[KeyAcquireTimeout]; ok {
		if d.AcquireTimeout, err = parseTimeout(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, KeyAcquireTimeout, err)
		}
	}
	if v, ok := params[KeyIdleTimeout]; ok {
		if d.IdleTimeout, err = parseTimeout(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, KeyIdleTimeout, err)
		}
	}
	if v, ok := params[KeyMaxLifetime]; ok {
		if d.MaxLifetime, err = parseTimeout(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, KeyMaxLifetime, err)
		}
	}
	return nil
}

// Redacted returns Key with the password masked, for logs and pool names.
func (d *Descriptor) Redacted() string {
	params, err := parseKeywordValue(d.Key)
	if err != nil {
		return ""
	}
	if _, ok := params["password"]; ok {
		params["password"] = "xxxxx"
	}
	return formatKeywordValue(params)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

func parseSize(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n, nil
}

// parseTimeout accepts a Go duration ("1m30s") or a number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative timeout %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %v", d)
	}
	return d, nil
}

// parseKeywordValue parses libpq keyword/value syntax: whitespace separated
// keyword = value pairs, where values may be single-quoted and backslash
// escapes a quote or backslash. A repeated keyword keeps its last value.
func parseKeywordValue(s string) (map[string]string, error) {
	params := make(map[string]string)
	i := 0
	skipSpace := func() {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
	}

	for {
		skipSpace()
		if i >= len(s) {
			return params, nil
		}

		start := i
		for i < len(s) && s[i] != '=' && !isSpace(s[i]) {
			i++
		}
		key := s[start:i]
		skipSpace()
		if i >= len(s) || s[i] != '=' {
			return nil, fmt.Errorf("%w: missing \"=\" after %q", ErrInvalidDescriptor, key)
		}
		if key == "" {
			return nil, fmt.Errorf("%w: empty keyword at offset %d", ErrInvalidDescriptor, start)
		}
		i++
		skipSpace()

		var value strings.Builder
		if i < len(s) && s[i] == '\'' {
			i++
			closed := false
			for i < len(s) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					value.WriteByte(s[i+1])
					i += 2
					continue
				}
				i++
				if c == '\'' {
					closed = true
					break
				}
				value.WriteByte(c)
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated quoted value for %q", ErrInvalidDescriptor, key)
			}
		} else {
			for i < len(s) && !isSpace(s[i]) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					c = s[i+1]
					i++
				}
				value.WriteByte(c)
				i++
			}
		}
		params[key] = value.String()
	}
}

// formatKeywordValue renders params sorted by keyword, quoting values only
// when needed.
func formatKeywordValue(params map[string]string) string {
	var b strings.Builder
	for i, k := range slices.Sorted(maps.Keys(params)) {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		writeValue(&b, params[k])
	}
	return b.String()
}

func writeValue(b *strings.Builder, v string) {
	if v != "" && !strings.ContainsAny(v, " \t\n\r\f\v'\\") {
		b.WriteString(v)
		return
	}
	b.WriteByte('\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('\'')
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}
