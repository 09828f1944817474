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

// Package connpool implements a bounded pool of physical database
// connections for a single connection configuration.
package connpool

import (
	"context"
	"errors"
)

// Connection represents a physical database session owned by a pool.
// Implementations must be safe for use by one client at a time.
type Connection interface {
	// IsHealthy reports whether the session can be handed out again.
	// It is called while the pool holds its lock and must not block or
	// perform network I/O.
	IsHealthy() bool

	// Close closes the physical session and releases its resources.
	Close() error
}

// Connector opens a new physical session ("hard connect").
type Connector[C Connection] func(ctx context.Context) (C, error)

var (
	// ErrPoolExhausted is returned by Acquire when no connection became
	// available before the acquire timeout while the pool was at capacity.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectionFailed is returned by Acquire when opening a new physical
	// connection failed. The underlying error is wrapped.
	ErrConnectionFailed = errors.New("failed to open connection")

	// ErrCancelled is returned by Acquire when the caller's context was done
	// while waiting. The context cause is wrapped.
	ErrCancelled = errors.New("connection acquire cancelled")

	// ErrPoolClosed is returned by Acquire once the pool has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrInvalidConfig is returned by NewPool for inconsistent size bounds.
	ErrInvalidConfig = errors.New("invalid connection pool config")
)
