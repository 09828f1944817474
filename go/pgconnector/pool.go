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

package pgconnector

import (
	"context"
	"fmt"

	"github.com/multigres/pgconnpool/go/pools/connpool"
	"github.com/multigres/pgconnpool/go/pools/registry"
)

// Driver selects the library used for physical sessions.
type Driver string

const (
	DriverPgx Driver = "pgx"
	DriverPq  Driver = "pq"
)

// ParseDriver validates a driver name.
func ParseDriver(name string) (Driver, error) {
	switch d := Driver(name); d {
	case DriverPgx, DriverPq:
		return d, nil
	}
	return "", fmt.Errorf("unknown driver %q (want %q or %q)", name, DriverPgx, DriverPq)
}

// PoolConfig applies the descriptor's pool options on top of base.
// Options missing from the descriptor keep base's values.
func PoolConfig(d *Descriptor, base connpool.Config) connpool.Config {
	config := base
	config.Name = d.Redacted()
	config.Unpooled = !d.Pooling
	if d.MinPoolSize > 0 {
		config.MinSize = d.MinPoolSize
	}
	if d.MaxPoolSize > 0 {
		config.MaxSize = d.MaxPoolSize
	}
	if config.MaxSize > 0 && config.MinSize > config.MaxSize {
		// A descriptor lowering max_pool_size below the base minimum wins.
		config.MinSize = config.MaxSize
	}
	if d.AcquireTimeout > 0 {
		config.AcquireTimeout = d.AcquireTimeout
	}
	if d.IdleTimeout > 0 {
		config.IdleTimeout = d.IdleTimeout
	}
	if d.MaxLifetime > 0 {
		config.MaxLifetime = d.MaxLifetime
	}
	return config
}

// PoolFactory returns a registry factory creating a pool for d with
// connections from connect. The pool keeps ctx's values but not its
// cancellation: it outlives the call that created it and its background
// work stops only when the pool is closed, usually by Registry.Shutdown.
func PoolFactory[C connpool.Connection](ctx context.Context, d *Descriptor, base connpool.Config, connect connpool.Connector[C]) func() (*connpool.Pool[C], error) {
	poolCtx := context.WithoutCancel(ctx)
	return func() (*connpool.Pool[C], error) {
		return connpool.NewPool(poolCtx, PoolConfig(d, base), connect)
	}
}

// GetPool resolves descriptor to its pool in reg, creating the pool on
// first use. The raw descriptor is tried first, so repeated calls with the
// same string never parse it. On a miss the descriptor is parsed and the
// pool is registered under its canonical key, with the raw string as an
// alias.
func GetPool[C connpool.Connection](
	ctx context.Context,
	reg *registry.Registry[C],
	descriptor string,
	base connpool.Config,
	newConnector func(*Descriptor) (connpool.Connector[C], error),
) (*connpool.Pool[C], error) {
	if pool, ok := reg.TryLookup(descriptor); ok {
		return pool, nil
	}

	d, err := ParseDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	pool, ok := reg.TryLookup(d.Key)
	if !ok {
		connect, err := newConnector(d)
		if err != nil {
			return nil, err
		}
		pool, err = reg.GetOrCreate(d.Key, PoolFactory(ctx, d, base, connect))
		if err != nil {
			return nil, err
		}
	}
	if descriptor != d.Key {
		if _, err := reg.GetOrCreate(descriptor, func() (*connpool.Pool[C], error) {
			return pool, nil
		}); err != nil {
			return nil, err
		}
	}
	return pool, nil
}
