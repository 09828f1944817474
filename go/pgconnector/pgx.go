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
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/multigres/pgconnpool/go/pools/connpool"
)

// DefaultCloseTimeout bounds the graceful Terminate sent when closing a
// session.
const DefaultCloseTimeout = 5 * time.Second

// PgxConn is a physical session opened with pgconn.
type PgxConn struct {
	conn         *pgconn.PgConn
	closeTimeout time.Duration
	broken       atomic.Bool
}

var _ connpool.Connection = (*PgxConn)(nil)

// NewPgxConnector returns a connector opening pgconn sessions for d.
// The connection string is validated once, up front.
func NewPgxConnector(d *Descriptor) (connpool.Connector[*PgxConn], error) {
	config, err := pgconn.ParseConfig(d.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	return func(ctx context.Context) (*PgxConn, error) {
		conn, err := pgconn.ConnectConfig(ctx, config.Copy())
		if err != nil {
			return nil, err
		}
		return &PgxConn{conn: conn, closeTimeout: DefaultCloseTimeout}, nil
	}, nil
}

// IsHealthy reports whether the session is open and not in the middle of
// a request.
func (c *PgxConn) IsHealthy() bool {
	return !c.broken.Load() && !c.conn.IsClosed() && !c.conn.IsBusy()
}

// Close terminates the session.
func (c *PgxConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}

// Ping runs an empty statement. A failed ping marks the session broken, so
// the pool discards it on release.
func (c *PgxConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		c.broken.Store(true)
		return err
	}
	return nil
}

// PgConn returns the underlying session.
func (c *PgxConn) PgConn() *pgconn.PgConn {
	return c.conn
}

// ServerVersion returns the server_version reported at startup.
func (c *PgxConn) ServerVersion() string {
	return c.conn.ParameterStatus("server_version")
}
