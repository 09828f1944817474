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
	"database/sql/driver"
	"fmt"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/multigres/pgconnpool/go/pools/connpool"
)

// PqConn is a physical session opened with the lib/pq driver.
type PqConn struct {
	conn   driver.Conn
	broken atomic.Bool
}

var _ connpool.Connection = (*PqConn)(nil)

// NewPqConnector returns a connector opening lib/pq sessions for d.
func NewPqConnector(d *Descriptor) (connpool.Connector[*PqConn], error) {
	connector, err := pq.NewConnector(d.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	return func(ctx context.Context) (*PqConn, error) {
		conn, err := connector.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return &PqConn{conn: conn}, nil
	}, nil
}

// IsHealthy reports whether the driver still considers the session usable.
func (c *PqConn) IsHealthy() bool {
	if c.broken.Load() {
		return false
	}
	if v, ok := c.conn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

// Close closes the session.
func (c *PqConn) Close() error {
	return c.conn.Close()
}

// Ping checks the session with a round trip. A failed ping marks the
// session broken.
func (c *PqConn) Ping(ctx context.Context) error {
	pinger, ok := c.conn.(driver.Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		c.broken.Store(true)
		return err
	}
	return nil
}

// Conn returns the underlying driver connection.
func (c *PqConn) Conn() driver.Conn {
	return c.conn
}
