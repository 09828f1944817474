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

// Package fakepgbackend provides a minimal PostgreSQL server for tests.
// It completes the startup handshake without authentication, answers every
// simple query with an empty result and records what clients did. It is
// enough for drivers to connect, ping and disconnect.
package fakepgbackend

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Server is a fake PostgreSQL server listening on a loopback port.
// All methods are thread-safe.
type Server struct {
	t  testing.TB
	ln net.Listener
	wg sync.WaitGroup

	// accepted counts completed startups.
	accepted atomic.Int64
	// queries counts simple queries received.
	queries atomic.Int64
	// reject makes new startups fail with an authentication error.
	reject atomic.Bool
	closed atomic.Bool

	// mu protects the fields below.
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	// lastParams is the parameter set of the most recent startup message.
	lastParams map[string]string
}

// New starts a server and stops it when the test ends.
func New(t testing.TB) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakepgbackend: listen: %v", err)
	}
	s := &Server{
		t:     t,
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// ConnString returns a keyword/value connection string for this server.
// extra is appended verbatim.
func (s *Server) ConnString(extra string) string {
	cs := fmt.Sprintf("host=%s port=%d user=test dbname=test sslmode=disable", s.Host(), s.Port())
	if extra != "" {
		cs += " " + extra
	}
	return cs
}

// URL returns a postgres:// URL for this server.
func (s *Server) URL() string {
	return "postgres://test@" + net.JoinHostPort(s.Host(), strconv.Itoa(s.Port())) + "/test?sslmode=disable"
}

// Accepted returns the number of completed startups.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Queries returns the number of simple queries received.
func (s *Server) Queries() int64 {
	return s.queries.Load()
}

// Active returns the number of open client connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// LastStartupParams returns the parameters of the most recent startup.
func (s *Server) LastStartupParams() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := make(map[string]string, len(s.lastParams))
	for k, v := range s.lastParams {
		params[k] = v
	}
	return params
}

// RejectConnections makes new connections fail authentication.
func (s *Server) RejectConnections(reject bool) {
	s.reject.Store(reject)
}

// DropConnections closes every open client connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Close stops the server and closes all client connections.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, net.ErrClosed) {
				s.t.Logf("fakepgbackend: accept: %v", err)
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.serve(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serve(conn net.Conn) {
	backend := pgproto3.NewBackend(conn, conn)
	if !s.startup(conn, backend) {
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		switch msg := msg.(type) {
		case *pgproto3.Query:
			s.queries.Add(1)
			if isEmptyQuery(msg.String) {
				backend.Send(&pgproto3.EmptyQueryResponse{})
			} else {
				backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 0")})
			}
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.Terminate:
			return
		default:
			backend.Send(&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  fmt.Sprintf("fakepgbackend does not support %T", msg),
			})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		}
	}
}

// startup runs the startup handshake and reports whether the session is
// ready for queries.
func (s *Server) startup(conn net.Conn, backend *pgproto3.Backend) bool {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return false
		}

		switch msg := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			// Neither is supported; the client continues in plaintext.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return false
			}
		case *pgproto3.CancelRequest:
			return false
		case *pgproto3.StartupMessage:
			s.mu.Lock()
			s.lastParams = msg.Parameters
			s.mu.Unlock()

			if s.reject.Load() {
				backend.Send(&pgproto3.ErrorResponse{
					Severity: "FATAL",
					Code:     "28P01",
					Message:  fmt.Sprintf("password authentication failed for user %q", msg.Parameters["user"]),
				})
				_ = backend.Flush()
				return false
			}

			backend.Send(&pgproto3.AuthenticationOk{})
			for _, p := range []struct{ name, value string }{
				{"server_version", "16.0"},
				{"server_encoding", "UTF8"},
				{"client_encoding", "UTF8"},
				{"DateStyle", "ISO, MDY"},
				{"TimeZone", "UTC"},
				{"integer_datetimes", "on"},
				{"standard_conforming_strings", "on"},
			} {
				backend.Send(&pgproto3.ParameterStatus{Name: p.name, Value: p.value})
			}
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return false
			}
			s.accepted.Add(1)
			return true
		default:
			return false
		}
	}
}

// isEmptyQuery reports whether a query string holds no statement, the way
// drivers ping: "", ";" or a lone comment.
func isEmptyQuery(query string) bool {
	for _, line := range strings.Split(query, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "--") {
			continue
		}
		if strings.Trim(line, "; \t") != "" {
			return false
		}
	}
	return true
}
