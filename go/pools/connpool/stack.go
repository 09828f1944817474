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

package connpool

// connStack is a LIFO of idle connections. Popping returns the most
// recently released connection, whose session is the most likely to still
// be warm. It has no lock of its own: the owning pool's mutex guards it.
type connStack[C Connection] struct {
	top   *Pooled[C]
	count int
}

// Push adds a connection to the top of the stack.
func (s *connStack[C]) Push(conn *Pooled[C]) {
	conn.next = s.top
	s.top = conn
	s.count++
}

// Pop removes and returns the connection from the top of the stack.
// Returns nil and false if the stack is empty.
func (s *connStack[C]) Pop() (*Pooled[C], bool) {
	if s.top == nil {
		return nil, false
	}
	conn := s.top
	s.top = conn.next
	s.count--
	conn.next = nil
	return conn, true
}

// Drain removes every connection, returning them top first.
func (s *connStack[C]) Drain() []*Pooled[C] {
	conns := make([]*Pooled[C], 0, s.count)
	for conn := s.top; conn != nil; {
		next := conn.next
		conn.next = nil
		conns = append(conns, conn)
		conn = next
	}
	s.top = nil
	s.count = 0
	return conns
}

// Len returns the number of connections in the stack.
func (s *connStack[C]) Len() int {
	return s.count
}
