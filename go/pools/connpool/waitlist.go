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

import (
	"context"
	"sync"

	"github.com/multigres/pgconnpool/go/tools/list"
)

// waiter represents a client waiting in Acquire.
type waiter[C Connection] struct {
	// grant receives either an idle connection handed over by Release, or
	// nil when the waiter was granted a free slot and must open a new
	// connection itself. It is buffered so granting never blocks.
	grant chan *Pooled[C]
}

// waitlist is a FIFO of clients waiting for a connection.
// All methods except wait must be called with the pool's mutex held.
type waitlist[C Connection] struct {
	nodes sync.Pool
	list  list.List[waiter[C]]
}

func (wl *waitlist[C]) init() {
	wl.nodes.New = func() any {
		return &list.Element[waiter[C]]{
			Value: waiter[C]{grant: make(chan *Pooled[C], 1)},
		}
	}
	wl.list.Init()
}

// enqueue adds a waiter at the back of the list.
func (wl *waitlist[C]) enqueue() *list.Element[waiter[C]] {
	elem := wl.nodes.Get().(*list.Element[waiter[C]])
	wl.list.PushBackValue(elem)
	return elem
}

// wait blocks until elem is granted a connection or a slot, ctx is done, or
// closeChan is closed. It must be called without holding mu.
//
// A nil connection with a nil error means a slot was granted.
// If the waiter cannot remove itself from the list because a grant is
// already in flight, the grant is accepted: the caller gets the connection
// (or slot) even though its context expired.
func (wl *waitlist[C]) wait(ctx context.Context, mu *sync.Mutex, elem *list.Element[waiter[C]], closeChan <-chan struct{}) (*Pooled[C], error) {
	defer wl.nodes.Put(elem)

	var err error
	select {
	case conn := <-elem.Value.grant:
		return conn, nil
	case <-ctx.Done():
		err = context.Cause(ctx)
	case <-closeChan:
		err = ErrPoolClosed
	}

	mu.Lock()
	removed := wl.remove(elem)
	mu.Unlock()
	if removed {
		return nil, err
	}

	// Someone removed us from the list, so a grant has been sent.
	return <-elem.Value.grant, nil
}

func (wl *waitlist[C]) remove(elem *list.Element[waiter[C]]) bool {
	for e := wl.list.Front(); e != nil; e = e.Next() {
		if e == elem {
			wl.list.Remove(elem)
			return true
		}
	}
	return false
}

// handoff grants conn (nil for a free slot) to the oldest waiter.
// Returns false if nobody is waiting.
func (wl *waitlist[C]) handoff(conn *Pooled[C]) bool {
	front := wl.list.Front()
	if front == nil {
		return false
	}
	wl.list.Remove(front)
	front.Value.grant <- conn
	return true
}

func (wl *waitlist[C]) waiting() int {
	return wl.list.Len()
}
