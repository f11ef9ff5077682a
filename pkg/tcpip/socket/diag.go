// Copyright 2025 The tcpsock Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package socket

import (
	"github.com/google/btree"

	"tcpsock.dev/tcpsock/pkg/tcpip"
)

// DiagEntry is one socket's row in a diagnostic dump, in the spirit of a
// line of ss output.
type DiagEntry struct {
	ID     uint64
	Net    tcpip.NetworkProtocolNumber
	State  string
	Local  tcpip.FullAddress
	Remote tcpip.FullAddress
	Device tcpip.NICID

	// Accepting is set for listeners. Ready counts connections ready to
	// accept and Backlog is the queue's limit.
	Accepting bool
	Ready     int
	Backlog   int

	// Pending is set for a connection still sitting on a listener's
	// queue, invisible to the application.
	Pending bool
}

// diagItem orders entries by local port, then by socket identity. Two
// entries for the same (port, id) are the same socket seen twice; the tree
// keeps one.
type diagItem struct {
	e DiagEntry
}

func (a *diagItem) Less(b btree.Item) bool {
	o := b.(*diagItem)
	if a.e.Local.Port != o.e.Local.Port {
		return a.e.Local.Port < o.e.Local.Port
	}
	return a.e.ID < o.e.ID
}

// Diag returns a snapshot of every live socket, ordered by local port. The
// dump includes connections still waiting on listener queues. Sockets are
// visited without suspending the stack, so a dump taken under churn is a
// consistent ordering of slightly staggered snapshots, not an atomic one.
func (st *Stack) Diag() []DiagEntry {
	var socks []*Sock
	st.registry.each(func(s *Sock) {
		socks = append(socks, s)
	})

	t := btree.New(8)
	var queued []*Sock
	for _, s := range socks {
		e, children, ok := s.diagEntry()
		if !ok {
			continue
		}
		t.ReplaceOrInsert(&diagItem{e})
		queued = append(queued, children...)
	}
	// A child accepted since the snapshot shows up in both walks; the
	// tree collapses the duplicate.
	for _, c := range queued {
		if e, _, ok := c.diagEntry(); ok {
			t.ReplaceOrInsert(&diagItem{e})
		}
	}

	out := make([]DiagEntry, 0, t.Len())
	t.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*diagItem).e)
		return true
	})
	return out
}

// diagEntry snapshots one socket. For listeners it also returns the
// connections still on the accept queue, which are not registered and so
// not otherwise visible.
func (s *Sock) diagEntry() (DiagEntry, []*Sock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return DiagEntry{}, nil, false
	}
	info := s.infoLocked()
	e := DiagEntry{
		ID:      s.id,
		Net:     s.net,
		Local:   info.Local,
		Remote:  info.Remote,
		Device:  info.Device,
		Pending: s.aq != nil,
	}
	if s.state == stateConnected {
		e.State = s.machine.State().String()
	} else {
		e.State = s.state.String()
	}
	var children []*Sock
	if s.state == stateListen {
		socks, ready, backlog := s.accept.snapshot()
		e.Accepting = true
		e.Ready = ready
		e.Backlog = backlog
		children = socks
	}
	return e, children, true
}
