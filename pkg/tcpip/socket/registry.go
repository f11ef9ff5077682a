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
	"fmt"

	"tcpsock.dev/tcpsock/pkg/sync"
)

type registryEntry uint8

const (
	// entryPrimary is a live, application-visible socket.
	entryPrimary registryEntry = iota + 1

	// entryDeadOnArrival marks a socket destroyed before it was ever
	// registered. A connection delivered to a listener's accept queue is
	// not registered until accept promotes it; if it is torn down in that
	// window by a racing close of the listener, destruction runs first
	// and plants this sentinel for promotion to find.
	entryDeadOnArrival
)

// registry is the table of every application-visible socket. Insertion and
// removal follow a strict protocol so that the promotion of an accepted
// connection and its concurrent destruction agree on a single outcome
// regardless of order.
type registry struct {
	mu sync.Mutex

	// socks maps each socket to its entry kind. Entries are keyed by
	// identity; a socket appears at most once.
	socks map[*Sock]registryEntry
}

func newRegistry() *registry {
	return &registry{socks: make(map[*Sock]registryEntry)}
}

// add registers a newly created socket. The socket must not already be
// present in any form.
func (r *registry) add(s *Sock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.socks[s]; ok {
		panic(fmt.Sprintf("socket %d already registered as %d", s.id, e))
	}
	r.socks[s] = entryPrimary
}

// promote registers a connection being handed to the application by accept.
// It returns false when destruction already ran for the socket, in which
// case the caller must discard it: the socket was dead on arrival.
func (r *registry) promote(s *Sock) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e, ok := r.socks[s]; {
	case !ok:
		r.socks[s] = entryPrimary
		return true
	case e == entryDeadOnArrival:
		delete(r.socks, s)
		return false
	default:
		panic(fmt.Sprintf("socket %d promoted twice", s.id))
	}
}

// unregister removes a socket as part of its destruction and returns whether
// this call was the one that destroyed it; destruction is a no-op the second
// time. expectPromote says a racing accept already took the socket off its
// listener's queue: for an unregistered socket that is the one case needing
// the dead-on-arrival marker, since only a later promote can clean it up.
func (r *registry) unregister(s *Sock, expectPromote bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.destroyed {
		return false
	}
	s.destroyed = true
	if _, ok := r.socks[s]; ok {
		delete(r.socks, s)
	} else if expectPromote {
		r.socks[s] = entryDeadOnArrival
	}
	return true
}

// each calls f for every registered primary socket. f must not call back
// into the registry.
func (r *registry) each(f func(*Sock)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s, e := range r.socks {
		if e == entryPrimary {
			f(s)
		}
	}
}
