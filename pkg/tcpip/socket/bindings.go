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
	"io"

	"tcpsock.dev/tcpsock/pkg/tcpip"
)

// SendBuffer queues bytes the application has written but the connection's
// machine has not yet carried in a segment. Implementations are provided by
// the platform bindings; the stack only moves bytes through them.
//
// Buffers are not required to be concurrency-safe. The socket layer accesses
// a connection's buffers only under that socket's lock, and hands them back
// to the bindings when the socket is destroyed.
type SendBuffer interface {
	// Enqueue appends p and returns the number of bytes accepted, which
	// is short when the buffer is full.
	Enqueue(p []byte) int

	// Pull removes and returns up to max bytes from the front of the
	// buffer. It returns nil when the buffer is empty.
	Pull(max int) []byte

	// Len returns the number of bytes currently queued.
	Len() int

	// Capacity returns the buffer's limit in bytes.
	Capacity() int

	// SetCapacity changes the buffer's limit and returns the value
	// actually applied. Queued data is never discarded by a shrink.
	SetCapacity(n int) int

	// Close releases the buffer's resources. No calls may follow.
	Close()
}

// ReceiveBuffer queues payload the connection's machine has accepted but the
// application has not yet read. Free is what the machine advertises as its
// receive window.
type ReceiveBuffer interface {
	// Enqueue appends p and returns the number of bytes accepted.
	Enqueue(p []byte) int

	// Read copies queued bytes into p, freeing their space, and returns
	// the number copied.
	Read(p []byte) int

	// Len returns the number of bytes currently queued.
	Len() int

	// Free returns the space left before the buffer is full.
	Free() int

	// Capacity returns the buffer's limit in bytes.
	Capacity() int

	// SetCapacity changes the buffer's limit and returns the value
	// actually applied.
	SetCapacity(n int) int

	// Close releases the buffer's resources. No calls may follow.
	Close()
}

// Reclaim describes the resources of one destroyed socket being returned to
// the platform bindings.
type Reclaim struct {
	// SendBuffer and ReceiveBuffer are the destroyed connection's buffers.
	// Both are nil for sockets that never connected.
	SendBuffer    SendBuffer
	ReceiveBuffer ReceiveBuffer

	// Done is nil when the socket was uniquely owned at destruction and
	// its resources may be reclaimed immediately. Otherwise concurrent
	// operations still hold references, and Done is closed once the last
	// of them drops; the buffers must not be touched before then.
	Done <-chan struct{}
}

// Bindings is the platform half of the stack: time, randomness, buffer
// allocation and resource reclamation all come from here. Implementations
// must be safe for concurrent use.
type Bindings interface {
	// Clock is the time source used for timestamps and timer scheduling.
	Clock() tcpip.Clock

	// Rand returns a cryptographically secure source of randomness.
	Rand() io.Reader

	// NewSendBuffer and NewReceiveBuffer allocate a new connection's
	// buffers with the given initial capacity.
	NewSendBuffer(capacity int) SendBuffer
	NewReceiveBuffer(capacity int) ReceiveBuffer

	// OnReclaim is called exactly once for every destroyed socket. It
	// must not call back into the stack.
	OnReclaim(r Reclaim)
}
