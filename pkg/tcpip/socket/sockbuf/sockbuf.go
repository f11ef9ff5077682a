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

// Package sockbuf provides the ring-buffer-backed send and receive buffers
// used by the in-process platform bindings.
package sockbuf

import (
	"github.com/smallnest/ringbuffer"

	"tcpsock.dev/tcpsock/pkg/tcpip/socket"
)

// Buffer is a resizable byte ring. It serves as both a send buffer and a
// receive buffer; the socket layer serializes access, so no locking of its
// own is needed beyond the ring's.
type Buffer struct {
	rb  *ringbuffer.RingBuffer
	cap int
}

var (
	_ socket.SendBuffer    = (*Buffer)(nil)
	_ socket.ReceiveBuffer = (*Buffer)(nil)
)

// New creates a Buffer holding up to capacity bytes.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{rb: ringbuffer.New(capacity), cap: capacity}
}

// Enqueue appends p and returns the number of bytes accepted, short when
// the buffer fills.
func (b *Buffer) Enqueue(p []byte) int {
	if free := b.rb.Free(); len(p) > free {
		p = p[:free]
	}
	if len(p) == 0 {
		return 0
	}
	n, _ := b.rb.Write(p)
	return n
}

// Pull removes and returns up to max bytes from the front of the buffer,
// nil when it has none.
func (b *Buffer) Pull(max int) []byte {
	n := b.rb.Length()
	if n == 0 || max <= 0 {
		return nil
	}
	if n > max {
		n = max
	}
	out := make([]byte, n)
	m, _ := b.rb.Read(out)
	return out[:m]
}

// Read copies queued bytes into p, freeing their space.
func (b *Buffer) Read(p []byte) int {
	if len(p) == 0 || b.rb.IsEmpty() {
		return 0
	}
	n, _ := b.rb.Read(p)
	return n
}

// Len returns the number of bytes queued.
func (b *Buffer) Len() int {
	return b.rb.Length()
}

// Free returns the space left before the buffer is full.
func (b *Buffer) Free() int {
	return b.rb.Free()
}

// Capacity returns the buffer's limit.
func (b *Buffer) Capacity() int {
	return b.cap
}

// SetCapacity resizes the ring to hold n bytes and returns the capacity
// actually applied. A shrink below the bytes already queued is clamped so
// none are dropped.
func (b *Buffer) SetCapacity(n int) int {
	if n < 1 {
		n = 1
	}
	if l := b.rb.Length(); n < l {
		n = l
	}
	if n == b.cap {
		return n
	}
	rb := ringbuffer.New(n)
	if l := b.rb.Length(); l > 0 {
		tmp := make([]byte, l)
		m, _ := b.rb.Read(tmp)
		rb.Write(tmp[:m])
	}
	b.rb = rb
	b.cap = n
	return n
}

// Close drops any queued bytes. The buffer must not be used afterwards.
func (b *Buffer) Close() {
	b.rb.Reset()
}
