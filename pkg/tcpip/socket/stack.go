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

// Package socket orchestrates TCP sockets: identity, addressing and
// lifecycle. It owns the socket registry, the per-version demultiplexing
// maps, port allocation and dual-stack address handling, and drives each
// connection's protocol machine without being one itself. The pieces it
// does not own arrive as collaborators: an IPLayer routes and transmits, a
// MachineFactory supplies RFC 793 machines, and Bindings provide time,
// randomness and buffers.
//
// Locks nest in a fixed order: the IPv6 demux, then the IPv4 demux, then a
// socket's mu, then leaf locks (a listener's accept queue, the registry).
// No code path acquires a demux lock while holding a socket's mu.
package socket

import (
	"encoding/binary"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"tcpsock.dev/tcpsock/pkg/sync"
	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/demux"
	"tcpsock.dev/tcpsock/pkg/tcpip/ports"
	"tcpsock.dev/tcpsock/pkg/tcpip/seqnum"
)

const (
	// DefaultBufferSize is the initial size of a connection's send and
	// receive buffers.
	DefaultBufferSize = 208 * 1024

	// DefaultMaxBufferSize is the largest size a buffer option may
	// request.
	DefaultMaxBufferSize = 4 << 20

	// DefaultMinBufferSize is the smallest size a buffer option may
	// request.
	DefaultMinBufferSize = 4 << 10

	// DefaultMaxBacklog caps listen backlogs.
	DefaultMaxBacklog = 1024
)

// Options configures a Stack. IP, Machines and Bindings are required.
type Options struct {
	IP       IPLayer
	Machines MachineFactory
	Bindings Bindings

	// DefaultSendBufferSize and DefaultReceiveBufferSize are the initial
	// buffer sizes for new connections. Zero selects DefaultBufferSize.
	DefaultSendBufferSize    int
	DefaultReceiveBufferSize int

	// MinBufferSize and MaxBufferSize clamp buffer size options. Zero
	// selects the package defaults.
	MinBufferSize int
	MaxBufferSize int

	// MaxBacklog caps the backlog accepted by Listen. Zero selects
	// DefaultMaxBacklog.
	MaxBacklog int

	// FirstEphemeralPort and LastEphemeralPort bound the ephemeral port
	// range. Both zero selects the allocator's default range.
	FirstEphemeralPort uint16
	LastEphemeralPort  uint16

	// Seed perturbs initial sequence number generation. Zero draws a
	// seed from Bindings.Rand.
	Seed uint32
}

type demuxState struct {
	mu sync.RWMutex
	m  *demux.Map
}

// demuxIdx* index Stack.demux. The v6 map is first because that is also
// its position in the lock order.
const (
	demuxIdxV6 = 0
	demuxIdxV4 = 1
)

// Stack is a TCP socket layer. It creates sockets, routes inbound segments
// and errors to them, and tears them down.
type Stack struct {
	ip       IPLayer
	machines MachineFactory
	bindings Bindings
	clock    tcpip.Clock
	opts     Options
	seed     uint32
	stats    tcpip.Stats
	ports    *ports.Allocator
	registry *registry

	// rng drives ephemeral port selection; rngMu serializes it.
	rngMu sync.Mutex
	rng   *rand.Rand

	nextID uint64

	demux [2]demuxState
}

// New creates a Stack from opts. It panics if a required collaborator is
// missing.
func New(opts Options) *Stack {
	switch {
	case opts.IP == nil:
		panic("socket.New: Options.IP is required")
	case opts.Machines == nil:
		panic("socket.New: Options.Machines is required")
	case opts.Bindings == nil:
		panic("socket.New: Options.Bindings is required")
	}
	if opts.DefaultSendBufferSize == 0 {
		opts.DefaultSendBufferSize = DefaultBufferSize
	}
	if opts.DefaultReceiveBufferSize == 0 {
		opts.DefaultReceiveBufferSize = DefaultBufferSize
	}
	if opts.MinBufferSize == 0 {
		opts.MinBufferSize = DefaultMinBufferSize
	}
	if opts.MaxBufferSize == 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.MaxBacklog == 0 {
		opts.MaxBacklog = DefaultMaxBacklog
	}

	s := &Stack{
		ip:       opts.IP,
		machines: opts.Machines,
		bindings: opts.Bindings,
		clock:    opts.Bindings.Clock(),
		opts:     opts,
		seed:     opts.Seed,
		ports:    ports.NewAllocator(),
		registry: newRegistry(),
	}
	s.stats = s.stats.FillIn()
	if s.seed == 0 {
		s.seed = randUint32(opts.Bindings.Rand(), s.clock)
	}
	s.rng = rand.New(rand.NewSource(int64(s.seed)))
	if opts.FirstEphemeralPort != 0 || opts.LastEphemeralPort != 0 {
		if err := s.ports.SetPortRange(opts.FirstEphemeralPort, opts.LastEphemeralPort); err != nil {
			panic("socket.New: invalid ephemeral port range")
		}
	}
	for i := range s.demux {
		s.demux[i].m = demux.NewMap()
	}
	return s
}

func randUint32(r io.Reader, clock tcpip.Clock) uint32 {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		// A clock-derived seed keeps ISNs moving even without entropy.
		return uint32(clock.NowNanoseconds())
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Create makes a new unbound socket of the given family.
func (st *Stack) Create(net tcpip.NetworkProtocolNumber) (*Sock, *tcpip.Error) {
	if net != tcpip.IPv4ProtocolNumber && net != tcpip.IPv6ProtocolNumber {
		return nil, tcpip.ErrUnknownProtocolOption
	}
	s := &Sock{
		stack:    st,
		id:       atomic.AddUint64(&st.nextID, 1),
		net:      net,
		refCount: 1,
		sndSize:  st.opts.DefaultSendBufferSize,
		rcvSize:  st.opts.DefaultReceiveBufferSize,
	}
	st.registry.add(s)
	st.stats.Socket.SocketsCreated.Increment()
	return s, nil
}

// Stats returns the stack's counters. The returned value shares the
// counters with the stack.
func (st *Stack) Stats() tcpip.Stats {
	return st.stats
}

// Clock returns the time source the stack schedules with.
func (st *Stack) Clock() tcpip.Clock {
	return st.clock
}

func (st *Stack) clampBufferSize(n int) int {
	if n < st.opts.MinBufferSize {
		return st.opts.MinBufferSize
	}
	if n > st.opts.MaxBufferSize {
		return st.opts.MaxBufferSize
	}
	return n
}

func (st *Stack) demuxFor(net tcpip.NetworkProtocolNumber) *demuxState {
	if net == tcpip.IPv6ProtocolNumber {
		return &st.demux[demuxIdxV6]
	}
	return &st.demux[demuxIdxV4]
}

// lockDemuxFamily write-locks every demux map a socket of the given family
// may touch. A v6 socket may reach both maps, so both are taken, v6 first.
func (st *Stack) lockDemuxFamily(net tcpip.NetworkProtocolNumber) {
	if net == tcpip.IPv6ProtocolNumber {
		st.demux[demuxIdxV6].mu.Lock()
	}
	st.demux[demuxIdxV4].mu.Lock()
}

func (st *Stack) unlockDemuxFamily(net tcpip.NetworkProtocolNumber) {
	st.demux[demuxIdxV4].mu.Unlock()
	if net == tcpip.IPv6ProtocolNumber {
		st.demux[demuxIdxV6].mu.Unlock()
	}
}

// DeliverSegment routes one inbound segment to the socket owning its
// 4-tuple, or to the most specific matching listener. Unmatched segments
// are answered with a RST so the sender learns nothing is there.
func (st *Stack) DeliverSegment(seg *Segment) {
	d := st.demuxFor(seg.Net)
	d.mu.RLock()
	var sock *Sock
	if ep, ok := d.m.Lookup(seg.Local.Addr, seg.Local.Port, seg.Remote.Addr, seg.Remote.Port, seg.Local.NIC); ok {
		s := ep.(*Sock)
		if s.tryIncRef() {
			sock = s
		}
	}
	d.mu.RUnlock()

	if sock == nil {
		st.stats.Demux.UnroutableSegments.Increment()
		st.replyRST(seg)
		return
	}
	st.stats.Demux.RoutedSegments.Increment()
	sock.handleSegment(seg)
	sock.decRef()
}

func (s *Sock) handleSegment(seg *Segment) {
	s.mu.Lock()
	switch s.state {
	case stateListen:
		disp := s.checkListenerSegmentLocked(seg)
		s.mu.Unlock()
		switch disp {
		case listenerSpawn:
			s.stack.spawnPassive(s, seg)
		case listenerReset:
			s.stack.replyRST(seg)
		}

	case stateConnected:
		teardown := s.handleConnSegmentLocked(seg)
		s.mu.Unlock()
		if teardown {
			s.stack.maybeTeardown(s)
		}

	default:
		// The socket left the demux between lookup and here; the
		// segment no longer has a home.
		s.mu.Unlock()
	}
}

// replyRST answers an unmatched segment with a reset, per RFC 793. Resets
// are never answered with resets.
func (st *Stack) replyRST(seg *Segment) {
	if seg.Flags.Intersects(FlagRst) {
		return
	}
	rst := &Segment{
		Net:    seg.Net,
		Local:  tcpip.FullAddress{Addr: seg.Local.Addr, Port: seg.Local.Port},
		Remote: tcpip.FullAddress{Addr: seg.Remote.Addr, Port: seg.Remote.Port},
	}
	if seg.Flags.Intersects(FlagAck) {
		rst.Flags = FlagRst
		rst.Seq = seg.Ack
	} else {
		ackLen := len(seg.Payload)
		if seg.Flags.Intersects(FlagSyn) {
			ackLen++
		}
		if seg.Flags.Intersects(FlagFin) {
			ackLen++
		}
		rst.Flags = FlagRst | FlagAck
		rst.Ack = seg.Seq.Add(seqnum.Size(ackLen))
	}

	r, err := st.ip.FindRoute(seg.Net, 0, seg.Local.Addr, seg.Remote.Addr)
	if err != nil {
		return
	}
	defer r.Release()
	if err := r.Transmit(rst); err == nil {
		st.stats.Socket.ResetsSent.Increment()
	}
}

// now returns the stack's monotonic time.
func (st *Stack) now() int64 {
	return st.clock.NowMonotonic()
}

// afterNow converts a monotonic deadline into a duration from now for timer
// arming.
func (st *Stack) afterNow(when int64) time.Duration {
	d := time.Duration(when - st.now())
	if d < 0 {
		d = 0
	}
	return d
}
