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

// Package loopback provides an in-process network for running socket
// stacks against each other: nodes joined by a pump-driven segment queue,
// deterministic protocol machines and ring-buffer platform bindings.
//
// Delivery is never inline. Transmitting queues the segment on the
// network; the caller then drives delivery with Step or Run. This keeps
// stack locks out of each other's call chains and makes interleavings
// explicit.
package loopback

import (
	"io"

	"tcpsock.dev/tcpsock/pkg/rand"
	"tcpsock.dev/tcpsock/pkg/sync"
	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/socket"
	"tcpsock.dev/tcpsock/pkg/tcpip/socket/sockbuf"
)

// DefaultMMS is the maximum message size nodes report unless overridden.
const DefaultMMS = 1460

// Network is a hub joining nodes. Segments transmitted by any node queue
// here until delivered.
type Network struct {
	mu          sync.Mutex
	nodes       []*Node
	queue       []*socket.Segment
	unreachable map[tcpip.Address]bool
	transmitErr map[tcpip.Address]*tcpip.Error
	filter      func(*socket.Segment) bool
	dropped     int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		unreachable: make(map[tcpip.Address]bool),
		transmitErr: make(map[tcpip.Address]*tcpip.Error),
	}
}

// NewNode adds a node to the network. Addresses, an MMS and a stack are
// attached afterwards.
func (n *Network) NewNode() *Node {
	nd := &Node{network: n, mms: DefaultMMS}
	n.mu.Lock()
	n.nodes = append(n.nodes, nd)
	n.mu.Unlock()
	return nd
}

// SetUnreachable makes route resolution to addr fail with ErrNoRoute.
func (n *Network) SetUnreachable(addr tcpip.Address, unreachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if unreachable {
		n.unreachable[addr] = true
	} else {
		delete(n.unreachable, addr)
	}
}

// SetTransmitError makes transmissions to addr fail with err, nil to clear.
// The segment is dropped and the sender sees the error from its route.
func (n *Network) SetTransmitError(addr tcpip.Address, err *tcpip.Error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.transmitErr[addr] = err
	} else {
		delete(n.transmitErr, addr)
	}
}

// SetFilter installs a function consulted for every queued segment at
// delivery. Returning false drops the segment. A nil filter delivers
// everything.
func (n *Network) SetFilter(f func(*socket.Segment) bool) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

func (n *Network) isUnreachable(addr tcpip.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unreachable[addr]
}

func (n *Network) enqueue(seg *socket.Segment) *tcpip.Error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.transmitErr[seg.Remote.Addr]; err != nil {
		return err
	}
	n.queue = append(n.queue, seg)
	return nil
}

// Pending returns the number of segments queued for delivery.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Dropped returns the number of segments discarded because no node owned
// their destination or the filter refused them.
func (n *Network) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Step delivers the oldest queued segment and reports whether there was
// one. Delivery may queue more segments.
func (n *Network) Step() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	seg := n.queue[0]
	n.queue = n.queue[1:]
	if n.filter != nil && !n.filter(seg) {
		n.dropped++
		n.mu.Unlock()
		return true
	}
	var target *socket.Stack
	var dev tcpip.NICID
	for _, nd := range n.nodes {
		if d, ok := nd.deviceFor(seg.Net, seg.Remote.Addr); ok {
			target = nd.attached()
			dev = d
			break
		}
	}
	n.mu.Unlock()

	if target == nil {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		return true
	}
	// The receiver sees the segment from its own side: addresses swap and
	// the arrival device rides on Local.
	target.DeliverSegment(&socket.Segment{
		Net:     seg.Net,
		Local:   tcpip.FullAddress{Addr: seg.Remote.Addr, Port: seg.Remote.Port, NIC: dev},
		Remote:  tcpip.FullAddress{Addr: seg.Local.Addr, Port: seg.Local.Port},
		Flags:   seg.Flags,
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		Window:  seg.Window,
		Payload: seg.Payload,
	})
	return true
}

// Run delivers queued segments until the network is idle and returns how
// many it delivered or dropped.
func (n *Network) Run() int {
	steps := 0
	for n.Step() {
		steps++
	}
	return steps
}

type netAddr struct {
	net  tcpip.NetworkProtocolNumber
	addr tcpip.Address
}

type device struct {
	id    tcpip.NICID
	addrs []netAddr
}

type redirectKey struct {
	net        tcpip.NetworkProtocolNumber
	localAddr  tcpip.Address
	localPort  uint16
	remoteAddr tcpip.Address
	remotePort uint16
}

// Node is one host on the network: a set of devices with addresses, and
// the stack attached to them. It implements socket.IPLayer.
type Node struct {
	network *Network
	mms     int

	mu        sync.Mutex
	stack     *socket.Stack
	devices   []device
	redirects map[redirectKey]tcpip.FullAddress
	routes    int
}

var _ socket.IPLayer = (*Node)(nil)

// AttachStack points the node's inbound path at st. It must be called
// before any delivery reaches the node.
func (nd *Node) AttachStack(st *socket.Stack) {
	nd.mu.Lock()
	nd.stack = st
	nd.mu.Unlock()
}

func (nd *Node) attached() *socket.Stack {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.stack
}

// SetMMS overrides the maximum message size the node's routes report.
func (nd *Node) SetMMS(mms int) {
	nd.mu.Lock()
	nd.mms = mms
	nd.mu.Unlock()
}

// AddAddress assigns addr to the given device, creating the device if the
// node does not have it yet.
func (nd *Node) AddAddress(dev tcpip.NICID, net tcpip.NetworkProtocolNumber, addr tcpip.Address) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	for i := range nd.devices {
		if nd.devices[i].id == dev {
			nd.devices[i].addrs = append(nd.devices[i].addrs, netAddr{net, addr})
			return
		}
	}
	nd.devices = append(nd.devices, device{id: dev, addrs: []netAddr{{net, addr}}})
}

// SetRedirect records an original destination for the given connection, as
// a NAT layer would, for OriginalDestination to report.
func (nd *Node) SetRedirect(net tcpip.NetworkProtocolNumber, local, remote, orig tcpip.FullAddress) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if nd.redirects == nil {
		nd.redirects = make(map[redirectKey]tcpip.FullAddress)
	}
	nd.redirects[redirectKey{net, local.Addr, local.Port, remote.Addr, remote.Port}] = orig
}

// deviceFor returns the device owning addr in the given family.
func (nd *Node) deviceFor(net tcpip.NetworkProtocolNumber, addr tcpip.Address) (tcpip.NICID, bool) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	for _, d := range nd.devices {
		for _, a := range d.addrs {
			if a.net == net && a.addr == addr {
				return d.id, true
			}
		}
	}
	return 0, false
}

// FindRoute implements socket.IPLayer.FindRoute.
func (nd *Node) FindRoute(net tcpip.NetworkProtocolNumber, dev tcpip.NICID, local, remote tcpip.Address) (socket.IPSock, *tcpip.Error) {
	if nd.network.isUnreachable(remote) {
		return nil, tcpip.ErrNoRoute
	}
	nd.mu.Lock()
	defer nd.mu.Unlock()
	for _, d := range nd.devices {
		if dev != 0 && d.id != dev {
			continue
		}
		for _, a := range d.addrs {
			if a.net != net {
				continue
			}
			if len(local) != 0 && a.addr != local {
				continue
			}
			nd.routes++
			return &route{node: nd, net: net, dev: d.id, local: a.addr}, nil
		}
	}
	return nil, tcpip.ErrNoRoute
}

// HasDevice implements socket.IPLayer.HasDevice.
func (nd *Node) HasDevice(dev tcpip.NICID) bool {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	for _, d := range nd.devices {
		if d.id == dev {
			return true
		}
	}
	return false
}

// DevicesWithAddr implements socket.IPLayer.DevicesWithAddr.
func (nd *Node) DevicesWithAddr(net tcpip.NetworkProtocolNumber, addr tcpip.Address) []tcpip.NICID {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	var out []tcpip.NICID
	for _, d := range nd.devices {
		for _, a := range d.addrs {
			if a.net == net && a.addr == addr {
				out = append(out, d.id)
				break
			}
		}
	}
	return out
}

// OriginalDestination implements socket.IPLayer.OriginalDestination.
func (nd *Node) OriginalDestination(net tcpip.NetworkProtocolNumber, local, remote tcpip.FullAddress) (tcpip.FullAddress, *tcpip.Error) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if orig, ok := nd.redirects[redirectKey{net, local.Addr, local.Port, remote.Addr, remote.Port}]; ok {
		return orig, nil
	}
	return tcpip.FullAddress{}, tcpip.ErrOriginalDstNotFound
}

// ActiveRoutes returns the number of routes handed out and not yet
// released, for leak checks.
func (nd *Node) ActiveRoutes() int {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.routes
}

type route struct {
	node  *Node
	net   tcpip.NetworkProtocolNumber
	dev   tcpip.NICID
	local tcpip.Address
}

var _ socket.IPSock = (*route)(nil)

func (r *route) Transmit(seg *socket.Segment) *tcpip.Error {
	return r.node.network.enqueue(seg)
}

func (r *route) MMS() int {
	r.node.mu.Lock()
	defer r.node.mu.Unlock()
	return r.node.mms
}

func (r *route) LocalAddr() tcpip.Address {
	return r.local
}

func (r *route) Release() {
	r.node.mu.Lock()
	r.node.routes--
	r.node.mu.Unlock()
}

// Bindings is an in-process socket.Bindings: a pluggable clock, the
// system's entropy and ring-buffer connection buffers. Reclaims are kept
// for inspection.
type Bindings struct {
	clock tcpip.Clock

	mu       sync.Mutex
	reclaims []socket.Reclaim
}

var _ socket.Bindings = (*Bindings)(nil)

// NewBindings creates bindings driven by the given clock, or by the system
// clock when nil.
func NewBindings(clock tcpip.Clock) *Bindings {
	if clock == nil {
		clock = tcpip.NewStdClock()
	}
	return &Bindings{clock: clock}
}

// Clock implements socket.Bindings.Clock.
func (b *Bindings) Clock() tcpip.Clock {
	return b.clock
}

// Rand implements socket.Bindings.Rand.
func (b *Bindings) Rand() io.Reader {
	return rand.Reader
}

// NewSendBuffer implements socket.Bindings.NewSendBuffer.
func (b *Bindings) NewSendBuffer(capacity int) socket.SendBuffer {
	return sockbuf.New(capacity)
}

// NewReceiveBuffer implements socket.Bindings.NewReceiveBuffer.
func (b *Bindings) NewReceiveBuffer(capacity int) socket.ReceiveBuffer {
	return sockbuf.New(capacity)
}

// OnReclaim implements socket.Bindings.OnReclaim.
func (b *Bindings) OnReclaim(r socket.Reclaim) {
	b.mu.Lock()
	b.reclaims = append(b.reclaims, r)
	b.mu.Unlock()
}

// Reclaims returns a copy of every reclaim received so far.
func (b *Bindings) Reclaims() []socket.Reclaim {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]socket.Reclaim(nil), b.reclaims...)
}
