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
	"sync/atomic"

	"tcpsock.dev/tcpsock/pkg/sync"
	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/demux"
	"tcpsock.dev/tcpsock/pkg/waiter"
)

// acceptQueue carries inbound connections from a listener to Accept. It has
// its own lock so a connection completing its handshake under its own
// socket lock can mark itself ready without touching the listener's lock.
//
// A connection leaves the queue one of three ways, and the queue remembers
// which so destruction knows whether an Accept promotion is still coming:
// popped by Accept (promotion pending), removed by its own destruction, or
// drained when the listener stops listening.
type acceptQueue struct {
	mu sync.Mutex

	// open is cleared when the listener stops accepting. Arrivals and
	// readiness updates on a closed queue are ignored.
	open bool

	// socks holds queued connections in arrival order, handshaking and
	// ready ones alike. ready counts the ready ones.
	socks []*Sock
	ready int

	// cap is the backlog limit on len(socks).
	cap int

	// wq is the listener's waiter queue, notified as connections become
	// ready to accept.
	wq *waiter.Queue
}

// add appends a new connection if the queue is open and has room.
func (q *acceptQueue) add(s *Sock) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.open || len(q.socks) >= q.cap {
		return false
	}
	q.socks = append(q.socks, s)
	return true
}

// full reports whether an arrival right now would be turned away.
func (q *acceptQueue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.open || len(q.socks) >= q.cap
}

// noteReady marks a queued connection's handshake as complete.
func (q *acceptQueue) noteReady(s *Sock) {
	q.mu.Lock()
	if !q.open || s.aqReady {
		q.mu.Unlock()
		return
	}
	s.aqReady = true
	q.ready++
	q.mu.Unlock()
	q.wq.Notify(waiter.EventIn)
}

// popReady removes and returns the oldest ready connection, nil if none.
func (q *acceptQueue) popReady() *Sock {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.socks {
		if s.aqReady {
			q.socks = append(q.socks[:i], q.socks[i+1:]...)
			q.ready--
			s.aqPopped = true
			return s
		}
	}
	return nil
}

// remove takes a connection out of the queue on behalf of its destruction.
// It returns false exactly when an Accept promotion for the connection is
// still in flight, in which case the destroyer must leave a dead-on-arrival
// marker for it.
func (q *acceptQueue) remove(s *Sock) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ss := range q.socks {
		if ss == s {
			q.socks = append(q.socks[:i], q.socks[i+1:]...)
			if s.aqReady {
				q.ready--
			}
			return true
		}
	}
	return !s.aqPopped
}

// drain closes the queue and returns everything still in it.
func (q *acceptQueue) drain() []*Sock {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.open = false
	out := q.socks
	q.socks = nil
	q.ready = 0
	return out
}

func (q *acceptQueue) readyLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// snapshot copies the queue's contents for diagnostics.
func (q *acceptQueue) snapshot() ([]*Sock, int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Sock(nil), q.socks...), q.ready, q.cap
}

func (q *acceptQueue) setCap(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cap = n
}

// Listen turns a bound socket into a listener with the given backlog, or
// adjusts the backlog of one already listening. The reservation changes
// from passive to active, which fails if some other occupant of the address
// already listens.
func (s *Sock) Listen(backlog int) *tcpip.Error {
	st := s.stack
	if backlog < 1 {
		backlog = 1
	}
	if backlog > st.opts.MaxBacklog {
		backlog = st.opts.MaxBacklog
	}

	st.lockDemuxFamily(s.net)
	defer st.unlockDemuxFamily(s.net)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateListen:
		s.accept.setCap(backlog)
		return nil
	case stateBound:
	default:
		return tcpip.ErrInvalidEndpointState
	}

	la := demux.ListenerAddr{Addr: s.boundAddr, Port: s.boundPort, Device: s.boundDev}
	flags := demux.Flags{Sharing: sharingOf(s.reuseAddr), Kind: demux.KindListener}
	nets := listenerNets(s.net, s.site)
	for i, n := range nets {
		if err := st.demuxFor(n).m.UpdateListener(la, s, flags); err != nil {
			prev := demux.Flags{Sharing: sharingOf(s.reuseAddr), Kind: demux.KindBound}
			for _, undo := range nets[:i] {
				if uerr := st.demuxFor(undo).m.UpdateListener(la, s, prev); uerr != nil {
					panic("demux listen rollback failed")
				}
			}
			return tcpip.ErrListenerExists
		}
	}

	s.accept = &acceptQueue{open: true, cap: backlog, wq: &s.wq}
	s.state = stateListen
	return nil
}

// Accept takes the oldest established connection off the listener's queue
// and promotes it to an application-visible socket. It returns the peer's
// address alongside; ErrWouldBlock means nothing is ready yet.
func (s *Sock) Accept() (*Sock, tcpip.FullAddress, *tcpip.Error) {
	s.mu.Lock()
	if s.state != stateListen {
		s.mu.Unlock()
		return nil, tcpip.FullAddress{}, tcpip.ErrInvalidEndpointState
	}
	q := s.accept
	s.mu.Unlock()

	for {
		child := q.popReady()
		if child == nil {
			return nil, tcpip.FullAddress{}, tcpip.ErrWouldBlock
		}
		if !s.stack.registry.promote(child) {
			// Dead on arrival: the connection was destroyed after
			// its handshake completed but before we got here.
			continue
		}
		child.mu.Lock()
		child.aq = nil
		peer := tcpip.FullAddress{
			Addr: userAddr(child.net, child.connSite, child.connRemote.Addr),
			Port: child.connRemote.Port,
		}
		child.mu.Unlock()
		return child, peer, nil
	}
}

type listenerDisposition int

const (
	listenerDrop listenerDisposition = iota
	listenerSpawn
	listenerReset
)

// checkListenerSegmentLocked classifies a segment delivered to a listener:
// SYNs open connections, resets are ignored, anything else is answered with
// a reset.
func (s *Sock) checkListenerSegmentLocked(seg *Segment) listenerDisposition {
	switch {
	case seg.Flags.Intersects(FlagRst):
		return listenerDrop
	case !seg.Flags.Intersects(FlagSyn) || seg.Flags.Intersects(FlagAck):
		return listenerReset
	}
	return listenerSpawn
}

// spawnPassive opens a connection for a SYN delivered to a listener: it
// claims the 4-tuple, builds a machine seeded with the SYN, queues the new
// socket for accept and sends the SYN-ACK. The new socket is not registered
// until accept promotes it; until then the queue owns it.
func (st *Stack) spawnPassive(l *Sock, seg *Segment) {
	l.mu.Lock()
	if l.state != stateListen {
		l.mu.Unlock()
		return
	}
	q := l.accept
	reuse := l.reuseAddr
	dev := l.boundDev
	device := l.device
	v6only := l.v6only
	sndSize, rcvSize := l.sndSize, l.rcvSize
	marks := l.marks
	net := l.net
	l.mu.Unlock()

	if q.full() {
		st.stats.Socket.ListenOverflowSynDrop.Increment()
		return
	}

	cs := connThisStack
	if seg.Net != net {
		cs = connOtherStack
	}

	r, rerr := st.ip.FindRoute(seg.Net, dev, seg.Local.Addr, seg.Remote.Addr)
	if rerr != nil {
		return
	}

	child := &Sock{
		stack:     st,
		id:        atomic.AddUint64(&st.nextID, 1),
		net:       net,
		refCount:  1,
		state:     stateConnected,
		v6only:    v6only,
		reuseAddr: reuse,
		device:    device,
		boundDev:  dev,
		sndSize:   sndSize,
		rcvSize:   rcvSize,
		marks:     marks,
		ipsock:    r,
		connLocal: tcpip.FullAddress{Addr: seg.Local.Addr, Port: seg.Local.Port},
		connRemote: tcpip.FullAddress{
			Addr: seg.Remote.Addr,
			Port: seg.Remote.Port,
		},
		connSite: cs,
		hs:       handshakePending,
	}

	child.sndbuf = st.bindings.NewSendBuffer(sndSize)
	child.rcvbuf = st.bindings.NewReceiveBuffer(rcvSize)
	isn := st.generateISN(seg.Local.Addr, seg.Local.Port, seg.Remote.Addr, seg.Remote.Port)
	child.machine = st.machines.NewPassive(isn, seg, child.sndbuf, child.rcvbuf, r.MMS())

	// The tuple goes into the demux only once the socket can take
	// segments; from here on concurrent deliveries may reach it.
	ca := demux.ConnAddr{
		LocalAddr:  seg.Local.Addr,
		LocalPort:  seg.Local.Port,
		RemoteAddr: seg.Remote.Addr,
		RemotePort: seg.Remote.Port,
		Device:     dev,
	}
	d := st.demuxFor(seg.Net)
	d.mu.Lock()
	ierr := d.m.InsertConn(ca, sharingOf(reuse), child)
	d.mu.Unlock()
	if ierr != nil {
		// A connection with this tuple already exists, usually a
		// retransmitted SYN racing its twin. Drop ours.
		r.Release()
		st.bindings.OnReclaim(Reclaim{SendBuffer: child.sndbuf, ReceiveBuffer: child.rcvbuf})
		return
	}
	child.demuxed = true
	st.stats.Socket.SocketsCreated.Increment()

	// Publish to the accept queue. The segment path may already be
	// touching the socket through the demux, so the queue link is set in
	// the same critical section that enqueues.
	child.mu.Lock()
	queued := child.state == stateConnected && q.add(child)
	if queued {
		child.aq = q
	}
	var teardown bool
	if queued {
		teardown = child.afterMachineEventLocked()
	}
	child.mu.Unlock()

	if !queued {
		st.stats.Socket.ListenOverflowSynDrop.Increment()
		st.destroySock(child)
		return
	}
	if teardown {
		st.maybeTeardown(child)
	}
}
