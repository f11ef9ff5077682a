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

	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/demux"
	"tcpsock.dev/tcpsock/pkg/waiter"
)

// Shutdown closes one or both directions of the socket. On a connection,
// shutting write sends a FIN after the queued data and shutting read drops
// payload from then on. On a listener, shutting read aborts every queued
// connection and reverts the socket to its pre-listen bound state.
func (s *Sock) Shutdown(flags tcpip.ShutdownFlags) *tcpip.Error {
	st := s.stack
	st.lockDemuxFamily(s.net)
	s.mu.Lock()

	switch s.state {
	case stateConnected:
		if s.defunct {
			s.mu.Unlock()
			st.unlockDemuxFamily(s.net)
			return tcpip.ErrInvalidEndpointState
		}
		s.shutFlags |= flags
		if flags&tcpip.ShutdownRead != 0 {
			s.machine.ShutdownRecv()
		}
		if flags&tcpip.ShutdownWrite != 0 {
			s.machine.Close()
		}
		teardown := s.afterMachineEventLocked()
		s.mu.Unlock()
		st.unlockDemuxFamily(s.net)
		if teardown {
			st.maybeTeardown(s)
		}
		return nil

	case stateListen:
		if flags&tcpip.ShutdownRead == 0 {
			s.mu.Unlock()
			st.unlockDemuxFamily(s.net)
			return nil
		}
		drained := s.accept.drain()
		s.accept = nil
		la := demux.ListenerAddr{Addr: s.boundAddr, Port: s.boundPort, Device: s.boundDev}
		bound := demux.Flags{Sharing: sharingOf(s.reuseAddr), Kind: demux.KindBound}
		for _, n := range listenerNets(s.net, s.site) {
			// Downgrading a listener never conflicts.
			if err := st.demuxFor(n).m.UpdateListener(la, s, bound); err != nil {
				panic("demux listener downgrade failed")
			}
		}
		s.state = stateBound
		s.mu.Unlock()
		st.unlockDemuxFamily(s.net)
		st.abortDrained(drained)
		s.wq.Notify(waiter.EventHUp | waiter.EventIn)
		return nil
	}

	s.mu.Unlock()
	st.unlockDemuxFamily(s.net)
	return tcpip.ErrNotConnected
}

// Close releases the application's hold on the socket. Most sockets are
// destroyed on the spot; an open connection first runs its graceful
// teardown, lingering out of the application's sight until its machine
// winds down to the terminal state.
func (s *Sock) Close() {
	st := s.stack
	s.mu.Lock()
	if s.state == stateConnected && s.defunct {
		// Already closed once; the lingering teardown is in motion.
		s.mu.Unlock()
		return
	}
	if s.state == stateConnected && s.machine.State() != StateClosed {
		s.defunct = true
		s.shutFlags = tcpip.ShutdownRead | tcpip.ShutdownWrite
		s.machine.Close()
		teardown := s.afterMachineEventLocked()
		s.mu.Unlock()
		if teardown {
			st.maybeTeardown(s)
		}
		return
	}
	s.mu.Unlock()
	st.destroySock(s)
}

// Abort terminates the socket immediately, resetting the peer if a
// connection is live. Unlike Close it never lingers.
func (s *Sock) Abort() {
	s.mu.Lock()
	if s.state == stateConnected && s.machine.State() != StateClosed {
		s.machine.Abort()
		s.doSendLocked(0)
	}
	s.mu.Unlock()
	s.stack.destroySock(s)
}

// abortDrained resets and destroys connections taken off a listener's
// queue. None of them were ever application-visible.
func (st *Stack) abortDrained(children []*Sock) {
	for _, c := range children {
		c.mu.Lock()
		if c.state == stateConnected && c.machine.State() != StateClosed {
			c.machine.Abort()
			c.doSendLocked(0)
		}
		c.mu.Unlock()
		st.destroySock(c)
	}
}

// maybeTeardown retires a connection whose machine reached the terminal
// state: the 4-tuple leaves the demux and the timer stops immediately. The
// socket itself is destroyed only if nothing will come looking for it,
// meaning the application already closed it or it was never accepted;
// otherwise it stays registered, holding the terminal error for the
// application to collect.
func (st *Stack) maybeTeardown(s *Sock) {
	st.lockDemuxFamily(s.net)
	s.mu.Lock()
	if s.state != stateConnected || s.machine.State() != StateClosed {
		s.mu.Unlock()
		st.unlockDemuxFamily(s.net)
		return
	}
	if s.demuxed {
		d := st.demuxFor(connNet(s.net, s.connSite))
		d.m.RemoveConn(s.connAddrLocked(), s)
		s.demuxed = false
	}
	if s.timerWhen != 0 {
		s.timer.Stop()
		s.timerWhen = 0
	}
	if s.ipsock != nil {
		s.ipsock.Release()
		s.ipsock = nil
	}
	destroy := s.defunct || s.aq != nil
	s.mu.Unlock()
	st.unlockDemuxFamily(s.net)
	if destroy {
		st.destroySock(s)
	}
}

// destroySock is the one destruction path for every socket state. Exactly
// one caller wins the race to run it. The socket leaves the registry and
// every demux map, its machinery stops, and its resources go back to the
// bindings, deferred until the last concurrent reference drops.
func (st *Stack) destroySock(s *Sock) {
	st.lockDemuxFamily(s.net)
	s.mu.Lock()

	expectPromote := false
	if q := s.aq; q != nil {
		expectPromote = !q.remove(s)
		s.aq = nil
	}
	if !st.registry.unregister(s, expectPromote) {
		s.mu.Unlock()
		st.unlockDemuxFamily(s.net)
		return
	}

	var drained []*Sock
	if s.state == stateListen {
		drained = s.accept.drain()
		s.accept = nil
	}
	if s.demuxed {
		switch s.state {
		case stateBound, stateListen:
			st.removeListenerLocked(s)
		case stateConnected:
			d := st.demuxFor(connNet(s.net, s.connSite))
			d.m.RemoveConn(s.connAddrLocked(), s)
			s.demuxed = false
		}
	}
	if s.timerWhen != 0 {
		s.timer.Stop()
		s.timerWhen = 0
	}
	if s.ipsock != nil {
		s.ipsock.Release()
		s.ipsock = nil
	}
	snd, rcv := s.sndbuf, s.rcvbuf
	s.sndbuf, s.rcvbuf = nil, nil
	s.state = stateClosed
	reclaim := make(chan struct{})
	s.reclaimCh = reclaim
	s.mu.Unlock()
	st.unlockDemuxFamily(s.net)

	st.abortDrained(drained)
	s.wq.Notify(waiter.EventHUp | waiter.EventErr | waiter.EventIn | waiter.EventOut)
	st.stats.Socket.SocketsDestroyed.Increment()

	// Drop the owner reference. With concurrent references still out,
	// reclamation waits for the last of them.
	if v := atomic.AddInt64(&s.refCount, -1); v == 0 {
		s.reclaimCh = nil
		st.bindings.OnReclaim(Reclaim{SendBuffer: snd, ReceiveBuffer: rcv})
	} else {
		st.stats.Socket.DeferredReclaims.Increment()
		st.bindings.OnReclaim(Reclaim{SendBuffer: snd, ReceiveBuffer: rcv, Done: reclaim})
	}
}
