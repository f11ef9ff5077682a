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
	"encoding/binary"

	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/demux"
	"tcpsock.dev/tcpsock/pkg/tcpip/hash/jenkins"
	"tcpsock.dev/tcpsock/pkg/tcpip/seqnum"
	"tcpsock.dev/tcpsock/pkg/waiter"
)

// Connect starts or reports on a connection to addr. The first successful
// call claims a 4-tuple, sends the SYN and returns ErrConnectStarted; the
// handshake then runs in the background. Later calls report its outcome:
// ErrConnectStarted while it is still running, nil exactly once when it has
// completed, ErrAlreadyConnected afterwards, and the latched failure
// persistently if it was aborted.
func (s *Sock) Connect(addr tcpip.FullAddress) *tcpip.Error {
	st := s.stack
	st.lockDemuxFamily(s.net)
	s.mu.Lock()
	wasConnected := s.state == stateConnected
	err, displaced := s.connectLocked(addr)
	st.unlockDemuxFamily(s.net)

	var teardown bool
	if err == tcpip.ErrConnectStarted && !wasConnected {
		// The connection was just created; push out its SYN.
		teardown = s.afterMachineEventLocked()
	}
	s.mu.Unlock()

	if displaced != nil {
		st.destroySock(displaced)
	}
	if teardown {
		st.maybeTeardown(s)
	}
	return err
}

// connectLocked runs connect under the demux locks and s.mu. It returns the
// TIME-WAIT socket displaced by tuple reuse, if any, for the caller to
// destroy once the locks are dropped.
func (s *Sock) connectLocked(addr tcpip.FullAddress) (*tcpip.Error, *Sock) {
	st := s.stack

	switch s.state {
	case stateConnected:
		if s.defunct {
			return tcpip.ErrInvalidEndpointState, nil
		}
		return s.connectResultLocked(), nil
	case stateListen, stateClosed:
		return tcpip.ErrInvalidEndpointState, nil
	}

	remote, cs, err := resolveConnectAddr(s.net, s.v6only, addr.Addr)
	if err != nil {
		return err, nil
	}
	if len(remote) == 0 || remote.Unspecified() {
		return tcpip.ErrDestinationRequired, nil
	}
	if s.state == stateBound && !siteAllowsConn(s.site, cs) {
		return tcpip.ErrBadLocalAddress, nil
	}

	// Resolve the device constraint, folding in the remote's zone for
	// link-local destinations.
	dev := s.device
	if s.state == stateBound {
		dev = s.boundDev
	}
	if isV6LinkLocal(addr.Addr) {
		switch {
		case addr.NIC == 0 && dev == 0:
			return tcpip.ErrBadZone, nil
		case addr.NIC != 0 && dev != 0 && addr.NIC != dev:
			return tcpip.ErrBadZone, nil
		case dev == 0:
			dev = addr.NIC
		}
	}

	net := connNet(s.net, cs)
	var localHint tcpip.Address
	if s.state == stateBound {
		localHint = s.boundAddr
	}
	r, rerr := st.ip.FindRoute(net, dev, localHint, remote)
	if rerr != nil {
		return rerr, nil
	}
	local := r.LocalAddr()

	d := st.demuxFor(net)
	ca := demux.ConnAddr{
		LocalAddr:  local,
		RemoteAddr: remote,
		RemotePort: addr.Port,
		Device:     dev,
	}

	var displaced *Sock
	var displacedSndNxt seqnum.Value
	if s.state == stateBound {
		ca.LocalPort = s.boundPort
		if cerr := d.m.CheckConn(ca); cerr != nil {
			victim, sndNxt, verr := s.takeOverTimeWaitLocked(d, ca)
			if verr != nil {
				r.Release()
				return verr, nil
			}
			displaced, displacedSndNxt = victim, sndNxt
		}
	} else {
		port, perr := st.pickConnPort(d, &ca, addr.Port)
		if perr != nil {
			r.Release()
			st.stats.Socket.FailedPortAllocations.Increment()
			return perr, nil
		}
		ca.LocalPort = port
	}

	isn := st.generateISN(local, ca.LocalPort, remote, addr.Port)
	if displaced != nil {
		// Stay ahead of the displaced connection's sequence space so
		// the peer cannot mistake our segments for late ones of its
		// predecessor.
		if !displacedSndNxt.LessThanEq(isn) {
			isn = displacedSndNxt.Add(1)
		}
	}

	if ierr := d.m.InsertConn(ca, sharingOf(s.reuseAddr), s); ierr != nil {
		r.Release()
		return tcpip.ErrConnectionExists, nil
	}
	if s.state == stateBound {
		// The connection entry carries the port from here on.
		st.removeListenerLocked(s)
	}

	s.sndbuf = st.bindings.NewSendBuffer(s.sndSize)
	s.rcvbuf = st.bindings.NewReceiveBuffer(s.rcvSize)
	s.machine = st.machines.NewActive(isn, s.sndbuf, s.rcvbuf, r.MMS())
	s.ipsock = r
	s.connLocal = tcpip.FullAddress{Addr: local, Port: ca.LocalPort}
	s.connRemote = tcpip.FullAddress{Addr: remote, Port: addr.Port}
	s.connSite = cs
	s.boundDev = dev
	s.demuxed = true
	s.state = stateConnected
	s.hs = handshakePending
	st.stats.Socket.ActiveConnectionOpenings.Increment()
	return tcpip.ErrConnectStarted, displaced
}

// takeOverTimeWaitLocked resolves a tuple collision in favor of the new
// connection when the occupant is a closed connection lingering in
// TIME-WAIT. The victim's demux entry is removed here, under the held map
// lock, and its next send sequence returned; the caller finishes its
// destruction once the locks are dropped.
func (s *Sock) takeOverTimeWaitLocked(d *demuxState, ca demux.ConnAddr) (*Sock, seqnum.Value, *tcpip.Error) {
	ep, ok := d.m.Lookup(ca.LocalAddr, ca.LocalPort, ca.RemoteAddr, ca.RemotePort, ca.Device)
	if !ok {
		return nil, 0, tcpip.ErrConnectionExists
	}
	victim, ok := ep.(*Sock)
	if !ok || victim == s {
		return nil, 0, tcpip.ErrConnectionExists
	}

	// Holders of a socket lock never wait on a demux lock, so taking the
	// victim's lock while we hold both is safe.
	victim.mu.Lock()
	defer victim.mu.Unlock()
	if victim.state != stateConnected || !victim.defunct || victim.machine.State() != StateTimeWait {
		return nil, 0, tcpip.ErrConnectionExists
	}
	d.m.RemoveConn(victim.connAddrLocked(), victim)
	victim.demuxed = false
	sndNxt, _ := victim.machine.SndInfo()
	return victim, sndNxt, nil
}

// pickConnPort chooses an ephemeral local port for an implicit bind, free
// for the exact 4-tuple and distinct from the destination port to avoid
// accidental self-connection.
func (st *Stack) pickConnPort(d *demuxState, ca *demux.ConnAddr, remotePort uint16) (uint16, *tcpip.Error) {
	st.rngMu.Lock()
	defer st.rngMu.Unlock()
	return st.ports.PickEphemeralPort(st.rng, func(port uint16) (bool, *tcpip.Error) {
		if port == remotePort {
			return false, nil
		}
		c := *ca
		c.LocalPort = port
		return d.m.CheckConn(c) == nil, nil
	})
}

func (s *Sock) connectResultLocked() *tcpip.Error {
	switch s.hs {
	case handshakePending:
		return tcpip.ErrConnectStarted
	case handshakeAborted:
		if s.hsErr != nil {
			return s.hsErr
		}
		return tcpip.ErrConnectionAborted
	default:
		if !s.hsReported {
			s.hsReported = true
			return nil
		}
		return tcpip.ErrAlreadyConnected
	}
}

// generateISN produces the initial sequence number for a 4-tuple: a keyed
// hash of the connection identity plus a clock component that advances
// every 64ns, after RFC 6528.
func (st *Stack) generateISN(localAddr tcpip.Address, localPort uint16, remoteAddr tcpip.Address, remotePort uint16) seqnum.Value {
	h := jenkins.Sum32(st.seed)
	h.Write([]byte(localAddr))
	h.Write([]byte(remoteAddr))
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], localPort)
	h.Write(portBuf[:])
	binary.BigEndian.PutUint16(portBuf[:], remotePort)
	h.Write(portBuf[:])
	return seqnum.Value(h.Sum32() + uint32(st.clock.NowNanoseconds()>>6))
}

// updateHandshakeLocked latches handshake completion or failure off the
// machine's state. The latch moves at most once, away from pending.
func (s *Sock) updateHandshakeLocked() {
	if s.hs != handshakePending || s.machine == nil {
		return
	}
	switch state := s.machine.State(); {
	case state == StateSynSent || state == StateSynRcvd:
		// Still going.

	case state == StateClosed && s.machine.Error() != nil:
		s.hs = handshakeAborted
		s.hsErr = s.machine.Error()
		s.stack.stats.Socket.FailedConnectionAttempts.Increment()

	default:
		s.hs = handshakeCompleted
		if q := s.aq; q != nil {
			q.noteReady(s)
			s.stack.stats.Socket.PassiveConnectionOpenings.Increment()
		}
	}
}

// afterMachineEventLocked runs the common follow-up after the machine may
// have changed state or produced output: latch handshake transitions, drain
// outgoing segments, rearm the deadline timer and wake waiters. It reports
// whether the machine reached its terminal state, in which case the caller
// must call maybeTeardown once mu is released.
func (s *Sock) afterMachineEventLocked() bool {
	s.updateHandshakeLocked()
	s.doSendLocked(0)
	s.rescheduleTimerLocked()
	s.wq.Notify(waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHUp)
	return s.machine.State() == StateClosed
}

func (s *Sock) handleConnSegmentLocked(seg *Segment) bool {
	if s.machine.State() == StateClosed {
		// Already terminal; the tuple is about to leave the demux.
		return false
	}
	s.machine.HandleSegment(seg)
	return s.afterMachineEventLocked()
}

// doSendLocked drains the machine's pending output, transmitting each
// segment. A positive limit bounds the total payload bytes pulled from the
// send buffer.
func (s *Sock) doSendLocked(limit int) {
	for {
		seg := s.machine.PollSend(limit)
		if seg == nil {
			return
		}
		s.transmitLocked(seg)
		if limit > 0 {
			limit -= len(seg.Payload)
			if limit <= 0 {
				return
			}
		}
	}
}

// transmitLocked stamps the connection's addressing on an outbound segment
// and hands it to the IP layer. Machines produce only the TCP half.
func (s *Sock) transmitLocked(seg *Segment) {
	seg.Net = connNet(s.net, s.connSite)
	seg.Local = s.connLocal
	seg.Remote = s.connRemote
	if err := s.ipsock.Transmit(seg); err != nil {
		s.softError = err
	}
}

// rescheduleTimerLocked arms the socket's timer for the machine's next
// deadline, or stops it when none is pending.
func (s *Sock) rescheduleTimerLocked() {
	when, ok := s.machine.PollSendAt()
	if !ok {
		if s.timerWhen != 0 {
			s.timer.Stop()
			s.timerWhen = 0
		}
		return
	}
	if when == s.timerWhen {
		return
	}
	d := s.stack.afterNow(when)
	if s.timer == nil {
		s.timer = s.stack.clock.AfterFunc(d, s.timerFired)
	} else {
		s.timer.Reset(d)
	}
	s.timerWhen = when
}

func (s *Sock) timerFired() {
	if !s.tryIncRef() {
		return
	}
	var teardown bool
	s.mu.Lock()
	if s.state == stateConnected {
		s.timerWhen = 0
		teardown = s.afterMachineEventLocked()
	}
	s.mu.Unlock()
	if teardown {
		s.stack.maybeTeardown(s)
	}
	s.decRef()
}

// DoSend pushes bytes the application queued in the send buffer into the
// connection, bounded by limit bytes when positive. The platform calls it
// after writing to the send buffer.
func (s *Sock) DoSend(limit int) *tcpip.Error {
	s.mu.Lock()
	switch {
	case s.state == stateClosed || s.defunct:
		s.mu.Unlock()
		return tcpip.ErrInvalidEndpointState
	case s.state != stateConnected:
		s.mu.Unlock()
		return tcpip.ErrNotConnected
	case s.shutFlags&tcpip.ShutdownWrite != 0:
		s.mu.Unlock()
		return tcpip.ErrClosedForSend
	case s.hs == handshakeAborted:
		err := s.hsErr
		if err == nil {
			err = tcpip.ErrConnectionAborted
		}
		s.mu.Unlock()
		return err
	}
	if err := s.machine.Error(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.doSendLocked(limit)
	s.rescheduleTimerLocked()
	teardown := s.machine.State() == StateClosed
	s.mu.Unlock()
	if teardown {
		s.stack.maybeTeardown(s)
	}
	return nil
}

// OnReceiveBufferRead tells the connection the application drained some of
// the receive buffer. If the newly opened window is worth re-advertising,
// the update goes out immediately.
func (s *Sock) OnReceiveBufferRead() {
	s.mu.Lock()
	if s.state == stateConnected && !s.defunct {
		if seg := s.machine.WindowUpdate(); seg != nil {
			s.transmitLocked(seg)
		}
	}
	s.mu.Unlock()
}
