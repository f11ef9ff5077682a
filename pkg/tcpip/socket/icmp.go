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
	"time"

	"tcpsock.dev/tcpsock/pkg/log"
	"tcpsock.dev/tcpsock/pkg/tcpip"
)

// ControlType is the type of network control message, distilled from the
// ICMP error that carried it.
type ControlType int

// The following are the allowed values for ControlType values.
const (
	ControlNetworkUnreachable ControlType = iota
	ControlHostUnreachable
	ControlPortUnreachable
)

// controlError maps a control message to the socket error it reports.
func controlError(typ ControlType) *tcpip.Error {
	switch typ {
	case ControlPortUnreachable:
		return tcpip.ErrConnectionRefused
	case ControlHostUnreachable:
		return tcpip.ErrNoRoute
	default:
		return tcpip.ErrNetworkUnreachable
	}
}

var icmpMissLogger = log.BasicRateLimitedLogger(30 * time.Second)

// DeliverICMPError routes an inbound ICMP error to the connection whose
// segment provoked it. The error quotes the headers of that segment, so
// local and remote are the quoted segment's source and destination, net is
// the IP version the error arrived on, and the connection is found by
// reverse 4-tuple lookup rather than through a live reference. A v6 socket
// carrying a connection over IPv4 is found through the IPv4 map like any
// other occupant of it.
func (st *Stack) DeliverICMPError(net tcpip.NetworkProtocolNumber, local, remote tcpip.FullAddress, typ ControlType) {
	d := st.demuxFor(net)
	d.mu.RLock()
	var sock *Sock
	if ep, ok := d.m.Lookup(local.Addr, local.Port, remote.Addr, remote.Port, local.NIC); ok {
		s := ep.(*Sock)
		if s.tryIncRef() {
			sock = s
		}
	}
	d.mu.RUnlock()

	applied := false
	if sock != nil {
		applied = sock.handleICMPError(typ)
		sock.decRef()
	}
	if !applied {
		st.stats.Demux.UnroutableErrors.Increment()
		icmpMissLogger.Infof("dropping ICMP error (%s) for %v:%d -> %v:%d: no connection", controlError(typ), local.Addr, local.Port, remote.Addr, remote.Port)
		return
	}
	st.stats.Demux.RoutedErrors.Increment()
}

// handleICMPError applies a control message to the connection. Port
// unreachable during the handshake is fatal; every other case records a
// transient error for the application to collect and lets the machine
// react, typically by retransmitting sooner. It reports whether the socket
// was in a state to take the error.
func (s *Sock) handleICMPError(typ ControlType) bool {
	err := controlError(typ)
	s.mu.Lock()
	if s.state != stateConnected || s.machine.State() == StateClosed {
		s.mu.Unlock()
		return false
	}
	fatal := typ == ControlPortUnreachable && s.hs == handshakePending
	if !fatal {
		s.softError = err
	}
	s.machine.HandleError(err, fatal)
	teardown := s.afterMachineEventLocked()
	s.mu.Unlock()
	if teardown {
		// A fatal error on a connection still sitting unaccepted on a
		// listener's queue evicts and destroys it here.
		s.stack.maybeTeardown(s)
	}
	return true
}
