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
	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/seqnum"
)

// MachineState is the RFC 793 state of a connection's protocol machine.
type MachineState int

const (
	StateSynSent MachineState = iota
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateClosed
)

// String implements fmt.Stringer.String.
func (s MachineState) String() string {
	switch s {
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRcvd:
		return "SYN-RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SegmentFlags is the set of TCP header flags carried by a segment.
type SegmentFlags uint8

const (
	FlagFin SegmentFlags = 1 << iota
	FlagSyn
	FlagRst
	FlagPsh
	FlagAck
)

// Intersects returns true iff the flags intersect with the given flags.
func (f SegmentFlags) Intersects(o SegmentFlags) bool {
	return f&o != 0
}

// Segment is a TCP segment in parsed form. Segments move between the socket
// layer, machines and the IP layer as structs; header serialization is owned
// by the IP layer.
type Segment struct {
	// Net is the network protocol the segment travels over. A segment for
	// a dual-stack connection carries the protocol actually on the wire,
	// which may differ from the owning socket's family.
	Net tcpip.NetworkProtocolNumber

	// Local and Remote name the segment's connection from the owning
	// socket's point of view: Local is this host's address and port,
	// Remote the peer's. For inbound segments Local.NIC is the device the
	// segment arrived on.
	Local  tcpip.FullAddress
	Remote tcpip.FullAddress

	Flags  SegmentFlags
	Seq    seqnum.Value
	Ack    seqnum.Value
	Window seqnum.Size

	// Payload is the segment's data. Receivers must not retain the slice
	// past the call that delivered it.
	Payload []byte
}

// Machine is a single connection's transmission state machine, the RFC 793
// core this package orchestrates but does not implement. A machine knows
// nothing about addressing or demultiplexing; it consumes segments already
// routed to its connection and produces segments for the socket layer to
// transmit.
//
// Machines never block and never call back into the socket layer. Output is
// pulled: after any call that may produce segments the caller drains
// PollSend until it returns nil, and PollSendAt tells the caller when to
// poll again. A machine is not safe for concurrent use; the owning socket's
// lock serializes all calls.
type Machine interface {
	// State returns the current connection state.
	State() MachineState

	// Error returns the terminal error when the machine has failed, e.g.
	// after an inbound RST or a handshake timeout. A non-nil error implies
	// State() == StateClosed, and the error never changes once set.
	Error() *tcpip.Error

	// HandleSegment processes one inbound segment already matched to this
	// connection.
	HandleSegment(s *Segment)

	// PollSend returns the next segment owed to the peer, or nil when the
	// machine has nothing to send right now. A positive limit bounds the
	// payload bytes the machine may pull from the send buffer for this
	// segment; zero or negative means unbounded. Deadlines that have
	// passed (retransmission, FIN-WAIT-2 or TIME-WAIT expiry) take effect
	// during this call.
	PollSend(limit int) *Segment

	// PollSendAt returns the monotonic time in nanoseconds at which the
	// machine next wants PollSend called, and false when no deadline is
	// pending.
	PollSendAt() (int64, bool)

	// Close starts a graceful teardown of the sending direction. Queued
	// data is still sent, followed by a FIN.
	Close()

	// Abort terminates the connection immediately. If the peer is owed a
	// RST it is produced by a subsequent PollSend.
	Abort()

	// ShutdownRecv closes the receiving direction. Payload arriving
	// afterwards is discarded and, depending on the machine, may elicit a
	// RST.
	ShutdownRecv()

	// HandleError delivers a network-reported error for the connection.
	// A fatal error drives the machine to StateClosed with Error() set;
	// a transient one is absorbed, possibly scheduling a retransmission.
	HandleError(err *tcpip.Error, fatal bool)

	// SndInfo returns the sequence number the machine would use for the
	// next new byte sent and the highest acknowledgment received from the
	// peer. Used when a connection in TIME-WAIT is displaced by a new one
	// reusing its 4-tuple.
	SndInfo() (sndNxt, rcvdAck seqnum.Value)

	// WindowUpdate returns a payload-free segment re-advertising the
	// receive window if draining the receive buffer has opened it enough
	// to be worth telling the peer about, nil otherwise.
	WindowUpdate() *Segment
}

// MachineFactory mints protocol machines for new connections.
type MachineFactory interface {
	// NewActive returns a machine initiating a connection. The machine
	// starts in StateSynSent with its SYN pending; the caller drains it
	// via PollSend.
	NewActive(isn seqnum.Value, snd SendBuffer, rcv ReceiveBuffer, mms int) Machine

	// NewPassive returns a machine answering the given inbound SYN. The
	// machine starts in StateSynRcvd with its SYN-ACK pending.
	NewPassive(isn seqnum.Value, syn *Segment, snd SendBuffer, rcv ReceiveBuffer, mms int) Machine
}
