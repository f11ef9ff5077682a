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
)

// IPLayer is the routing and transmission collaborator under the socket
// layer. Implementations must be safe for concurrent use and must not call
// back into the stack from any of these methods.
type IPLayer interface {
	// FindRoute returns a transmission handle for the (local, remote)
	// pair. local may be unspecified, in which case the route selects the
	// source address; a non-zero device constrains the route to it.
	FindRoute(net tcpip.NetworkProtocolNumber, device tcpip.NICID, local, remote tcpip.Address) (IPSock, *tcpip.Error)

	// HasDevice returns whether the given device exists.
	HasDevice(device tcpip.NICID) bool

	// DevicesWithAddr returns the devices that have addr assigned, empty
	// when the address is not local to this host.
	DevicesWithAddr(net tcpip.NetworkProtocolNumber, addr tcpip.Address) []tcpip.NICID

	// OriginalDestination returns the destination the given connection
	// had before any redirection rewrote it. It fails with
	// ErrOriginalDstNotFound when no translation state exists for the
	// connection.
	OriginalDestination(net tcpip.NetworkProtocolNumber, local, remote tcpip.FullAddress) (tcpip.FullAddress, *tcpip.Error)
}

// IPSock is a route held by one connection, able to transmit its segments.
// An IPSock is valid until released; concurrent Transmit calls are the
// caller's responsibility to serialize.
type IPSock interface {
	// Transmit serializes and sends one segment over the route.
	Transmit(s *Segment) *tcpip.Error

	// MMS returns the maximum message size a segment's payload may have
	// on this route.
	MMS() int

	// LocalAddr returns the source address the route selected.
	LocalAddr() tcpip.Address

	// Release returns the route's resources to the IP layer. The IPSock
	// must not be used afterwards.
	Release()
}
