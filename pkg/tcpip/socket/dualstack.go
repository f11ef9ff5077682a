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

// v4MappedPrefix is the 96-bit prefix of an IPv4-mapped IPv6 address.
const v4MappedPrefix = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\xff\xff"

func v4Mapped(a tcpip.Address) tcpip.Address {
	return v4MappedPrefix + a
}

func isV6LinkLocal(a tcpip.Address) bool {
	return len(a) == 16 && a[0] == 0xfe && a[1]&0xc0 == 0x80
}

// listenerSite says which demux maps hold a bound socket's reservation. A
// v6 socket's reach depends on the address it bound and its v6-only option;
// v4 sockets always use their own stack.
type listenerSite int

const (
	// siteThisStack reserves in the socket family's own map only.
	siteThisStack listenerSite = iota

	// siteOtherStack reserves in the other family's map only: a v6
	// socket bound to a v4-mapped address.
	siteOtherStack

	// siteBothStacks reserves the same port in both maps: a dual-stack
	// v6 socket bound to the wildcard.
	siteBothStacks
)

// connSite says which demux map holds a connection's 4-tuple.
type connSite int

const (
	connThisStack connSite = iota
	connOtherStack
)

// resolveBindAddr validates a local address against the socket family and
// dual-stack configuration, returning the stack-native form to reserve (the
// wildcard is the empty address) and the site of the reservation.
func resolveBindAddr(net tcpip.NetworkProtocolNumber, v6only bool, addr tcpip.Address) (tcpip.Address, listenerSite, *tcpip.Error) {
	if net == tcpip.IPv4ProtocolNumber {
		switch {
		case len(addr) == 0:
			return "", siteThisStack, nil
		case len(addr) == 4:
			if addr.Unspecified() {
				return "", siteThisStack, nil
			}
			return addr, siteThisStack, nil
		case len(addr) == 16 && addr.To4() != "":
			if v4 := addr.To4(); !v4.Unspecified() {
				return v4, siteThisStack, nil
			}
			return "", siteThisStack, nil
		case len(addr) == 16:
			return "", 0, tcpip.ErrAddressFamilyNotSupported
		}
		return "", 0, tcpip.ErrBadLocalAddress
	}

	switch {
	case len(addr) == 0:
		if v6only {
			return "", siteThisStack, nil
		}
		return "", siteBothStacks, nil
	case len(addr) == 4:
		return "", 0, tcpip.ErrAddressFamilyNotSupported
	case len(addr) != 16:
		return "", 0, tcpip.ErrBadLocalAddress
	case addr.To4() != "":
		// A v4-mapped bind lands the reservation in the v4 map, which
		// a v6-only socket must not touch.
		if v6only {
			return "", 0, tcpip.ErrBadLocalAddress
		}
		if v4 := addr.To4(); !v4.Unspecified() {
			return v4, siteOtherStack, nil
		}
		return "", siteOtherStack, nil
	case addr.Unspecified():
		if v6only {
			return "", siteThisStack, nil
		}
		return "", siteBothStacks, nil
	}
	return addr, siteThisStack, nil
}

// resolveConnectAddr validates a remote address against the socket family
// and dual-stack configuration, returning the stack-native form and the map
// the connection will live in.
func resolveConnectAddr(net tcpip.NetworkProtocolNumber, v6only bool, addr tcpip.Address) (tcpip.Address, connSite, *tcpip.Error) {
	if net == tcpip.IPv4ProtocolNumber {
		switch {
		case len(addr) == 0:
			return "", connThisStack, nil
		case len(addr) == 4:
			return addr, connThisStack, nil
		case len(addr) == 16 && addr.To4() != "":
			return addr.To4(), connThisStack, nil
		case len(addr) == 16:
			return "", 0, tcpip.ErrAddressFamilyNotSupported
		}
		return "", 0, tcpip.ErrBadAddress
	}

	switch {
	case len(addr) == 0:
		return "", connThisStack, nil
	case len(addr) == 4:
		return "", 0, tcpip.ErrAddressFamilyNotSupported
	case len(addr) != 16:
		return "", 0, tcpip.ErrBadAddress
	case addr.To4() != "":
		// A v6-only socket has no path to a v4 peer.
		if v6only {
			return "", 0, tcpip.ErrNoRoute
		}
		return addr.To4(), connOtherStack, nil
	}
	return addr, connThisStack, nil
}

// siteAllowsConn reports whether a socket bound at the given site may carry
// a connection in the given map.
func siteAllowsConn(site listenerSite, cs connSite) bool {
	switch site {
	case siteBothStacks:
		return true
	case siteOtherStack:
		return cs == connOtherStack
	default:
		return cs == connThisStack
	}
}

// connNet returns the network protocol a connection's segments travel over.
func connNet(net tcpip.NetworkProtocolNumber, cs connSite) tcpip.NetworkProtocolNumber {
	if cs == connOtherStack {
		return otherNet(net)
	}
	return net
}

func otherNet(net tcpip.NetworkProtocolNumber) tcpip.NetworkProtocolNumber {
	if net == tcpip.IPv6ProtocolNumber {
		return tcpip.IPv4ProtocolNumber
	}
	return tcpip.IPv6ProtocolNumber
}

// listenerNets returns the network protocols whose maps hold a reservation
// at the given site, primary stack first.
func listenerNets(net tcpip.NetworkProtocolNumber, site listenerSite) []tcpip.NetworkProtocolNumber {
	switch site {
	case siteBothStacks:
		return []tcpip.NetworkProtocolNumber{net, otherNet(net)}
	case siteOtherStack:
		return []tcpip.NetworkProtocolNumber{otherNet(net)}
	default:
		return []tcpip.NetworkProtocolNumber{net}
	}
}

// userAddr converts a connection address from its stack-native form to the
// form the application speaks, reconstituting the v4-mapped form for
// connections a v6 socket carries over IPv4.
func userAddr(net tcpip.NetworkProtocolNumber, cs connSite, addr tcpip.Address) tcpip.Address {
	if cs == connOtherStack && net == tcpip.IPv6ProtocolNumber && len(addr) == 4 {
		return v4Mapped(addr)
	}
	return addr
}

// boundUserAddr is userAddr for listener reservations.
func boundUserAddr(net tcpip.NetworkProtocolNumber, site listenerSite, addr tcpip.Address) tcpip.Address {
	if site != siteOtherStack || net != tcpip.IPv6ProtocolNumber {
		return addr
	}
	if len(addr) == 0 {
		return v4Mapped("\x00\x00\x00\x00")
	}
	return v4Mapped(addr)
}
