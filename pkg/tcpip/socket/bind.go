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
	"tcpsock.dev/tcpsock/pkg/tcpip/demux"
)

func sharingOf(reuse bool) demux.Sharing {
	if reuse {
		return demux.ReuseAddr
	}
	return demux.Exclusive
}

// Bind reserves a local address and port for the socket. A zero port picks
// an ephemeral one; an unspecified address reserves the wildcard, which for
// a dual-stack v6 socket claims the port in both address families.
func (s *Sock) Bind(addr tcpip.FullAddress) *tcpip.Error {
	st := s.stack
	st.lockDemuxFamily(s.net)
	defer st.unlockDemuxFamily(s.net)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnbound {
		return tcpip.ErrAlreadyBound
	}

	native, site, err := resolveBindAddr(s.net, s.v6only, addr.Addr)
	if err != nil {
		return err
	}

	// Resolve the device the reservation is scoped to. A link-local
	// address needs a zone, which may come from the address itself or
	// from a bound device; the two must agree when both are present.
	dev := s.device
	if isV6LinkLocal(addr.Addr) {
		switch {
		case addr.NIC == 0 && dev == 0:
			return tcpip.ErrBadZone
		case addr.NIC != 0 && dev != 0 && addr.NIC != dev:
			return tcpip.ErrBadZone
		case dev == 0:
			dev = addr.NIC
		}
	} else if addr.NIC != 0 {
		// Zones only apply to scoped addresses.
		return tcpip.ErrBadZone
	}

	// A specified address must be assigned locally, and on the zone
	// device when one is in play.
	if len(native) != 0 {
		net := s.net
		if site == siteOtherStack {
			net = otherNet(s.net)
		}
		devs := st.ip.DevicesWithAddr(net, native)
		if len(devs) == 0 {
			return tcpip.ErrBadLocalAddress
		}
		if dev != 0 && !containsDevice(devs, dev) {
			if isV6LinkLocal(addr.Addr) {
				return tcpip.ErrBadZone
			}
			return tcpip.ErrBadLocalAddress
		}
	}

	flags := demux.Flags{Sharing: sharingOf(s.reuseAddr), Kind: demux.KindBound}
	port := addr.Port
	if port == 0 {
		p, perr := st.pickListenerPort(s.net, site, native, dev, flags)
		if perr != nil {
			st.stats.Socket.FailedPortAllocations.Increment()
			return perr
		}
		port = p
	}

	if ierr := st.insertListener(s, site, native, port, dev, flags); ierr != nil {
		return tcpip.ErrPortInUse
	}

	s.boundAddr = native
	s.boundPort = port
	s.boundDev = dev
	s.site = site
	s.demuxed = true
	s.state = stateBound
	return nil
}

func containsDevice(devs []tcpip.NICID, d tcpip.NICID) bool {
	for _, dd := range devs {
		if dd == d {
			return true
		}
	}
	return false
}

// pickListenerPort chooses an ephemeral port free at the given address in
// every map the site spans. The caller holds the demux locks for the
// socket's family.
func (st *Stack) pickListenerPort(net tcpip.NetworkProtocolNumber, site listenerSite, addr tcpip.Address, dev tcpip.NICID, flags demux.Flags) (uint16, *tcpip.Error) {
	nets := listenerNets(net, site)
	st.rngMu.Lock()
	defer st.rngMu.Unlock()
	return st.ports.PickEphemeralPort(st.rng, func(port uint16) (bool, *tcpip.Error) {
		la := demux.ListenerAddr{Addr: addr, Port: port, Device: dev}
		for _, n := range nets {
			if err := st.demuxFor(n).m.CheckListener(la, flags); err != nil {
				return false, nil
			}
		}
		return true, nil
	})
}

// insertListener claims the reservation in every map the site spans, in map
// order, rolling back on a partial failure so a both-stacks reservation is
// all or nothing.
func (st *Stack) insertListener(s *Sock, site listenerSite, addr tcpip.Address, port uint16, dev tcpip.NICID, flags demux.Flags) *demux.InsertError {
	nets := listenerNets(s.net, site)
	la := demux.ListenerAddr{Addr: addr, Port: port, Device: dev}
	for i, n := range nets {
		if err := st.demuxFor(n).m.InsertListener(la, flags, s); err != nil {
			for _, undo := range nets[:i] {
				st.demuxFor(undo).m.RemoveListener(la, s)
			}
			return err
		}
	}
	return nil
}

// removeListenerLocked drops the socket's reservation from every map its
// site spans. The caller holds the demux locks and s.mu.
func (st *Stack) removeListenerLocked(s *Sock) {
	la := demux.ListenerAddr{Addr: s.boundAddr, Port: s.boundPort, Device: s.boundDev}
	for _, n := range listenerNets(s.net, s.site) {
		st.demuxFor(n).m.RemoveListener(la, s)
	}
	s.demuxed = false
}

// SetDevice binds the socket to a device, or unbinds it when device is 0.
// On a bound or connected socket the demux reservation is re-scoped, which
// fails without effect if the new scope collides with an existing occupant.
func (s *Sock) SetDevice(device tcpip.NICID) *tcpip.Error {
	st := s.stack
	if device != 0 && !st.ip.HasDevice(device) {
		return tcpip.ErrUnknownDevice
	}
	st.lockDemuxFamily(s.net)
	defer st.unlockDemuxFamily(s.net)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateUnbound:
		s.device = device
		return nil

	case stateBound, stateListen:
		if device == s.boundDev {
			s.device = device
			return nil
		}
		// A zoned reservation cannot move off its zone device.
		if len(s.boundAddr) == 16 && isV6LinkLocal(s.boundAddr) {
			return tcpip.ErrBadZone
		}
		old := demux.ListenerAddr{Addr: s.boundAddr, Port: s.boundPort, Device: s.boundDev}
		new := demux.ListenerAddr{Addr: s.boundAddr, Port: s.boundPort, Device: device}
		if err := st.rekeyListener(s, old, new); err != nil {
			return tcpip.ErrDeviceConflict
		}
		s.device = device
		s.boundDev = device
		return nil

	case stateConnected:
		if device == s.boundDev {
			s.device = device
			return nil
		}
		net := connNet(s.net, s.connSite)
		d := st.demuxFor(net)
		old := s.connAddrLocked()
		new := old
		new.Device = device
		if err := d.m.RekeyConn(old, new, s); err != nil {
			return tcpip.ErrDeviceConflict
		}
		r, rerr := st.ip.FindRoute(net, device, s.connLocal.Addr, s.connRemote.Addr)
		if rerr != nil {
			if err := d.m.RekeyConn(new, old, s); err != nil {
				panic("demux rekey rollback failed")
			}
			return tcpip.ErrNoRoute
		}
		s.ipsock.Release()
		s.ipsock = r
		s.device = device
		s.boundDev = device
		return nil
	}
	return tcpip.ErrInvalidEndpointState
}

// rekeyListener moves a reservation to a new key in every map the site
// spans, undoing the maps already moved if a later one refuses.
func (st *Stack) rekeyListener(s *Sock, old, new demux.ListenerAddr) *demux.InsertError {
	nets := listenerNets(s.net, s.site)
	for i, n := range nets {
		if err := st.demuxFor(n).m.RekeyListener(old, new, s); err != nil {
			for _, undo := range nets[:i] {
				if uerr := st.demuxFor(undo).m.RekeyListener(new, old, s); uerr != nil {
					panic("demux rekey rollback failed")
				}
			}
			return err
		}
	}
	return nil
}

func (s *Sock) connAddrLocked() demux.ConnAddr {
	return demux.ConnAddr{
		LocalAddr:  s.connLocal.Addr,
		LocalPort:  s.connLocal.Port,
		RemoteAddr: s.connRemote.Addr,
		RemotePort: s.connRemote.Port,
		Device:     s.boundDev,
	}
}

// setReuseAddr changes the socket's sharing mode. On a bound socket the
// demux occupancy changes mode with it, which can fail: dropping reuse is
// refused while the reservation overlaps anything else.
func (s *Sock) setReuseAddr(v bool) *tcpip.Error {
	st := s.stack
	st.lockDemuxFamily(s.net)
	defer st.unlockDemuxFamily(s.net)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateUnbound:
		s.reuseAddr = v
		return nil

	case stateBound, stateListen:
		if v == s.reuseAddr {
			return nil
		}
		kind := demux.KindBound
		if s.state == stateListen {
			kind = demux.KindListener
		}
		la := demux.ListenerAddr{Addr: s.boundAddr, Port: s.boundPort, Device: s.boundDev}
		flags := demux.Flags{Sharing: sharingOf(v), Kind: kind}
		nets := listenerNets(s.net, s.site)
		for i, n := range nets {
			if err := st.demuxFor(n).m.UpdateListener(la, s, flags); err != nil {
				prev := demux.Flags{Sharing: sharingOf(s.reuseAddr), Kind: kind}
				for _, undo := range nets[:i] {
					if uerr := st.demuxFor(undo).m.UpdateListener(la, s, prev); uerr != nil {
						panic("demux sharing rollback failed")
					}
				}
				return tcpip.ErrPortInUse
			}
		}
		s.reuseAddr = v
		return nil

	case stateConnected:
		// A connection's sharing mode is fixed when its tuple is
		// claimed; it decides how the tuple lingers after close.
		return tcpip.ErrInvalidEndpointState
	}
	return tcpip.ErrInvalidEndpointState
}
