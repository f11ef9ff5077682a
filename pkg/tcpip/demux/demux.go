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

// Package demux implements the address map that both reserves local
// addresses for sockets and routes inbound segments to them.
//
// Addresses form a shadowing partial order per local port: clearing the
// local address, the bound device, or the remote half of a connection tuple
// yields a strictly less specific address. A more specific occupant is said
// to shadow every less specific one with the same port. Conflict rules and
// inbound matching are both defined over this order:
//
//   - Inbound segments go to the most specific occupant that matches.
//   - Whether an insertion is allowed depends on the sharing mode and kind
//     of every occupant above and below it in the order, never on the rest
//     of the map.
//
// Each occupied address carries per-occupant flags, and every address keeps
// a counter of the flags of all occupants shadowing it. Conflict checks
// therefore walk only the shadow chain of the address at hand.
//
// A Map covers a single IP version and is not safe for concurrent use. The
// socket layer wraps each version's Map with its own lock; cross-version
// operations there acquire both locks in a fixed order.
package demux

import (
	"fmt"

	"tcpsock.dev/tcpsock/pkg/tcpip"
)

// Endpoint is an opaque occupant handle. The map compares endpoints for
// identity and never inspects them otherwise.
type Endpoint any

// Sharing is the address sharing mode of an occupant.
type Sharing uint8

// The sharing modes.
const (
	// Exclusive occupants tolerate no other occupant anywhere on their
	// shadow chain.
	Exclusive Sharing = iota

	// ReuseAddr occupants coexist with other ReuseAddr occupants, subject
	// to the one-active-listener rule.
	ReuseAddr
)

func (s Sharing) String() string {
	switch s {
	case Exclusive:
		return "exclusive"
	case ReuseAddr:
		return "reuseaddr"
	default:
		return fmt.Sprintf("unknown sharing %d", uint8(s))
	}
}

// Kind describes what an occupant uses its address for.
type Kind uint8

// The occupant kinds.
const (
	// KindConn is a connection 4-tuple.
	KindConn Kind = iota

	// KindBound is a listener address whose socket is not listening.
	KindBound

	// KindListener is a listener address with an active listener.
	KindListener
)

func (k Kind) String() string {
	switch k {
	case KindConn:
		return "connection"
	case KindBound:
		return "bound"
	case KindListener:
		return "listener"
	default:
		return fmt.Sprintf("unknown kind %d", uint8(k))
	}
}

// Flags tags a single occupant of an address.
type Flags struct {
	Sharing Sharing
	Kind    Kind
}

// ListenerAddr identifies a listener address. A zero Addr matches any local
// address and a zero Device matches any device.
//
// Callers normalize unspecified addresses to the empty Address before using
// a key.
type ListenerAddr struct {
	Addr   tcpip.Address
	Port   uint16
	Device tcpip.NICID
}

// ConnAddr identifies a connection 4-tuple with an optional device.
type ConnAddr struct {
	LocalAddr  tcpip.Address
	LocalPort  uint16
	RemoteAddr tcpip.Address
	RemotePort uint16
	Device     tcpip.NICID
}

// An InsertError describes the conflict that rejected an insertion or a
// flags update.
type InsertError struct {
	msg string
}

// String implements fmt.Stringer.String.
func (e *InsertError) String() string {
	return e.msg
}

// The distinct conflicts an insertion can hit.
var (
	// ErrExists means the exact address is occupied incompatibly.
	ErrExists = &InsertError{"address is already occupied"}

	// ErrShadowAddrExists means a less specific address with the same port
	// is occupied incompatibly.
	ErrShadowAddrExists = &InsertError{"a shadowed address is already occupied"}

	// ErrShadowerExists means a more specific address with the same port
	// is occupied incompatibly.
	ErrShadowerExists = &InsertError{"a shadowing address is already occupied"}
)

const (
	numSharing = 2
	numKinds   = 3
	numTags    = numSharing * numKinds * 2
)

// tagIndex flattens (sharing, kind, hasDevice) into a counter slot.
func tagIndex(f Flags, hasDevice bool) int {
	i := int(f.Sharing)*numKinds + int(f.Kind)
	if hasDevice {
		i += numSharing * numKinds
	}
	return i
}

// tagCounter counts the flags of a set of occupants.
type tagCounter struct {
	counts [numTags]uint32
}

func (c *tagCounter) add(f Flags, hasDevice bool) {
	c.counts[tagIndex(f, hasDevice)]++
}

func (c *tagCounter) remove(f Flags, hasDevice bool) {
	i := tagIndex(f, hasDevice)
	if c.counts[i] == 0 {
		panic(fmt.Sprintf("removing tag %+v hasDevice=%t that was never added", f, hasDevice))
	}
	c.counts[i]--
}

func (c *tagCounter) total() uint32 {
	var t uint32
	for _, n := range c.counts {
		t += n
	}
	return t
}

func (c *tagCounter) anyExclusive() bool {
	for kind := 0; kind < numKinds; kind++ {
		base := int(Exclusive)*numKinds + kind
		if c.counts[base] != 0 || c.counts[base+numSharing*numKinds] != 0 {
			return true
		}
	}
	return false
}

// addrVec is the unified key space: listener addresses and connection tuples
// share one shadowing order per port.
type addrVec struct {
	isConn bool
	lst    ListenerAddr
	conn   ConnAddr
}

func listenerKey(addr ListenerAddr) addrVec {
	return addrVec{lst: addr}
}

func connKey(addr ConnAddr) addrVec {
	return addrVec{isConn: true, conn: addr}
}

func (v addrVec) hasDevice() bool {
	if v.isConn {
		return v.conn.Device != 0
	}
	return v.lst.Device != 0
}

// shadows returns every address v shadows, i.e. the strictly less specific
// keys reachable by clearing the device, the local address, or the remote
// half of a connection.
func (v addrVec) shadows() []addrVec {
	if v.isConn {
		c := v.conn
		l := ListenerAddr{Addr: c.LocalAddr, Port: c.LocalPort}
		out := make([]addrVec, 0, 5)
		if c.Device != 0 {
			nodev := c
			nodev.Device = 0
			out = append(out, connKey(nodev))
			out = append(out, listenerKey(ListenerAddr{Addr: c.LocalAddr, Port: c.LocalPort, Device: c.Device}))
		}
		out = append(out, listenerKey(l))
		if len(c.LocalAddr) != 0 {
			if c.Device != 0 {
				out = append(out, listenerKey(ListenerAddr{Port: c.LocalPort, Device: c.Device}))
			}
			out = append(out, listenerKey(ListenerAddr{Port: c.LocalPort}))
		}
		return out
	}

	a := v.lst
	out := make([]addrVec, 0, 3)
	if a.Device != 0 {
		out = append(out, listenerKey(ListenerAddr{Addr: a.Addr, Port: a.Port}))
	}
	if len(a.Addr) != 0 {
		if a.Device != 0 {
			out = append(out, listenerKey(ListenerAddr{Port: a.Port, Device: a.Device}))
		}
		out = append(out, listenerKey(ListenerAddr{Port: a.Port}))
	}
	return out
}

type occupant struct {
	ep    Endpoint
	flags Flags
}

// node is the state kept for one address. A node survives with no occupants
// while more specific occupants still count against it.
type node struct {
	occupants []occupant

	// descendants counts the flags of every occupant at a strictly more
	// specific address with the same port.
	descendants tagCounter
}

func (n *node) occupied() bool {
	return len(n.occupants) > 0
}

func (n *node) hasExclusive() bool {
	for _, o := range n.occupants {
		if o.flags.Sharing == Exclusive {
			return true
		}
	}
	return false
}

func (n *node) hasListener() bool {
	for _, o := range n.occupants {
		if o.flags.Kind == KindListener {
			return true
		}
	}
	return false
}

// find returns the index of ep in the occupant list, or -1.
func (n *node) find(ep Endpoint) int {
	for i, o := range n.occupants {
		if o.ep == ep {
			return i
		}
	}
	return -1
}

// Map is the demultiplexing table for one IP version.
//
// Map is not safe for concurrent use.
type Map struct {
	nodes map[addrVec]*node
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{nodes: make(map[addrVec]*node)}
}

// CheckListener reports the conflict an InsertListener of (addr, flags)
// would hit, without mutating the map. A nil return means the insertion
// would succeed.
func (m *Map) CheckListener(addr ListenerAddr, flags Flags) *InsertError {
	return m.checkListener(listenerKey(addr), flags)
}

func (m *Map) checkListener(key addrVec, flags Flags) *InsertError {
	if n := m.nodes[key]; n != nil {
		// The exact address. Sharing requires every occupant, old and
		// new, to be ReuseAddr, and at most one of them may listen.
		if n.occupied() {
			if flags.Sharing == Exclusive || n.hasExclusive() {
				return ErrExists
			}
			if flags.Kind == KindListener && n.hasListener() {
				return ErrExists
			}
		}
		// More specific occupants. Only ReuseAddr descendants of a
		// ReuseAddr insertion may coexist.
		if n.descendants.total() != 0 {
			if flags.Sharing == Exclusive || n.descendants.anyExclusive() {
				return ErrShadowerExists
			}
		}
	}

	// Less specific occupants. A conflict arises if either side is
	// Exclusive, or if the insertion wants to listen over an address that
	// already has an active listener.
	for _, a := range key.shadows() {
		n := m.nodes[a]
		if n == nil || !n.occupied() {
			continue
		}
		if flags.Sharing == Exclusive || n.hasExclusive() {
			return ErrShadowAddrExists
		}
		if flags.Kind == KindListener && n.hasListener() {
			return ErrShadowAddrExists
		}
	}
	return nil
}

// InsertListener registers ep at addr.
func (m *Map) InsertListener(addr ListenerAddr, flags Flags, ep Endpoint) *InsertError {
	key := listenerKey(addr)
	if err := m.checkListener(key, flags); err != nil {
		return err
	}
	m.insert(key, flags, ep)
	return nil
}

// RemoveListener removes ep from addr. It panics if ep does not occupy addr:
// a socket and the map disagreeing about an address is a fatal defect, not a
// recoverable condition.
func (m *Map) RemoveListener(addr ListenerAddr, ep Endpoint) {
	m.remove(listenerKey(addr), ep)
}

// UpdateListener changes the flags of ep at addr, re-running the conflict
// checks as if ep were being inserted fresh with the new flags. On conflict
// the occupant is left unchanged.
func (m *Map) UpdateListener(addr ListenerAddr, ep Endpoint, flags Flags) *InsertError {
	key := listenerKey(addr)
	n := m.nodes[key]
	if n == nil {
		panic(fmt.Sprintf("no occupants at %+v", addr))
	}
	i := n.find(ep)
	if i < 0 {
		panic(fmt.Sprintf("endpoint is not an occupant of %+v", addr))
	}
	old := n.occupants[i].flags
	if old == flags {
		return nil
	}

	// Check with the occupant itself taken out of the picture. Its own
	// entry is the only state the checks could see: an occupant never
	// counts as its own descendant or shadow.
	n.occupants[i] = n.occupants[len(n.occupants)-1]
	n.occupants = n.occupants[:len(n.occupants)-1]
	if err := m.checkListener(key, flags); err != nil {
		n.occupants = append(n.occupants, occupant{ep: ep, flags: old})
		return err
	}
	n.occupants = append(n.occupants, occupant{ep: ep, flags: flags})

	hasDev := key.hasDevice()
	for _, a := range key.shadows() {
		if an := m.nodes[a]; an != nil {
			an.descendants.remove(old, hasDev)
			an.descendants.add(flags, hasDev)
		}
	}
	return nil
}

// RekeyListener atomically moves ep from old to new, keeping its flags. On
// conflict the occupant remains at old.
func (m *Map) RekeyListener(old, new ListenerAddr, ep Endpoint) *InsertError {
	if old == new {
		return nil
	}
	flags := m.flagsAt(listenerKey(old), ep)
	m.remove(listenerKey(old), ep)
	if err := m.checkListener(listenerKey(new), flags); err != nil {
		m.insert(listenerKey(old), flags, ep)
		return err
	}
	m.insert(listenerKey(new), flags, ep)
	return nil
}

// CheckConn reports the conflict an InsertConn at addr would hit, without
// mutating the map.
func (m *Map) CheckConn(addr ConnAddr) *InsertError {
	return m.checkConn(connKey(addr))
}

func (m *Map) checkConn(key addrVec) *InsertError {
	if n := m.nodes[key]; n != nil {
		// Connection tuples are never shared.
		if n.occupied() {
			return ErrExists
		}
		// A device-qualified twin of the tuple shadows it. Connections
		// never conflict with listeners, so nothing else applies.
		if n.descendants.total() != 0 {
			return ErrShadowerExists
		}
	}
	return nil
}

// InsertConn registers ep at addr. sharing is recorded so that listener
// address checks can weigh the connection correctly.
func (m *Map) InsertConn(addr ConnAddr, sharing Sharing, ep Endpoint) *InsertError {
	key := connKey(addr)
	if err := m.checkConn(key); err != nil {
		return err
	}
	m.insert(key, Flags{Sharing: sharing, Kind: KindConn}, ep)
	return nil
}

// RemoveConn removes ep from addr. It panics if ep does not occupy addr.
func (m *Map) RemoveConn(addr ConnAddr, ep Endpoint) {
	m.remove(connKey(addr), ep)
}

// RekeyConn atomically moves ep from old to new, keeping its sharing. On
// conflict the occupant remains at old.
func (m *Map) RekeyConn(old, new ConnAddr, ep Endpoint) *InsertError {
	if old == new {
		return nil
	}
	flags := m.flagsAt(connKey(old), ep)
	m.remove(connKey(old), ep)
	if err := m.checkConn(connKey(new)); err != nil {
		m.insert(connKey(old), flags, ep)
		return err
	}
	m.insert(connKey(new), flags, ep)
	return nil
}

// Lookup finds the socket an inbound segment belongs to: the most specific
// occupant matching the segment's 4-tuple and arrival device. Listener
// addresses whose occupants are bound but not listening do not match.
func (m *Map) Lookup(local tcpip.Address, localPort uint16, remote tcpip.Address, remotePort uint16, device tcpip.NICID) (Endpoint, bool) {
	if device != 0 {
		if ep, ok := m.matchAt(connKey(ConnAddr{LocalAddr: local, LocalPort: localPort, RemoteAddr: remote, RemotePort: remotePort, Device: device})); ok {
			return ep, true
		}
	}
	if ep, ok := m.matchAt(connKey(ConnAddr{LocalAddr: local, LocalPort: localPort, RemoteAddr: remote, RemotePort: remotePort})); ok {
		return ep, true
	}
	if device != 0 {
		if ep, ok := m.matchAt(listenerKey(ListenerAddr{Addr: local, Port: localPort, Device: device})); ok {
			return ep, true
		}
	}
	if ep, ok := m.matchAt(listenerKey(ListenerAddr{Addr: local, Port: localPort})); ok {
		return ep, true
	}
	if device != 0 {
		if ep, ok := m.matchAt(listenerKey(ListenerAddr{Port: localPort, Device: device})); ok {
			return ep, true
		}
	}
	return m.matchAt(listenerKey(ListenerAddr{Port: localPort}))
}

// matchAt returns the routable occupant at key: the connection or active
// listener, skipping bound-not-listening occupants.
func (m *Map) matchAt(key addrVec) (Endpoint, bool) {
	n := m.nodes[key]
	if n == nil {
		return nil, false
	}
	for _, o := range n.occupants {
		if o.flags.Kind != KindBound {
			return o.ep, true
		}
	}
	return nil, false
}

// Len returns the total number of occupants in the map.
func (m *Map) Len() int {
	var total int
	for _, n := range m.nodes {
		total += len(n.occupants)
	}
	return total
}

// Each calls f once per occupant, in no particular order.
func (m *Map) Each(f func(Endpoint)) {
	for _, n := range m.nodes {
		for _, o := range n.occupants {
			f(o.ep)
		}
	}
}

func (m *Map) flagsAt(key addrVec, ep Endpoint) Flags {
	n := m.nodes[key]
	if n == nil {
		panic(fmt.Sprintf("no occupants at %+v", key))
	}
	i := n.find(ep)
	if i < 0 {
		panic(fmt.Sprintf("endpoint is not an occupant of %+v", key))
	}
	return n.occupants[i].flags
}

func (m *Map) insert(key addrVec, flags Flags, ep Endpoint) {
	n := m.nodes[key]
	if n == nil {
		n = &node{}
		m.nodes[key] = n
	}
	n.occupants = append(n.occupants, occupant{ep: ep, flags: flags})

	hasDev := key.hasDevice()
	for _, a := range key.shadows() {
		an := m.nodes[a]
		if an == nil {
			an = &node{}
			m.nodes[a] = an
		}
		an.descendants.add(flags, hasDev)
	}
}

func (m *Map) remove(key addrVec, ep Endpoint) {
	n := m.nodes[key]
	if n == nil {
		panic(fmt.Sprintf("no occupants at %+v", key))
	}
	i := n.find(ep)
	if i < 0 {
		panic(fmt.Sprintf("endpoint is not an occupant of %+v", key))
	}
	flags := n.occupants[i].flags
	n.occupants[i] = n.occupants[len(n.occupants)-1]
	n.occupants = n.occupants[:len(n.occupants)-1]
	m.gc(key, n)

	hasDev := key.hasDevice()
	for _, a := range key.shadows() {
		an := m.nodes[a]
		if an == nil {
			panic(fmt.Sprintf("missing shadow bookkeeping at %+v", a))
		}
		an.descendants.remove(flags, hasDev)
		m.gc(a, an)
	}
}

// gc drops a node once nothing occupies or counts against it.
func (m *Map) gc(key addrVec, n *node) {
	if len(n.occupants) == 0 && n.descendants.total() == 0 {
		delete(m.nodes, key)
	}
}
