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
	"tcpsock.dev/tcpsock/pkg/waiter"
)

type sockState int

const (
	// stateUnbound is a freshly created socket with no local address.
	stateUnbound sockState = iota

	// stateBound has a local address reserved but is not yet accepting
	// connections. Inbound segments matching only a bound socket are
	// treated as unmatched.
	stateBound

	// stateListen is accepting inbound connections.
	stateListen

	// stateConnected has a protocol machine attached. This includes
	// connections whose handshake is still in progress.
	stateConnected

	// stateClosed is destroyed. The identity may still be reachable
	// through stale references; all operations on it fail.
	stateClosed
)

func (s sockState) String() string {
	switch s {
	case stateUnbound:
		return "UNBOUND"
	case stateBound:
		return "BOUND"
	case stateListen:
		return "LISTEN"
	case stateConnected:
		return "CONNECTED"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type handshakeStatus int

const (
	// handshakePending means the machine has not yet resolved the
	// handshake either way.
	handshakePending handshakeStatus = iota

	// handshakeAborted means the handshake failed. The failure is latched
	// and reported by every later connect call.
	handshakeAborted

	// handshakeCompleted means the connection was established. The first
	// connect call to observe this reports success, later ones report the
	// socket as already connected.
	handshakeCompleted
)

// Sock is one TCP socket as the application sees it: the target of every
// POSIX-style operation, from creation through bind, listen or connect, to
// close. The protocol work of an established connection lives in the
// attached Machine; Sock owns identity, addressing and lifecycle.
//
// All methods are safe for concurrent use.
type Sock struct {
	stack *Stack
	id    uint64
	net   tcpip.NetworkProtocolNumber
	wq    waiter.Queue

	// refCount is the owner reference plus one reference per concurrent
	// operation working on the socket (inbound delivery, timer fires).
	// The owner reference is dropped by destruction; when the count hits
	// zero the socket's resources are reclaimable.
	refCount int64

	// destroyed is set by the first destruction and guards against a
	// second one. It is protected by the stack registry's lock, not mu.
	destroyed bool

	mu sync.Mutex

	// The fields below are protected by mu.

	state     sockState
	v6only    bool
	reuseAddr bool
	device    tcpip.NICID
	sndSize   int
	rcvSize   int
	marks     [tcpip.NumMarkDomains]uint32

	// softError holds the most recent transient network error, reported
	// once through the error option and then cleared.
	softError *tcpip.Error

	// shutFlags accumulates the directions shut down so far.
	shutFlags tcpip.ShutdownFlags

	// boundAddr and boundPort are the reserved local address while bound
	// or listening, in the stack-native form for site. boundDev is the
	// device the demux occupancy is scoped to: the bound device, or the
	// zone of a link-local bind.
	boundAddr tcpip.Address
	boundPort uint16
	boundDev  tcpip.NICID
	site      listenerSite

	// accept is the queue of inbound connections while listening.
	accept *acceptQueue

	// aq points at the listener queue this socket sits on while it is an
	// unaccepted inbound connection; nil once accepted or for sockets
	// that were never passively opened. aqReady and aqPopped are queue
	// bookkeeping protected by the queue's lock, not mu: aqReady marks
	// the handshake complete, aqPopped that Accept took the socket and a
	// promotion is in flight.
	aq       *acceptQueue
	aqReady  bool
	aqPopped bool

	// Connection state. machine is non-nil exactly in stateConnected.
	machine    Machine
	ipsock     IPSock
	sndbuf     SendBuffer
	rcvbuf     ReceiveBuffer
	connLocal  tcpip.FullAddress
	connRemote tcpip.FullAddress
	connSite   connSite
	hs         handshakeStatus
	hsReported bool
	hsErr      *tcpip.Error

	// defunct is set when the application closes a connection that must
	// linger for protocol reasons. A defunct socket is destroyed as soon
	// as its machine reaches StateClosed.
	defunct bool

	// timer drives the machine's next deadline. timerWhen is the
	// monotonic time the timer is set for, or 0 when unset.
	timer     tcpip.Timer
	timerWhen int64

	// demuxed is set while the socket occupies demux entries (a listener
	// reservation or a connection 4-tuple).
	demuxed bool

	// reclaimCh is created at destruction when concurrent references
	// remain; the last reference to drop closes it.
	reclaimCh chan struct{}
}

// ID returns the socket's stack-unique identity, for diagnostics.
func (s *Sock) ID() uint64 {
	return s.id
}

// Net returns the network protocol the socket was created for.
func (s *Sock) Net() tcpip.NetworkProtocolNumber {
	return s.net
}

// Queue returns the socket's readiness queue. Waiters registered on it are
// notified as the socket becomes readable, writable or failed.
func (s *Sock) Queue() *waiter.Queue {
	return &s.wq
}

// SendBuffer returns the connection's send buffer, nil before a connection
// exists. The platform writes outbound data into it and then calls DoSend.
func (s *Sock) SendBuffer() SendBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sndbuf
}

// ReceiveBuffer returns the connection's receive buffer, nil before a
// connection exists. The platform reads inbound data from it and then calls
// OnReceiveBufferRead.
func (s *Sock) ReceiveBuffer() ReceiveBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rcvbuf
}

// tryIncRef acquires a reference unless the count already reached zero.
// Lookups that race with destruction use it to avoid resurrecting a socket
// whose resources are being reclaimed.
func (s *Sock) tryIncRef() bool {
	for {
		v := atomic.LoadInt64(&s.refCount)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.refCount, v, v+1) {
			return true
		}
	}
}

func (s *Sock) decRef() {
	switch v := atomic.AddInt64(&s.refCount, -1); {
	case v == 0:
		// All references are gone. If destruction deferred reclamation,
		// release it now.
		if s.reclaimCh != nil {
			close(s.reclaimCh)
		}
	case v < 0:
		panic("socket reference count went negative")
	}
}

// SetSockOpt sets a socket option.
func (s *Sock) SetSockOpt(opt interface{}) *tcpip.Error {
	switch v := opt.(type) {
	case tcpip.ReuseAddressOption:
		return s.setReuseAddr(v != 0)

	case tcpip.V6OnlyOption:
		return s.setV6Only(v != 0)

	case tcpip.BindToDeviceOption:
		return s.SetDevice(tcpip.NICID(v))

	case tcpip.SendBufferSizeOption:
		s.mu.Lock()
		defer s.mu.Unlock()
		size := s.stack.clampBufferSize(int(v))
		s.sndSize = size
		if s.sndbuf != nil {
			s.sndbuf.SetCapacity(size)
		}
		return nil

	case tcpip.ReceiveBufferSizeOption:
		s.mu.Lock()
		defer s.mu.Unlock()
		size := s.stack.clampBufferSize(int(v))
		s.rcvSize = size
		if s.rcvbuf != nil {
			s.rcvbuf.SetCapacity(size)
		}
		return nil

	case tcpip.MarkOption:
		if v.Domain < 0 || v.Domain >= tcpip.NumMarkDomains {
			return tcpip.ErrInvalidOptionValue
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.marks[v.Domain] = v.Mark
		return nil
	}
	return tcpip.ErrUnknownProtocolOption
}

// GetSockOpt gets a socket option. The error option returns the pending
// socket error as the call's result, clearing a transient error when one is
// reported.
func (s *Sock) GetSockOpt(opt interface{}) *tcpip.Error {
	switch o := opt.(type) {
	case tcpip.ErrorOption:
		return s.lastError()

	case *tcpip.ReuseAddressOption:
		s.mu.Lock()
		defer s.mu.Unlock()
		*o = 0
		if s.reuseAddr {
			*o = 1
		}
		return nil

	case *tcpip.V6OnlyOption:
		if s.net != tcpip.IPv6ProtocolNumber {
			return tcpip.ErrUnknownProtocolOption
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		*o = 0
		if s.v6only {
			*o = 1
		}
		return nil

	case *tcpip.BindToDeviceOption:
		s.mu.Lock()
		defer s.mu.Unlock()
		*o = tcpip.BindToDeviceOption(s.device)
		return nil

	case *tcpip.SendBufferSizeOption:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sndbuf != nil {
			*o = tcpip.SendBufferSizeOption(s.sndbuf.Capacity())
		} else {
			*o = tcpip.SendBufferSizeOption(s.sndSize)
		}
		return nil

	case *tcpip.ReceiveBufferSizeOption:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.rcvbuf != nil {
			*o = tcpip.ReceiveBufferSizeOption(s.rcvbuf.Capacity())
		} else {
			*o = tcpip.ReceiveBufferSizeOption(s.rcvSize)
		}
		return nil

	case *tcpip.MarkOption:
		if o.Domain < 0 || o.Domain >= tcpip.NumMarkDomains {
			return tcpip.ErrInvalidOptionValue
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		o.Mark = s.marks[o.Domain]
		return nil

	case *tcpip.OriginalDestinationOption:
		return s.originalDestination(o)
	}
	return tcpip.ErrUnknownProtocolOption
}

// Mark returns the socket's mark in the given domain, 0 for out-of-range
// domains. Marks are consulted by policy routing and filtering and travel
// with the socket from creation to destruction.
func (s *Sock) Mark(domain tcpip.MarkDomain) uint32 {
	if domain < 0 || domain >= tcpip.NumMarkDomains {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[domain]
}

func (s *Sock) setV6Only(v bool) *tcpip.Error {
	if s.net != tcpip.IPv6ProtocolNumber {
		return tcpip.ErrInvalidEndpointState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The option chooses which demux maps the socket lands in, so it is
	// frozen once the socket has a local or remote address.
	if s.state != stateUnbound {
		return tcpip.ErrInvalidEndpointState
	}
	s.v6only = v
	return nil
}

// lastError reports the socket's pending error: the machine's terminal
// error if it failed, otherwise the latest transient error, which is
// consumed by being reported.
func (s *Sock) lastError() *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine != nil {
		if err := s.machine.Error(); err != nil {
			return err
		}
	}
	err := s.softError
	s.softError = nil
	return err
}

func (s *Sock) originalDestination(o *tcpip.OriginalDestinationOption) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected {
		return tcpip.ErrNotConnected
	}
	net := connNet(s.net, s.connSite)
	dst, err := s.stack.ip.OriginalDestination(net, s.connLocal, s.connRemote)
	if err != nil {
		return err
	}
	// A translation record with no address or port is garbage from the
	// redirect layer, not an answer.
	if len(dst.Addr) == 0 || dst.Addr.Unspecified() || dst.Port == 0 {
		return tcpip.ErrInvalidOptionValue
	}
	dst.Addr = userAddr(s.net, s.connSite, dst.Addr)
	*o = tcpip.OriginalDestinationOption(dst)
	return nil
}

// InfoKind discriminates the addressing state reported by Info.
type InfoKind int

const (
	// InfoUnbound is a socket with no local address.
	InfoUnbound InfoKind = iota

	// InfoBound is a socket with a reserved local address, listening or
	// not.
	InfoBound

	// InfoConnection is a socket with a full 4-tuple.
	InfoConnection
)

// Info is a snapshot of a socket's addressing state. Addresses are reported
// in the form the application used: a connection a v6 socket carried over
// IPv4 reports v4-mapped addresses.
type Info struct {
	Kind InfoKind

	// Local is the local address and port. Unset for InfoUnbound.
	Local tcpip.FullAddress

	// Remote is the peer address and port. Set only for InfoConnection.
	Remote tcpip.FullAddress

	// Device is the bound device, 0 when unrestricted.
	Device tcpip.NICID
}

// Info returns a snapshot of the socket's addressing state.
func (s *Sock) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Sock) infoLocked() Info {
	switch s.state {
	case stateBound, stateListen:
		return Info{
			Kind:   InfoBound,
			Local:  tcpip.FullAddress{Addr: boundUserAddr(s.net, s.site, s.boundAddr), Port: s.boundPort},
			Device: s.device,
		}
	case stateConnected:
		return Info{
			Kind:   InfoConnection,
			Local:  tcpip.FullAddress{Addr: userAddr(s.net, s.connSite, s.connLocal.Addr), Port: s.connLocal.Port},
			Remote: tcpip.FullAddress{Addr: userAddr(s.net, s.connSite, s.connRemote.Addr), Port: s.connRemote.Port},
			Device: s.device,
		}
	default:
		return Info{Kind: InfoUnbound, Device: s.device}
	}
}

// GetLocalAddress returns the socket's local address and port. It is the
// zero address before the socket is bound.
func (s *Sock) GetLocalAddress() (tcpip.FullAddress, *tcpip.Error) {
	info := s.Info()
	return info.Local, nil
}

// GetRemoteAddress returns the peer's address and port. It fails with
// ErrNotConnected until the handshake has completed.
func (s *Sock) GetRemoteAddress() (tcpip.FullAddress, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected || s.hs != handshakeCompleted {
		return tcpip.FullAddress{}, tcpip.ErrNotConnected
	}
	return tcpip.FullAddress{Addr: userAddr(s.net, s.connSite, s.connRemote.Addr), Port: s.connRemote.Port}, nil
}

// Readiness returns the socket's current readiness events among mask.
func (s *Sock) Readiness(mask waiter.EventMask) waiter.EventMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result waiter.EventMask
	switch s.state {
	case stateUnbound, stateBound:
		// Nothing to report yet.

	case stateListen:
		if s.accept != nil && s.accept.readyLen() > 0 {
			result |= waiter.EventIn
		}

	case stateConnected:
		if s.defunct {
			result = waiter.EventHUp | waiter.EventIn | waiter.EventOut
			break
		}
		result = s.connReadinessLocked()

	case stateClosed:
		result = waiter.EventHUp | waiter.EventIn | waiter.EventOut
	}
	return result & mask
}

func (s *Sock) connReadinessLocked() waiter.EventMask {
	var result waiter.EventMask
	if s.softError != nil || s.machine.Error() != nil {
		result |= waiter.EventErr
	}
	switch s.hs {
	case handshakePending:
		return result
	case handshakeAborted:
		return result | waiter.EventHUp | waiter.EventIn | waiter.EventOut
	}
	if s.rcvbuf.Len() > 0 || s.shutFlags&tcpip.ShutdownRead != 0 {
		result |= waiter.EventIn
	}
	switch s.machine.State() {
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait, StateClosed:
		// The peer is done sending; reads drain and then report EOF.
		result |= waiter.EventIn
	}
	if s.shutFlags&tcpip.ShutdownWrite == 0 && s.sndbuf.Len() < s.sndbuf.Capacity() {
		result |= waiter.EventOut
	}
	return result
}
