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

// Package tcpip provides the types shared by every layer of the socket
// core: addresses and ports, the error space, clocks and timers, socket
// options, and statistics counters.
//
// The package is deliberately small. Anything that routes, demultiplexes
// or owns socket state lives in the more specific packages below it.
package tcpip

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// NetworkProtocolNumber is the EtherType of a network protocol in an
// ethernet frame. It identifies an IP version throughout the socket core.
type NetworkProtocolNumber uint32

// The IP versions the socket core routes between.
const (
	IPv4ProtocolNumber NetworkProtocolNumber = 0x0800
	IPv6ProtocolNumber NetworkProtocolNumber = 0x86dd
)

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// Address is a byte slice cast as a string that represents the address of a
// network node. Or, in the case of unix endpoints, it may represent a path.
type Address string

// Unspecified returns true if the address is unspecified.
func (a Address) Unspecified() bool {
	for _, b := range a {
		if b != 0 {
			return false
		}
	}
	return true
}

// To4 converts the IPv4 address to a 4-byte representation.
// If the address is not an IPv4 address, To4 returns "".
func (a Address) To4() Address {
	const checker = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\xff\xff"
	if len(a) == 4 {
		return a
	}
	if len(a) == 16 && strings.HasPrefix(string(a), checker) {
		return a[12:16]
	}
	return ""
}

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", int(a[0]), int(a[1]), int(a[2]), int(a[3]))
	case 16:
		// Find the longest subsequence of hexadecimal zeros.
		start, end := -1, -1
		for i := 0; i < len(a); i += 2 {
			j := i
			for j < len(a) && a[j] == 0 && a[j+1] == 0 {
				j += 2
			}
			if j > i+2 && j-i > end-start {
				start, end = i, j
			}
		}

		var b strings.Builder
		for i := 0; i < len(a); i += 2 {
			if i == start {
				b.WriteString("::")
				i = end
				if end >= len(a) {
					break
				}
			} else if i > 0 {
				b.WriteByte(':')
			}
			v := uint16(a[i+0])<<8 | uint16(a[i+1])
			if v == 0 {
				b.WriteByte('0')
			} else {
				const digits = "0123456789abcdef"
				for i := uint(3); i < 4; i-- {
					if v := v >> (i * 4); v != 0 {
						b.WriteByte(digits[v&0xf])
					}
				}
			}
		}
		return b.String()
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// FullAddress represents a full transport node address, as required by the
// Connect() and Bind() methods.
type FullAddress struct {
	// NIC is the ID of the NIC this address refers to.
	//
	// This may not be used by all endpoint types.
	NIC NICID

	// Addr is the network address.
	Addr Address

	// Port is the transport port.
	//
	// This may not be used by all endpoint types.
	Port uint16
}

// ShutdownFlags represents flags that can be passed to the Shutdown method
// of a socket.
type ShutdownFlags int

// Values of the flags that can be passed to the Shutdown method. They can be
// OR'ed together.
const (
	ShutdownRead ShutdownFlags = 1 << iota
	ShutdownWrite
)

// Timer is a timer whose expiration function was set at construction and
// that can be stopped and reset afterwards.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if it
	// successfully stops the timer, false if it has already expired or been
	// stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	//
	// Reset should be invoked only on stopped or expired timers.
	Reset(d time.Duration)
}

// Clock provides the current time and schedules work after a duration.
//
// The socket core takes all time from a Clock so that tests can substitute a
// manually advanced one.
type Clock interface {
	// NowNanoseconds returns the current real time as a number of
	// nanoseconds since the Unix epoch.
	NowNanoseconds() int64

	// NowMonotonic returns a monotonic time value.
	NowMonotonic() int64

	// AfterFunc waits for the duration to elapse and then calls f in its
	// own goroutine. It returns a Timer that can be used to cancel the
	// call using its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// V6OnlyOption is used by SetSockOpt/GetSockOpt to specify whether an IPv6
// socket is to be restricted to sending and receiving IPv6 packets only.
type V6OnlyOption int

// ReuseAddressOption is used by SetSockOpt/GetSockOpt to specify whether
// Bind() should allow reuse of local address.
type ReuseAddressOption int

// BindToDeviceOption is used by SetSockOpt/GetSockOpt to bind the socket to
// a specific NIC.
type BindToDeviceOption NICID

// ErrorOption is used in GetSockOpt to specify that the last error reported
// by the socket should be cleared and returned.
type ErrorOption struct{}

// SendBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the send
// buffer size.
type SendBufferSizeOption int

// ReceiveBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the
// receive buffer size.
type ReceiveBufferSizeOption int

// OriginalDestinationOption is used to get the original destination address
// and port of a redirected connection.
type OriginalDestinationOption FullAddress

// MarkDomain identifies one of the independent mark namespaces a socket
// carries. Marks are opaque to the socket core; routing policy below it may
// consult them.
type MarkDomain int

// The available mark domains.
const (
	MarkDomain1 MarkDomain = iota
	MarkDomain2

	// NumMarkDomains is the number of distinct mark domains.
	NumMarkDomains
)

// MarkOption is used by SetSockOpt/GetSockOpt to access the socket mark of
// one domain. Domain selects the namespace on both get and set.
type MarkOption struct {
	Domain MarkDomain
	Mark   uint32
}

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return atomic.LoadUint64(&s.count)
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	atomic.AddUint64(&s.count, v)
}

// String implements the fmt.Stringer interface.
func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// SocketStats collects socket-layer statistics.
type SocketStats struct {
	// SocketsCreated is the number of sockets successfully created.
	SocketsCreated *StatCounter

	// SocketsDestroyed is the number of sockets fully torn down.
	SocketsDestroyed *StatCounter

	// ActiveConnectionOpenings is the number of connections opened
	// successfully via Connect.
	ActiveConnectionOpenings *StatCounter

	// PassiveConnectionOpenings is the number of connections opened
	// successfully via listen.
	PassiveConnectionOpenings *StatCounter

	// FailedConnectionAttempts is the number of calls to Connect or listen
	// (active and passive openings, respectively) that ended in an error.
	FailedConnectionAttempts *StatCounter

	// FailedPortAllocations is the number of times an ephemeral port could
	// not be allocated.
	FailedPortAllocations *StatCounter

	// ListenOverflowSynDrop is the number of times a connection request was
	// dropped due to a full accept queue.
	ListenOverflowSynDrop *StatCounter

	// ResetsSent is the number of RST segments the socket layer asked the
	// IP layer to transmit.
	ResetsSent *StatCounter

	// DeferredReclaims is the number of socket teardowns whose resources
	// were still referenced and had to be reclaimed asynchronously.
	DeferredReclaims *StatCounter
}

// DemuxStats collects inbound routing statistics.
type DemuxStats struct {
	// RoutedSegments is the number of inbound segments delivered to a
	// socket.
	RoutedSegments *StatCounter

	// UnroutableSegments is the number of inbound segments that matched no
	// socket.
	UnroutableSegments *StatCounter

	// RoutedErrors is the number of inbound ICMP errors delivered to a
	// socket.
	RoutedErrors *StatCounter

	// UnroutableErrors is the number of inbound ICMP errors that matched no
	// socket.
	UnroutableErrors *StatCounter
}

// Stats holds statistics about the networking stack.
//
// All fields are optional.
type Stats struct {
	// Socket holds socket-layer statistics.
	Socket SocketStats

	// Demux holds inbound routing statistics.
	Demux DemuxStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		switch v.Kind() {
		case reflect.Ptr:
			if s := v.Addr().Interface().(**StatCounter); *s == nil {
				*s = &StatCounter{}
			}
		case reflect.Struct:
			fillIn(v)
		default:
			panic(fmt.Sprintf("unexpected type %s", v.Type()))
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}
