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

// Package ports provides the ephemeral port picking algorithm used by the
// socket layer.
//
// The package keeps no reservation state of its own. Occupancy lives in the
// demux maps; callers express availability through a PortTester that
// consults them, so a pick and its reservation happen under one demux lock.
package ports

import (
	"math"
	"math/rand"

	"tcpsock.dev/tcpsock/pkg/sync"
	"tcpsock.dev/tcpsock/pkg/tcpip"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 16000

	numEphemeralPorts = math.MaxUint16 - FirstEphemeral + 1
)

// PortTester indicates whether the passed in port is suitable. Returning an
// error causes the iteration to stop.
type PortTester func(port uint16) (bool, *tcpip.Error)

// Allocator picks ephemeral ports from a configurable range.
type Allocator struct {
	mu             sync.RWMutex
	firstEphemeral uint16
	numEphemeral   uint32
}

// NewAllocator returns an Allocator over the default ephemeral range.
func NewAllocator() *Allocator {
	return &Allocator{
		firstEphemeral: FirstEphemeral,
		numEphemeral:   numEphemeralPorts,
	}
}

// PortRange returns the inclusive range of ports the Allocator picks from.
func (a *Allocator) PortRange() (uint16, uint16) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.firstEphemeral, uint16(uint32(a.firstEphemeral) + a.numEphemeral - 1)
}

// SetPortRange sets the inclusive range of ports the Allocator picks from.
func (a *Allocator) SetPortRange(start, end uint16) *tcpip.Error {
	if start == 0 || end < start {
		return tcpip.ErrInvalidOptionValue
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.firstEphemeral = start
	a.numEphemeral = uint32(end) - uint32(start) + 1
	return nil
}

// PickEphemeralPort randomly chooses a starting point and iterates over all
// possible ephemeral ports, allowing the caller to decide whether a given
// port is suitable for its needs, and stopping when a port is found or an
// error occurs.
func (a *Allocator) PickEphemeralPort(rng *rand.Rand, testPort PortTester) (port uint16, err *tcpip.Error) {
	a.mu.RLock()
	firstEphemeral := a.firstEphemeral
	numEphemeral := a.numEphemeral
	a.mu.RUnlock()

	offset := uint32(rng.Int31n(int32(numEphemeral)))
	return pickEphemeralPort(offset, firstEphemeral, numEphemeral, testPort)
}

// pickEphemeralPort starts at the offset specified from the FirstEphemeral
// port and iterates over the number of ports specified by count and allows
// the caller to decide whether a given port is suitable for its needs, and
// stopping when a port is found or an error occurs.
func pickEphemeralPort(offset uint32, first uint16, count uint32, testPort PortTester) (port uint16, err *tcpip.Error) {
	for i := uint32(0); i < count; i++ {
		port = uint16(uint32(first) + (offset+i)%count)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
	}
	return 0, tcpip.ErrNoPortAvailable
}
