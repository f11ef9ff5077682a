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

package ports

import (
	"math/rand"
	"testing"

	"tcpsock.dev/tcpsock/pkg/tcpip"
)

func TestPickEphemeralPort(t *testing.T) {
	for _, test := range []struct {
		tname    string
		f        PortTester
		wantErr  *tcpip.Error
		wantPort uint16
	}{
		{
			tname: "no ports available",
			f: func(port uint16) (bool, *tcpip.Error) {
				return false, nil
			},
			wantErr: tcpip.ErrNoPortAvailable,
		},
		{
			tname: "port tester error",
			f: func(port uint16) (bool, *tcpip.Error) {
				return false, tcpip.ErrBadLocalAddress
			},
			wantErr: tcpip.ErrBadLocalAddress,
		},
		{
			tname: "only-port-16042-available",
			f: func(port uint16) (bool, *tcpip.Error) {
				if port == FirstEphemeral+42 {
					return true, nil
				}
				return false, nil
			},
			wantPort: FirstEphemeral + 42,
		},
	} {
		t.Run(test.tname, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			port, err := NewAllocator().PickEphemeralPort(rng, test.f)
			if err != test.wantErr {
				t.Fatalf("PickEphemeralPort(..) = (_, %v), want (_, %v)", err, test.wantErr)
			}
			if port != test.wantPort {
				t.Fatalf("PickEphemeralPort(..) = (%d, _), want (%d, _)", port, test.wantPort)
			}
		})
	}
}

func TestPickEphemeralPortCoversRange(t *testing.T) {
	a := NewAllocator()
	if err := a.SetPortRange(2000, 2009); err != nil {
		t.Fatalf("SetPortRange(2000, 2009) = %v, want nil", err)
	}
	if first, last := a.PortRange(); first != 2000 || last != 2009 {
		t.Fatalf("PortRange() = (%d, %d), want (2000, 2009)", first, last)
	}

	// Reject every port and record what was offered. The whole range must
	// have been tried exactly once.
	tried := map[uint16]int{}
	rng := rand.New(rand.NewSource(3))
	_, err := a.PickEphemeralPort(rng, func(port uint16) (bool, *tcpip.Error) {
		tried[port]++
		return false, nil
	})
	if err != tcpip.ErrNoPortAvailable {
		t.Fatalf("PickEphemeralPort(..) = (_, %v), want (_, %v)", err, tcpip.ErrNoPortAvailable)
	}
	if len(tried) != 10 {
		t.Fatalf("tried %d distinct ports, want 10", len(tried))
	}
	for port, n := range tried {
		if port < 2000 || port > 2009 {
			t.Errorf("tried port %d outside [2000, 2009]", port)
		}
		if n != 1 {
			t.Errorf("tried port %d %d times, want once", port, n)
		}
	}
}

func TestSetPortRangeRejectsBadRanges(t *testing.T) {
	for _, test := range []struct {
		tname      string
		start, end uint16
		want       *tcpip.Error
	}{
		{tname: "zero start", start: 0, end: 100, want: tcpip.ErrInvalidOptionValue},
		{tname: "inverted", start: 200, end: 100, want: tcpip.ErrInvalidOptionValue},
		{tname: "single port", start: 100, end: 100, want: nil},
	} {
		t.Run(test.tname, func(t *testing.T) {
			if err := NewAllocator().SetPortRange(test.start, test.end); err != test.want {
				t.Fatalf("SetPortRange(%d, %d) = %v, want %v", test.start, test.end, err, test.want)
			}
		})
	}
}
