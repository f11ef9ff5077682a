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

// Package testutil provides helper functions for socket layer unit tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"tcpsock.dev/tcpsock/pkg/tcpip"
)

// MustParse4 parses an IPv4 string (e.g. "192.168.1.1") into a
// tcpip.Address. Passing an IPv4-mapped IPv6 address yields only the 4
// IPv4 bytes.
func MustParse4(addr string) tcpip.Address {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		panic(fmt.Sprintf("MustParse4 expects IPv4 addresses, but was passed %q", addr))
	}
	return tcpip.Address(ip)
}

// MustParse6 parses an IPv6 string (e.g. "fe80::1") into a tcpip.Address.
// Passing an IPv4 address yields its IPv4-mapped IPv6 form.
func MustParse6(addr string) tcpip.Address {
	ip := net.ParseIP(addr).To16()
	if ip == nil {
		panic(fmt.Sprintf("MustParse6 was passed malformed address %q", addr))
	}
	return tcpip.Address(ip)
}

// Poll calls cb repeatedly until it succeeds or the timeout expires,
// backing off a beat between attempts.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx)
	return backoff.Retry(cb, b)
}
