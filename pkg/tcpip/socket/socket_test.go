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

// Package socket_test exercises the socket layer end to end: a server and a
// client stack wired back to back over the loopback fixture, with every
// segment exchange driven explicitly by the tests.
package socket_test

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/faketime"
	"tcpsock.dev/tcpsock/pkg/tcpip/socket"
	"tcpsock.dev/tcpsock/pkg/tcpip/socket/loopback"
	"tcpsock.dev/tcpsock/pkg/tcpip/testutil"
	"tcpsock.dev/tcpsock/pkg/waiter"
)

const (
	serverPort = 80

	testMSL      = 2 * time.Second
	testFinWait2 = 10 * time.Second
)

var (
	serverAddr    = testutil.MustParse4("10.0.0.1")
	serverAddrAlt = testutil.MustParse4("10.0.1.1")
	clientAddr    = testutil.MustParse4("10.0.0.2")
	serverAddr6   = testutil.MustParse6("2001:db8::1")
	clientAddr6   = testutil.MustParse6("2001:db8::2")
)

// testContext is a pair of stacks, server and client, attached to the same
// loopback network. The server owns serverAddr and serverAddr6 on NIC 1 and
// serverAddrAlt on NIC 2. Segments sit in the network queue until run
// delivers them, so each test decides how far an exchange proceeds.
type testContext struct {
	t *testing.T

	clock   *faketime.ManualClock
	network *loopback.Network

	serverNode     *loopback.Node
	clientNode     *loopback.Node
	serverBindings *loopback.Bindings
	clientBindings *loopback.Bindings

	server *socket.Stack
	client *socket.Stack
}

func newTestContext(t *testing.T) *testContext {
	clock := faketime.NewManualClock()
	factory := loopback.NewFactory(clock)
	factory.SetMSL(testMSL)
	factory.SetFinWait2Timeout(testFinWait2)
	network := loopback.NewNetwork()

	c := &testContext{t: t, clock: clock, network: network}

	c.serverNode = network.NewNode()
	c.serverNode.AddAddress(1, tcpip.IPv4ProtocolNumber, serverAddr)
	c.serverNode.AddAddress(1, tcpip.IPv6ProtocolNumber, serverAddr6)
	c.serverNode.AddAddress(2, tcpip.IPv4ProtocolNumber, serverAddrAlt)
	c.serverBindings = loopback.NewBindings(clock)
	c.server = socket.New(socket.Options{
		IP:       c.serverNode,
		Machines: factory,
		Bindings: c.serverBindings,
		Seed:     1,
	})
	c.serverNode.AttachStack(c.server)

	c.clientNode = network.NewNode()
	c.clientNode.AddAddress(1, tcpip.IPv4ProtocolNumber, clientAddr)
	c.clientNode.AddAddress(1, tcpip.IPv6ProtocolNumber, clientAddr6)
	c.clientBindings = loopback.NewBindings(clock)
	c.client = socket.New(socket.Options{
		IP:       c.clientNode,
		Machines: factory,
		Bindings: c.clientBindings,
		Seed:     2,
	})
	c.clientNode.AttachStack(c.client)

	return c
}

// run delivers queued segments until the network drains.
func (c *testContext) run() {
	c.t.Helper()
	c.network.Run()
}

func (c *testContext) create(st *socket.Stack, netProto tcpip.NetworkProtocolNumber) *socket.Sock {
	c.t.Helper()
	s, err := st.Create(netProto)
	if err != nil {
		c.t.Fatalf("Create(%d) failed: %v", netProto, err)
	}
	return s
}

// createListener builds a listening socket on the server stack.
func (c *testContext) createListener(netProto tcpip.NetworkProtocolNumber, addr tcpip.FullAddress, backlog int) *socket.Sock {
	c.t.Helper()
	lis := c.create(c.server, netProto)
	if err := lis.Bind(addr); err != nil {
		c.t.Fatalf("Bind(%+v) failed: %v", addr, err)
	}
	if err := lis.Listen(backlog); err != nil {
		c.t.Fatalf("Listen(%d) failed: %v", backlog, err)
	}
	return lis
}

// startConnect creates a client socket and fires its SYN into the network
// queue without delivering it.
func (c *testContext) startConnect(netProto tcpip.NetworkProtocolNumber, raddr tcpip.FullAddress) *socket.Sock {
	c.t.Helper()
	s := c.create(c.client, netProto)
	if err := s.Connect(raddr); err != tcpip.ErrConnectStarted {
		c.t.Fatalf("Connect(%+v) = %v, want %v", raddr, err, tcpip.ErrConnectStarted)
	}
	return s
}

// acceptOne pumps the network until the listener produces a connection.
func (c *testContext) acceptOne(lis *socket.Sock) (*socket.Sock, tcpip.FullAddress) {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		child, peer, err := lis.Accept()
		switch err {
		case nil:
			return child, peer
		case tcpip.ErrWouldBlock:
			c.run()
		default:
			c.t.Fatalf("Accept() failed: %v", err)
		}
	}
	c.t.Fatal("Accept() never produced a connection")
	return nil, tcpip.FullAddress{}
}

// connectedPair establishes a connection through lis and returns the client
// end and the accepted server end.
func (c *testContext) connectedPair(lis *socket.Sock, raddr tcpip.FullAddress) (*socket.Sock, *socket.Sock) {
	c.t.Helper()
	s := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	c.run()
	child, _ := c.acceptOne(lis)
	if err := s.Connect(raddr); err != nil {
		c.t.Fatalf("Connect(%+v) after handshake = %v, want nil", raddr, err)
	}
	return s, child
}

// sendData pushes data into from's send buffer, delivers it, and expects to
// read it back out of to.
func (c *testContext) sendData(from, to *socket.Sock, data string) {
	c.t.Helper()
	if n := from.SendBuffer().Enqueue([]byte(data)); n != len(data) {
		c.t.Fatalf("Enqueue accepted %d bytes, want %d", n, len(data))
	}
	if err := from.DoSend(0); err != nil {
		c.t.Fatalf("DoSend failed: %v", err)
	}
	c.run()
	buf := make([]byte, len(data)+1)
	n := to.ReceiveBuffer().Read(buf)
	if got := string(buf[:n]); got != data {
		c.t.Fatalf("read %q, want %q", got, data)
	}
	to.OnReceiveBufferRead()
	c.run()
}

func findDiag(t *testing.T, st *socket.Stack, id uint64) socket.DiagEntry {
	t.Helper()
	for _, e := range st.Diag() {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("no diag entry for socket %d", id)
	return socket.DiagEntry{}
}

func TestCreateRejectsUnknownNetwork(t *testing.T) {
	c := newTestContext(t)
	if _, err := c.client.Create(0x1234); err != tcpip.ErrUnknownProtocolOption {
		t.Fatalf("Create(0x1234) = %v, want %v", err, tcpip.ErrUnknownProtocolOption)
	}
	if got := c.client.Stats().Socket.SocketsCreated.Value(); got != 0 {
		t.Fatalf("got SocketsCreated.Value() = %d, want 0", got)
	}
}

func TestBindAddressValidation(t *testing.T) {
	for _, test := range []struct {
		tname string
		addr  tcpip.FullAddress
		want  *tcpip.Error
	}{
		{"assigned address", tcpip.FullAddress{Addr: clientAddr, Port: 4000}, nil},
		{"wildcard", tcpip.FullAddress{Port: 4000}, nil},
		{"foreign address", tcpip.FullAddress{Addr: serverAddr, Port: 4000}, tcpip.ErrBadLocalAddress},
		{"v6 address on a v4 socket", tcpip.FullAddress{Addr: clientAddr6, Port: 4000}, tcpip.ErrAddressFamilyNotSupported},
		{"zone on an unscoped address", tcpip.FullAddress{Addr: clientAddr, NIC: 1, Port: 4000}, tcpip.ErrBadZone},
	} {
		t.Run(test.tname, func(t *testing.T) {
			c := newTestContext(t)
			s := c.create(c.client, tcpip.IPv4ProtocolNumber)
			if err := s.Bind(test.addr); err != test.want {
				t.Fatalf("Bind(%+v) = %v, want %v", test.addr, err, test.want)
			}
		})
	}
}

func TestBindTwice(t *testing.T) {
	c := newTestContext(t)
	s := c.create(c.client, tcpip.IPv4ProtocolNumber)
	if err := s.Bind(tcpip.FullAddress{Addr: clientAddr, Port: 4000}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := s.Bind(tcpip.FullAddress{Addr: clientAddr, Port: 4001}); err != tcpip.ErrAlreadyBound {
		t.Fatalf("second Bind = %v, want %v", err, tcpip.ErrAlreadyBound)
	}
}

func TestBindEphemeralPort(t *testing.T) {
	c := newTestContext(t)
	s := c.create(c.client, tcpip.IPv4ProtocolNumber)
	if err := s.Bind(tcpip.FullAddress{Addr: clientAddr}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	local, err := s.GetLocalAddress()
	if err != nil {
		t.Fatalf("GetLocalAddress failed: %v", err)
	}
	if local.Addr != clientAddr {
		t.Fatalf("got local address %v, want %v", local.Addr, clientAddr)
	}
	if local.Port < 16000 {
		t.Fatalf("got port %d, want one in the ephemeral range", local.Port)
	}
}

func TestBindConflicts(t *testing.T) {
	c := newTestContext(t)

	// An exclusive wildcard reservation blocks the whole port.
	a := c.create(c.server, tcpip.IPv4ProtocolNumber)
	if err := a.Bind(tcpip.FullAddress{Port: 4100}); err != nil {
		t.Fatalf("Bind(wildcard) failed: %v", err)
	}
	b := c.create(c.server, tcpip.IPv4ProtocolNumber)
	if err := b.Bind(tcpip.FullAddress{Addr: serverAddr, Port: 4100}); err != tcpip.ErrPortInUse {
		t.Fatalf("Bind over an exclusive wildcard = %v, want %v", err, tcpip.ErrPortInUse)
	}

	// With SO_REUSEADDR on both sides the reservations share.
	ra := c.create(c.server, tcpip.IPv4ProtocolNumber)
	rb := c.create(c.server, tcpip.IPv4ProtocolNumber)
	for _, s := range []*socket.Sock{ra, rb} {
		if err := s.SetSockOpt(tcpip.ReuseAddressOption(1)); err != nil {
			t.Fatalf("SetSockOpt(ReuseAddressOption) failed: %v", err)
		}
	}
	if err := ra.Bind(tcpip.FullAddress{Port: 4101}); err != nil {
		t.Fatalf("Bind(reuse wildcard) failed: %v", err)
	}
	if err := rb.Bind(tcpip.FullAddress{Addr: serverAddr, Port: 4101}); err != nil {
		t.Fatalf("Bind(reuse specific) over a reuse wildcard failed: %v", err)
	}

	// Exclusive reservations scoped to different devices still collide.
	d1 := c.create(c.server, tcpip.IPv4ProtocolNumber)
	if err := d1.SetSockOpt(tcpip.BindToDeviceOption(2)); err != nil {
		t.Fatalf("SetSockOpt(BindToDeviceOption) failed: %v", err)
	}
	if err := d1.Bind(tcpip.FullAddress{Port: 4102}); err != nil {
		t.Fatalf("Bind(device scoped) failed: %v", err)
	}
	d2 := c.create(c.server, tcpip.IPv4ProtocolNumber)
	if err := d2.Bind(tcpip.FullAddress{Port: 4102}); err != tcpip.ErrPortInUse {
		t.Fatalf("Bind under a device twin = %v, want %v", err, tcpip.ErrPortInUse)
	}
}

func TestListenWithoutBind(t *testing.T) {
	c := newTestContext(t)
	s := c.create(c.server, tcpip.IPv4ProtocolNumber)
	if err := s.Listen(5); err != tcpip.ErrInvalidEndpointState {
		t.Fatalf("Listen on an unbound socket = %v, want %v", err, tcpip.ErrInvalidEndpointState)
	}
}

func TestAcceptStateChecks(t *testing.T) {
	c := newTestContext(t)
	s := c.create(c.server, tcpip.IPv4ProtocolNumber)
	if _, _, err := s.Accept(); err != tcpip.ErrInvalidEndpointState {
		t.Fatalf("Accept on an unbound socket = %v, want %v", err, tcpip.ErrInvalidEndpointState)
	}
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	if _, _, err := lis.Accept(); err != tcpip.ErrWouldBlock {
		t.Fatalf("Accept on an idle listener = %v, want %v", err, tcpip.ErrWouldBlock)
	}
}

func TestListenerExclusion(t *testing.T) {
	c := newTestContext(t)
	a := c.create(c.server, tcpip.IPv4ProtocolNumber)
	b := c.create(c.server, tcpip.IPv4ProtocolNumber)
	for _, s := range []*socket.Sock{a, b} {
		if err := s.SetSockOpt(tcpip.ReuseAddressOption(1)); err != nil {
			t.Fatalf("SetSockOpt(ReuseAddressOption) failed: %v", err)
		}
		if err := s.Bind(tcpip.FullAddress{Addr: serverAddr, Port: serverPort}); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
	}
	if err := a.Listen(5); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	// Address sharing does not extend to a second listener.
	if err := b.Listen(5); err != tcpip.ErrListenerExists {
		t.Fatalf("second Listen = %v, want %v", err, tcpip.ErrListenerExists)
	}
	a.Close()
	if err := b.Listen(5); err != nil {
		t.Fatalf("Listen after the first listener closed = %v, want nil", err)
	}
}

func TestConnectAccept(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 10)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: serverPort}

	s := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	if _, err := s.GetRemoteAddress(); err != tcpip.ErrNotConnected {
		t.Fatalf("GetRemoteAddress during the handshake = %v, want %v", err, tcpip.ErrNotConnected)
	}
	c.run()

	child, peer := c.acceptOne(lis)
	if err := s.Connect(raddr); err != nil {
		t.Fatalf("Connect after completion = %v, want nil", err)
	}

	local, err := s.GetLocalAddress()
	if err != nil {
		t.Fatalf("GetLocalAddress failed: %v", err)
	}
	if diff := cmp.Diff(tcpip.FullAddress{Addr: clientAddr, Port: local.Port}, peer); diff != "" {
		t.Fatalf("accepted peer address mismatch (-want +got):\n%s", diff)
	}
	remote, err := s.GetRemoteAddress()
	if err != nil {
		t.Fatalf("GetRemoteAddress failed: %v", err)
	}
	if diff := cmp.Diff(raddr, remote); diff != "" {
		t.Fatalf("remote address mismatch (-want +got):\n%s", diff)
	}
	childLocal, err := child.GetLocalAddress()
	if err != nil {
		t.Fatalf("child GetLocalAddress failed: %v", err)
	}
	if diff := cmp.Diff(raddr, childLocal); diff != "" {
		t.Fatalf("child local address mismatch (-want +got):\n%s", diff)
	}

	if got := c.client.Stats().Socket.ActiveConnectionOpenings.Value(); got != 1 {
		t.Fatalf("got ActiveConnectionOpenings.Value() = %d, want 1", got)
	}
	if got := c.server.Stats().Socket.PassiveConnectionOpenings.Value(); got != 1 {
		t.Fatalf("got PassiveConnectionOpenings.Value() = %d, want 1", got)
	}
}

func TestConnectReporting(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 10)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: serverPort}

	s := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	// While the handshake runs every call reports "in progress".
	if err := s.Connect(raddr); err != tcpip.ErrConnectStarted {
		t.Fatalf("Connect while pending = %v, want %v", err, tcpip.ErrConnectStarted)
	}
	c.run()
	c.acceptOne(lis)
	// Completion is reported exactly once.
	if err := s.Connect(raddr); err != nil {
		t.Fatalf("Connect after completion = %v, want nil", err)
	}
	if err := s.Connect(raddr); err != tcpip.ErrAlreadyConnected {
		t.Fatalf("Connect on a connected socket = %v, want %v", err, tcpip.ErrAlreadyConnected)
	}
}

func TestConnectValidation(t *testing.T) {
	c := newTestContext(t)

	s := c.create(c.client, tcpip.IPv4ProtocolNumber)
	if err := s.Connect(tcpip.FullAddress{Port: serverPort}); err != tcpip.ErrDestinationRequired {
		t.Fatalf("Connect without an address = %v, want %v", err, tcpip.ErrDestinationRequired)
	}
	if err := s.Connect(tcpip.FullAddress{Addr: serverAddr6, Port: serverPort}); err != tcpip.ErrAddressFamilyNotSupported {
		t.Fatalf("Connect(v6 address) on a v4 socket = %v, want %v", err, tcpip.ErrAddressFamilyNotSupported)
	}

	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	if err := lis.Connect(tcpip.FullAddress{Addr: clientAddr, Port: 9}); err != tcpip.ErrInvalidEndpointState {
		t.Fatalf("Connect on a listener = %v, want %v", err, tcpip.ErrInvalidEndpointState)
	}

	c.network.SetUnreachable(serverAddr, true)
	u := c.create(c.client, tcpip.IPv4ProtocolNumber)
	if err := u.Connect(tcpip.FullAddress{Addr: serverAddr, Port: serverPort}); err != tcpip.ErrNoRoute {
		t.Fatalf("Connect to an unreachable address = %v, want %v", err, tcpip.ErrNoRoute)
	}
	c.network.SetUnreachable(serverAddr, false)
}

func TestConnectRefused(t *testing.T) {
	c := newTestContext(t)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: 9999}

	s := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	c.run()

	if err := s.Connect(raddr); err != tcpip.ErrConnectionRefused {
		t.Fatalf("Connect after a reset = %v, want %v", err, tcpip.ErrConnectionRefused)
	}
	// The failure is latched, not consumed.
	if err := s.Connect(raddr); err != tcpip.ErrConnectionRefused {
		t.Fatalf("repeated Connect = %v, want %v", err, tcpip.ErrConnectionRefused)
	}
	if err := s.GetSockOpt(tcpip.ErrorOption{}); err != tcpip.ErrConnectionRefused {
		t.Fatalf("GetSockOpt(ErrorOption) = %v, want %v", err, tcpip.ErrConnectionRefused)
	}

	if got := c.client.Stats().Socket.FailedConnectionAttempts.Value(); got != 1 {
		t.Fatalf("got FailedConnectionAttempts.Value() = %d, want 1", got)
	}
	if got := c.server.Stats().Demux.UnroutableSegments.Value(); got != 1 {
		t.Fatalf("got UnroutableSegments.Value() = %d, want 1", got)
	}
	if got := c.server.Stats().Socket.ResetsSent.Value(); got != 1 {
		t.Fatalf("got ResetsSent.Value() = %d, want 1", got)
	}
}

func TestConnectFromBoundSocket(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 10)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: serverPort}

	s := c.create(c.client, tcpip.IPv4ProtocolNumber)
	if err := s.Bind(tcpip.FullAddress{Addr: clientAddr, Port: 4300}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := s.Connect(raddr); err != tcpip.ErrConnectStarted {
		t.Fatalf("Connect = %v, want %v", err, tcpip.ErrConnectStarted)
	}
	c.run()
	_, peer := c.acceptOne(lis)
	if want := (tcpip.FullAddress{Addr: clientAddr, Port: 4300}); peer != want {
		t.Fatalf("got peer %+v, want %+v", peer, want)
	}
}

func TestDataTransfer(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 10)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	c.sendData(cs, ss, "ping")
	c.sendData(ss, cs, "pong")
}

func TestDataSegmentation(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 10)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	var segments, largest int
	c.network.SetFilter(func(seg *socket.Segment) bool {
		if len(seg.Payload) > 0 {
			segments++
			if len(seg.Payload) > largest {
				largest = len(seg.Payload)
			}
		}
		return true
	})
	defer c.network.SetFilter(nil)

	const total = 5000
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if n := cs.SendBuffer().Enqueue(data); n != total {
		t.Fatalf("Enqueue accepted %d bytes, want %d", n, total)
	}
	if err := cs.DoSend(0); err != nil {
		t.Fatalf("DoSend failed: %v", err)
	}
	c.run()

	got := make([]byte, total)
	if n := ss.ReceiveBuffer().Read(got); n != total {
		t.Fatalf("Read returned %d bytes, want %d", n, total)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received data does not match sent data")
	}
	if want := (total + loopback.DefaultMMS - 1) / loopback.DefaultMMS; segments != want {
		t.Fatalf("data crossed in %d segments, want %d", segments, want)
	}
	if largest > loopback.DefaultMMS {
		t.Fatalf("largest segment carried %d bytes, over the %d byte MMS", largest, loopback.DefaultMMS)
	}
}

func TestSendStateErrors(t *testing.T) {
	c := newTestContext(t)

	s := c.create(c.client, tcpip.IPv4ProtocolNumber)
	if err := s.DoSend(0); err != tcpip.ErrNotConnected {
		t.Fatalf("DoSend on an unbound socket = %v, want %v", err, tcpip.ErrNotConnected)
	}

	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	if err := cs.Shutdown(tcpip.ShutdownWrite); err != nil {
		t.Fatalf("Shutdown(write) failed: %v", err)
	}
	if err := cs.DoSend(0); err != tcpip.ErrClosedForSend {
		t.Fatalf("DoSend after write shutdown = %v, want %v", err, tcpip.ErrClosedForSend)
	}

	ss.Close()
	if err := ss.DoSend(0); err != tcpip.ErrInvalidEndpointState {
		t.Fatalf("DoSend after Close = %v, want %v", err, tcpip.ErrInvalidEndpointState)
	}
}

func TestAcceptNotification(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)

	we, ch := waiter.NewChannelEntry(nil)
	lis.Queue().EventRegister(&we, waiter.EventIn)
	defer lis.Queue().EventUnregister(&we)

	if got := lis.Readiness(waiter.EventIn); got != 0 {
		t.Fatalf("got Readiness(EventIn) = %v on an idle listener, want 0", got)
	}
	c.startConnect(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})
	c.run()

	select {
	case <-ch:
	default:
		t.Fatal("listener was not notified of a ready connection")
	}
	if got := lis.Readiness(waiter.EventIn); got != waiter.EventIn {
		t.Fatalf("got Readiness(EventIn) = %v, want %v", got, waiter.EventIn)
	}
}

func TestBacklog(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 1)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: serverPort}

	first := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	second := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	c.run()

	if got := c.server.Stats().Socket.ListenOverflowSynDrop.Value(); got != 1 {
		t.Fatalf("got ListenOverflowSynDrop.Value() = %d, want 1", got)
	}
	c.acceptOne(lis)
	if err := first.Connect(raddr); err != nil {
		t.Fatalf("first Connect = %v, want nil", err)
	}
	// The second SYN was dropped silently; its connection hangs in the
	// handshake until the application gives up.
	if err := second.Connect(raddr); err != tcpip.ErrConnectStarted {
		t.Fatalf("second Connect = %v, want %v", err, tcpip.ErrConnectStarted)
	}

	// Backlogs are clamped at both ends.
	if err := lis.Listen(0); err != nil {
		t.Fatalf("Listen(0) failed: %v", err)
	}
	if got := findDiag(t, c.server, lis.ID()).Backlog; got != 1 {
		t.Fatalf("got backlog %d after Listen(0), want 1", got)
	}
	if err := lis.Listen(1 << 20); err != nil {
		t.Fatalf("Listen(1<<20) failed: %v", err)
	}
	if got := findDiag(t, c.server, lis.ID()).Backlog; got != socket.DefaultMaxBacklog {
		t.Fatalf("got backlog %d after Listen(1<<20), want %d", got, socket.DefaultMaxBacklog)
	}
}

func TestGracefulClose(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	cs.Close()
	c.run()

	// The peer sees the FIN as readable EOF.
	if got := ss.Readiness(waiter.EventIn); got != waiter.EventIn {
		t.Fatalf("got peer Readiness(EventIn) = %v after FIN, want %v", got, waiter.EventIn)
	}
	ss.Close()
	c.run()

	// The server-side connection finished its teardown outright; the
	// client end lingers in TIME-WAIT.
	if got := c.server.Stats().Socket.SocketsDestroyed.Value(); got != 1 {
		t.Fatalf("got server SocketsDestroyed.Value() = %d, want 1", got)
	}
	if got := c.client.Stats().Socket.SocketsDestroyed.Value(); got != 0 {
		t.Fatalf("got client SocketsDestroyed.Value() = %d, want 0", got)
	}

	c.clock.Advance(2 * testMSL)
	if got := c.client.Stats().Socket.SocketsDestroyed.Value(); got != 1 {
		t.Fatalf("got client SocketsDestroyed.Value() = %d after TIME-WAIT, want 1", got)
	}

	lis.Close()
	if got := c.server.Stats().Socket.SocketsDestroyed.Value(); got != 2 {
		t.Fatalf("got server SocketsDestroyed.Value() = %d, want 2", got)
	}

	// Every destruction returned its resources, none deferred.
	serverReclaims := c.serverBindings.Reclaims()
	if len(serverReclaims) != 2 {
		t.Fatalf("got %d server reclaims, want 2", len(serverReclaims))
	}
	for i, r := range serverReclaims {
		if r.Done != nil {
			t.Fatalf("server reclaim %d was deferred", i)
		}
	}
	clientReclaims := c.clientBindings.Reclaims()
	if len(clientReclaims) != 1 {
		t.Fatalf("got %d client reclaims, want 1", len(clientReclaims))
	}
	if clientReclaims[0].SendBuffer == nil || clientReclaims[0].ReceiveBuffer == nil {
		t.Fatal("connection reclaim is missing its buffers")
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	cs.Close()
	cs.Close()
	c.run()
	ss.Close()
	c.run()
	c.clock.Advance(2 * testMSL)
	cs.Close()

	if got := c.client.Stats().Socket.SocketsDestroyed.Value(); got != 1 {
		t.Fatalf("got SocketsDestroyed.Value() = %d, want 1", got)
	}
}

func TestAbortResetsPeer(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	cs.Abort()
	// Abort never lingers.
	if got := c.client.Stats().Socket.SocketsDestroyed.Value(); got != 1 {
		t.Fatalf("got SocketsDestroyed.Value() = %d, want 1", got)
	}
	c.run()

	if err := ss.DoSend(0); err != tcpip.ErrConnectionReset {
		t.Fatalf("peer DoSend after a reset = %v, want %v", err, tcpip.ErrConnectionReset)
	}
	if err := ss.GetSockOpt(tcpip.ErrorOption{}); err != tcpip.ErrConnectionReset {
		t.Fatalf("peer GetSockOpt(ErrorOption) = %v, want %v", err, tcpip.ErrConnectionReset)
	}
}

func TestShutdownWrite(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	c.sendData(cs, ss, "request")
	if err := cs.Shutdown(tcpip.ShutdownWrite); err != nil {
		t.Fatalf("Shutdown(write) failed: %v", err)
	}
	c.run()

	// The read half stays open.
	c.sendData(ss, cs, "response")

	if err := cs.DoSend(0); err != tcpip.ErrClosedForSend {
		t.Fatalf("DoSend after write shutdown = %v, want %v", err, tcpip.ErrClosedForSend)
	}
}

func TestShutdownReadDiscards(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	if err := ss.Shutdown(tcpip.ShutdownRead); err != nil {
		t.Fatalf("Shutdown(read) failed: %v", err)
	}
	if n := cs.SendBuffer().Enqueue([]byte("discarded")); n != 9 {
		t.Fatalf("Enqueue accepted %d bytes, want 9", n)
	}
	if err := cs.DoSend(0); err != nil {
		t.Fatalf("DoSend failed: %v", err)
	}
	c.run()

	if got := ss.ReceiveBuffer().Len(); got != 0 {
		t.Fatalf("got %d bytes queued after read shutdown, want 0", got)
	}
	// The discarded bytes were still acknowledged; the sender's stream
	// keeps moving.
	c.sendData(ss, cs, "still up")
}

func TestShutdownListener(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: serverPort}

	first := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	second := c.startConnect(tcpip.IPv4ProtocolNumber, raddr)
	c.run()

	if err := lis.Shutdown(tcpip.ShutdownRead); err != nil {
		t.Fatalf("Shutdown(read) on the listener failed: %v", err)
	}
	// Both queued connections were reset and destroyed without ever
	// becoming visible.
	if got := c.server.Stats().Socket.SocketsDestroyed.Value(); got != 2 {
		t.Fatalf("got SocketsDestroyed.Value() = %d, want 2", got)
	}
	c.run()
	for i, s := range []*socket.Sock{first, second} {
		if err := s.DoSend(0); err != tcpip.ErrConnectionReset {
			t.Fatalf("client %d DoSend = %v, want %v", i, err, tcpip.ErrConnectionReset)
		}
	}

	// The socket reverted to plain bound state and can listen anew.
	if _, _, err := lis.Accept(); err != tcpip.ErrInvalidEndpointState {
		t.Fatalf("Accept after shutdown = %v, want %v", err, tcpip.ErrInvalidEndpointState)
	}
	if err := lis.Listen(5); err != nil {
		t.Fatalf("Listen after shutdown failed: %v", err)
	}
	c.connectedPair(lis, raddr)
}

func TestFinWait2Expiry(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, _ := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	// The peer acknowledges the FIN but never sends its own.
	cs.Close()
	c.run()
	if got := c.client.Stats().Socket.SocketsDestroyed.Value(); got != 0 {
		t.Fatalf("got SocketsDestroyed.Value() = %d, want 0", got)
	}

	c.clock.Advance(testFinWait2)
	if got := c.client.Stats().Socket.SocketsDestroyed.Value(); got != 1 {
		t.Fatalf("got SocketsDestroyed.Value() = %d after the FIN-WAIT-2 timeout, want 1", got)
	}
}

func TestTimeWaitTupleTakeover(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 10)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: serverPort}
	laddr := tcpip.FullAddress{Addr: clientAddr, Port: 4500}

	dial := func() *socket.Sock {
		t.Helper()
		s := c.create(c.client, tcpip.IPv4ProtocolNumber)
		if err := s.SetSockOpt(tcpip.ReuseAddressOption(1)); err != nil {
			t.Fatalf("SetSockOpt(ReuseAddressOption) failed: %v", err)
		}
		if err := s.Bind(laddr); err != nil {
			t.Fatalf("Bind(%+v) failed: %v", laddr, err)
		}
		return s
	}

	first := dial()
	if err := first.Connect(raddr); err != tcpip.ErrConnectStarted {
		t.Fatalf("Connect = %v, want %v", err, tcpip.ErrConnectStarted)
	}
	c.run()
	child, _ := c.acceptOne(lis)
	first.Close()
	c.run()
	child.Close()
	c.run()

	// first now sits in TIME-WAIT holding the 4-tuple. A new connection
	// over the same tuple displaces it.
	second := dial()
	if err := second.Connect(raddr); err != tcpip.ErrConnectStarted {
		t.Fatalf("Connect over a TIME-WAIT tuple = %v, want %v", err, tcpip.ErrConnectStarted)
	}
	if got := c.client.Stats().Socket.SocketsDestroyed.Value(); got != 1 {
		t.Fatalf("got SocketsDestroyed.Value() = %d after the takeover, want 1", got)
	}
	c.run()
	child2, _ := c.acceptOne(lis)
	if err := second.Connect(raddr); err != nil {
		t.Fatalf("Connect after the takeover handshake = %v, want nil", err)
	}
	c.sendData(second, child2, "fresh tuple")

	// A live occupant is never displaced.
	third := dial()
	if err := third.Connect(raddr); err != tcpip.ErrConnectionExists {
		t.Fatalf("Connect over a live tuple = %v, want %v", err, tcpip.ErrConnectionExists)
	}
}

func TestSocketMarks(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)

	if err := lis.SetSockOpt(tcpip.MarkOption{Domain: tcpip.MarkDomain1, Mark: 0x5eed}); err != nil {
		t.Fatalf("SetSockOpt(MarkOption) failed: %v", err)
	}
	if err := lis.SetSockOpt(tcpip.MarkOption{Domain: tcpip.NumMarkDomains, Mark: 1}); err != tcpip.ErrInvalidOptionValue {
		t.Fatalf("SetSockOpt(out of range domain) = %v, want %v", err, tcpip.ErrInvalidOptionValue)
	}

	var got tcpip.MarkOption
	got.Domain = tcpip.MarkDomain1
	if err := lis.GetSockOpt(&got); err != nil {
		t.Fatalf("GetSockOpt(MarkOption) failed: %v", err)
	}
	if got.Mark != 0x5eed {
		t.Fatalf("got mark %#x, want 0x5eed", got.Mark)
	}

	// Accepted connections inherit the listener's marks.
	_, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})
	if got := ss.Mark(tcpip.MarkDomain1); got != 0x5eed {
		t.Fatalf("got inherited mark %#x, want 0x5eed", got)
	}
	if got := ss.Mark(tcpip.MarkDomain(99)); got != 0 {
		t.Fatalf("got mark %#x for an out of range domain, want 0", got)
	}
}

func TestBufferSizeOptions(t *testing.T) {
	c := newTestContext(t)
	s := c.create(c.client, tcpip.IPv4ProtocolNumber)

	if err := s.SetSockOpt(tcpip.SendBufferSizeOption(1)); err != nil {
		t.Fatalf("SetSockOpt(SendBufferSizeOption) failed: %v", err)
	}
	var snd tcpip.SendBufferSizeOption
	if err := s.GetSockOpt(&snd); err != nil {
		t.Fatalf("GetSockOpt(SendBufferSizeOption) failed: %v", err)
	}
	if snd != socket.DefaultMinBufferSize {
		t.Fatalf("got send buffer size %d, want the %d floor", snd, socket.DefaultMinBufferSize)
	}

	if err := s.SetSockOpt(tcpip.ReceiveBufferSizeOption(1 << 30)); err != nil {
		t.Fatalf("SetSockOpt(ReceiveBufferSizeOption) failed: %v", err)
	}
	var rcv tcpip.ReceiveBufferSizeOption
	if err := s.GetSockOpt(&rcv); err != nil {
		t.Fatalf("GetSockOpt(ReceiveBufferSizeOption) failed: %v", err)
	}
	if rcv != socket.DefaultMaxBufferSize {
		t.Fatalf("got receive buffer size %d, want the %d ceiling", rcv, socket.DefaultMaxBufferSize)
	}
}

func TestReuseAddrDowngradeRefused(t *testing.T) {
	c := newTestContext(t)
	a := c.create(c.server, tcpip.IPv4ProtocolNumber)
	b := c.create(c.server, tcpip.IPv4ProtocolNumber)
	for _, s := range []*socket.Sock{a, b} {
		if err := s.SetSockOpt(tcpip.ReuseAddressOption(1)); err != nil {
			t.Fatalf("SetSockOpt(ReuseAddressOption) failed: %v", err)
		}
		if err := s.Bind(tcpip.FullAddress{Port: 4700}); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
	}
	// Dropping reuse is refused while the reservation overlaps another.
	if err := a.SetSockOpt(tcpip.ReuseAddressOption(0)); err != tcpip.ErrPortInUse {
		t.Fatalf("SetSockOpt(ReuseAddressOption(0)) = %v, want %v", err, tcpip.ErrPortInUse)
	}
	b.Close()
	if err := a.SetSockOpt(tcpip.ReuseAddressOption(0)); err != nil {
		t.Fatalf("SetSockOpt(ReuseAddressOption(0)) after the overlap cleared = %v, want nil", err)
	}
}

func TestOriginalDestination(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)

	if err := lis.GetSockOpt(&tcpip.OriginalDestinationOption{}); err != tcpip.ErrNotConnected {
		t.Fatalf("GetSockOpt(OriginalDestinationOption) on a listener = %v, want %v", err, tcpip.ErrNotConnected)
	}

	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})
	local, err := cs.GetLocalAddress()
	if err != nil {
		t.Fatalf("GetLocalAddress failed: %v", err)
	}

	orig := tcpip.FullAddress{Addr: testutil.MustParse4("203.0.113.9"), Port: 8080}
	c.serverNode.SetRedirect(tcpip.IPv4ProtocolNumber,
		tcpip.FullAddress{Addr: serverAddr, Port: serverPort},
		tcpip.FullAddress{Addr: clientAddr, Port: local.Port},
		orig)

	var od tcpip.OriginalDestinationOption
	if err := ss.GetSockOpt(&od); err != nil {
		t.Fatalf("GetSockOpt(OriginalDestinationOption) failed: %v", err)
	}
	if diff := cmp.Diff(tcpip.OriginalDestinationOption(orig), od); diff != "" {
		t.Fatalf("original destination mismatch (-want +got):\n%s", diff)
	}

	// The client side was not redirected.
	if err := cs.GetSockOpt(&od); err != tcpip.ErrOriginalDstNotFound {
		t.Fatalf("client GetSockOpt(OriginalDestinationOption) = %v, want %v", err, tcpip.ErrOriginalDstNotFound)
	}
}

func TestBindToDevice(t *testing.T) {
	c := newTestContext(t)

	s := c.create(c.server, tcpip.IPv4ProtocolNumber)
	if err := s.SetSockOpt(tcpip.BindToDeviceOption(99)); err != tcpip.ErrUnknownDevice {
		t.Fatalf("SetSockOpt(BindToDeviceOption(99)) = %v, want %v", err, tcpip.ErrUnknownDevice)
	}
	if err := s.SetSockOpt(tcpip.BindToDeviceOption(2)); err != nil {
		t.Fatalf("SetSockOpt(BindToDeviceOption(2)) failed: %v", err)
	}
	var dev tcpip.BindToDeviceOption
	if err := s.GetSockOpt(&dev); err != nil {
		t.Fatalf("GetSockOpt(BindToDeviceOption) failed: %v", err)
	}
	if dev != 2 {
		t.Fatalf("got bound device %d, want 2", dev)
	}

	if err := s.Bind(tcpip.FullAddress{Port: 4600}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := s.Listen(5); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	// Through the NIC 1 address the device-scoped listener is invisible.
	miss := c.startConnect(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: 4600})
	c.run()
	if err := miss.Connect(tcpip.FullAddress{Addr: serverAddr, Port: 4600}); err != tcpip.ErrConnectionRefused {
		t.Fatalf("Connect via the wrong device = %v, want %v", err, tcpip.ErrConnectionRefused)
	}

	// Through the NIC 2 address it accepts.
	hit := c.startConnect(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddrAlt, Port: 4600})
	c.run()
	c.acceptOne(s)
	if err := hit.Connect(tcpip.FullAddress{Addr: serverAddrAlt, Port: 4600}); err != nil {
		t.Fatalf("Connect via the scoped device = %v, want nil", err)
	}
}

func TestSetDeviceConflictRollsBack(t *testing.T) {
	c := newTestContext(t)

	scoped := c.create(c.server, tcpip.IPv4ProtocolNumber)
	plain := c.create(c.server, tcpip.IPv4ProtocolNumber)
	for _, s := range []*socket.Sock{scoped, plain} {
		if err := s.SetSockOpt(tcpip.ReuseAddressOption(1)); err != nil {
			t.Fatalf("SetSockOpt(ReuseAddressOption) failed: %v", err)
		}
	}
	if err := scoped.SetSockOpt(tcpip.BindToDeviceOption(2)); err != nil {
		t.Fatalf("SetSockOpt(BindToDeviceOption) failed: %v", err)
	}
	for _, s := range []*socket.Sock{scoped, plain} {
		if err := s.Bind(tcpip.FullAddress{Port: 4601}); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		if err := s.Listen(2); err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
	}

	// Moving the plain listener onto device 2 would stack two listeners
	// on one key.
	if err := plain.SetDevice(2); err != tcpip.ErrDeviceConflict {
		t.Fatalf("SetDevice(2) = %v, want %v", err, tcpip.ErrDeviceConflict)
	}

	// The failed move left both listeners serving their old scopes.
	viaPlain := c.startConnect(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: 4601})
	c.run()
	c.acceptOne(plain)
	if err := viaPlain.Connect(tcpip.FullAddress{Addr: serverAddr, Port: 4601}); err != nil {
		t.Fatalf("Connect via the plain listener = %v, want nil", err)
	}
	viaScoped := c.startConnect(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddrAlt, Port: 4601})
	c.run()
	c.acceptOne(scoped)
	if err := viaScoped.Connect(tcpip.FullAddress{Addr: serverAddrAlt, Port: 4601}); err != nil {
		t.Fatalf("Connect via the scoped listener = %v, want nil", err)
	}
}

func TestSetDeviceOnConnection(t *testing.T) {
	c := newTestContext(t)
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, 5)
	cs, ss := c.connectedPair(lis, tcpip.FullAddress{Addr: serverAddr, Port: serverPort})

	// NIC 2 does not carry the connection's local address.
	if err := ss.SetDevice(2); err != tcpip.ErrNoRoute {
		t.Fatalf("SetDevice(2) = %v, want %v", err, tcpip.ErrNoRoute)
	}
	c.sendData(cs, ss, "after failed move")

	// NIC 1 does; the 4-tuple re-keys and traffic keeps flowing.
	if err := ss.SetDevice(1); err != nil {
		t.Fatalf("SetDevice(1) failed: %v", err)
	}
	c.sendData(cs, ss, "after move")
	c.sendData(ss, cs, "both ways")
}

// TestConcurrentConnects hammers one listener from many goroutines while a
// pump thread races segment delivery against the sockets' own calls.
func TestConcurrentConnects(t *testing.T) {
	c := newTestContext(t)
	const conns = 16
	lis := c.createListener(tcpip.IPv4ProtocolNumber, tcpip.FullAddress{Addr: serverAddr, Port: serverPort}, conns)
	raddr := tcpip.FullAddress{Addr: serverAddr, Port: serverPort}

	done := make(chan struct{})
	var pump errgroup.Group
	pump.Go(func() error {
		for {
			select {
			case <-done:
				c.network.Run()
				return nil
			default:
				c.network.Run()
				time.Sleep(time.Millisecond)
			}
		}
	})

	var g errgroup.Group
	for i := 0; i < conns; i++ {
		g.Go(func() error {
			s, err := c.client.Create(tcpip.IPv4ProtocolNumber)
			if err != nil {
				return fmt.Errorf("Create failed: %v", err)
			}
			if err := s.Connect(raddr); err != tcpip.ErrConnectStarted {
				return fmt.Errorf("Connect = %v, want %v", err, tcpip.ErrConnectStarted)
			}
			return testutil.Poll(func() error {
				switch err := s.Connect(raddr); err {
				case nil, tcpip.ErrAlreadyConnected:
					return nil
				case tcpip.ErrConnectStarted:
					return fmt.Errorf("handshake still pending")
				default:
					return fmt.Errorf("Connect failed: %v", err)
				}
			}, 10*time.Second)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	accepted := 0
	if err := testutil.Poll(func() error {
		for {
			_, _, err := lis.Accept()
			switch err {
			case nil:
				accepted++
			case tcpip.ErrWouldBlock:
				if accepted < conns {
					return fmt.Errorf("accepted %d of %d connections", accepted, conns)
				}
				return nil
			default:
				return fmt.Errorf("Accept failed: %v", err)
			}
		}
	}, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	close(done)
	if err := pump.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := c.server.Stats().Socket.PassiveConnectionOpenings.Value(); got != conns {
		t.Fatalf("got PassiveConnectionOpenings.Value() = %d, want %d", got, conns)
	}
	if got := c.server.Stats().Socket.ListenOverflowSynDrop.Value(); got != 0 {
		t.Fatalf("got ListenOverflowSynDrop.Value() = %d, want 0", got)
	}
}
