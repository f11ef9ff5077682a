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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/socket"
	"tcpsock.dev/tcpsock/pkg/tcpip/socket/loopback"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	// conns overrides the configured number of client connections.
	conns int
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "run a loopback connection scenario and print the socket table at each phase"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [flags]

The demo command stands up two in-process hosts joined by a loopback
network, drives a dual-stack listener and a batch of client connections
through connect, data transfer, and teardown, and prints the live socket
table after each phase, ss-style.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.conns, "conns", 0, "number of client connections, overriding the config")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	if d.conns > 0 {
		conf.Conns = d.conns
	}

	if err := runDemo(os.Stdout, conf); err != nil {
		logrus.WithError(err).Error("demo failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// host is one end of the demo network: a loopback node and the stack
// attached to it.
type host struct {
	name     string
	node     *loopback.Node
	stack    *socket.Stack
	bindings *loopback.Bindings
}

// world holds the demo network and its two hosts.
type world struct {
	network *loopback.Network
	server  *host
	client  *host

	serverAddr4 tcpip.Address
	serverAddr6 tcpip.Address
	clientAddr4 tcpip.Address
}

func (w *world) hosts() []*host {
	return []*host{w.server, w.client}
}

func newWorld(conf *config) (*world, error) {
	w := &world{network: loopback.NewNetwork()}

	var err error
	if w.serverAddr4, err = parseAddr(conf.ServerAddr, false); err != nil {
		return nil, err
	}
	if conf.ServerAddr6 != "" {
		if w.serverAddr6, err = parseAddr(conf.ServerAddr6, true); err != nil {
			return nil, err
		}
	}
	if w.clientAddr4, err = parseAddr(conf.ClientAddr, false); err != nil {
		return nil, err
	}

	clock := tcpip.NewStdClock()
	factory := loopback.NewFactory(clock)
	if conf.MSLMillis > 0 {
		msl := time.Duration(conf.MSLMillis) * time.Millisecond
		factory.SetMSL(msl)
		factory.SetFinWait2Timeout(2 * msl)
	}

	mkHost := func(name string) *host {
		h := &host{
			name:     name,
			node:     w.network.NewNode(),
			bindings: loopback.NewBindings(clock),
		}
		h.stack = socket.New(socket.Options{
			IP:                       h.node,
			Machines:                 factory,
			Bindings:                 h.bindings,
			DefaultSendBufferSize:    conf.SendBufferSize,
			DefaultReceiveBufferSize: conf.ReceiveBufferSize,
		})
		h.node.AttachStack(h.stack)
		return h
	}

	w.server = mkHost("server")
	w.server.node.AddAddress(1, tcpip.IPv4ProtocolNumber, w.serverAddr4)
	if w.serverAddr6 != "" {
		w.server.node.AddAddress(1, tcpip.IPv6ProtocolNumber, w.serverAddr6)
	}

	w.client = mkHost("client")
	w.client.node.AddAddress(1, tcpip.IPv4ProtocolNumber, w.clientAddr4)

	return w, nil
}

// runDemo drives the whole scenario, writing tables and stats to out.
func runDemo(out io.Writer, conf *config) error {
	w, err := newWorld(conf)
	if err != nil {
		return err
	}

	// Phase 1: a dual-stack listener on the IPv6 wildcard. IPv4 clients
	// reach it through its mapped side.
	lis, terr := w.server.stack.Create(tcpip.IPv6ProtocolNumber)
	if terr != nil {
		return errors.Errorf("create listener: %v", terr)
	}
	if err := lis.Bind(tcpip.FullAddress{Port: conf.Port}); err != nil {
		return errors.Errorf("bind listener: %v", err)
	}
	if err := lis.Listen(conf.Backlog); err != nil {
		return errors.Errorf("listen: %v", err)
	}
	logrus.Infof("listener up on port %d (backlog %d)", conf.Port, conf.Backlog)
	printTables(out, "after listen", w.hosts())

	// Phase 2: open the connections and push a payload both ways.
	clients := make([]*socket.Sock, conf.Conns)
	servers := make([]*socket.Sock, conf.Conns)
	for i := range clients {
		c, terr := w.client.stack.Create(tcpip.IPv4ProtocolNumber)
		if terr != nil {
			return errors.Errorf("create client %d: %v", i, terr)
		}
		if err := c.Connect(tcpip.FullAddress{Addr: w.serverAddr4, Port: conf.Port}); err != tcpip.ErrConnectStarted {
			return errors.Errorf("connect %d: expected in-progress, got %v", i, err)
		}
		w.network.Run()
		child, peer, err := acceptOne(lis, w.network)
		if err != nil {
			return errors.Wrapf(err, "connection %d", i)
		}
		logrus.Debugf("accepted connection from %s", fmtAddr(peer, 0))
		clients[i], servers[i] = c, child
	}

	payload := []byte(conf.Payload)
	for i := range clients {
		if len(payload) == 0 {
			break
		}
		clients[i].SendBuffer().Enqueue(payload)
		if err := clients[i].DoSend(0); err != nil {
			return errors.Errorf("send on client %d: %v", i, err)
		}
	}
	w.network.Run()
	buf := make([]byte, len(payload))
	for i := range servers {
		if len(payload) == 0 {
			break
		}
		n := servers[i].ReceiveBuffer().Read(buf)
		servers[i].OnReceiveBufferRead()
		logrus.Debugf("server read %d bytes on connection %d", n, i)
		servers[i].SendBuffer().Enqueue(buf[:n])
		if err := servers[i].DoSend(0); err != nil {
			return errors.Errorf("echo on connection %d: %v", i, err)
		}
	}
	w.network.Run()
	for i := range clients {
		if len(payload) == 0 {
			break
		}
		n := clients[i].ReceiveBuffer().Read(buf)
		clients[i].OnReceiveBufferRead()
		logrus.Debugf("client read %d echoed bytes on connection %d", n, i)
	}
	w.network.Run()
	logrus.Infof("%d connections established, %q echoed on each", conf.Conns, conf.Payload)
	printTables(out, "established", w.hosts())

	// Phase 3: close the first pair gracefully. The client side ends up
	// parked in TIME-WAIT.
	clients[0].Close()
	w.network.Run()
	servers[0].Close()
	w.network.Run()

	// Phase 4: reset the second pair from the client. The server side
	// keeps a dead socket around until the application closes it.
	if conf.Conns > 1 {
		clients[1].Abort()
		w.network.Run()
	}
	printTables(out, "after close and reset", w.hosts())

	// Phase 5: tear down everything that is left.
	for _, c := range clients[min(2, len(clients)):] {
		c.Close()
	}
	w.network.Run()
	for _, s := range servers[1:] {
		s.Close()
	}
	w.network.Run()
	lis.Close()
	w.network.Run()
	printTables(out, "after shutdown", w.hosts())

	if conf.MSLMillis > 0 {
		// Give the 2*MSL timers room to fire, then deliver whatever
		// they queued.
		time.Sleep(5 * time.Duration(conf.MSLMillis) * time.Millisecond / 2)
		w.network.Run()
		printTables(out, "after TIME-WAIT expiry", w.hosts())
	} else {
		logrus.Infof("TIME-WAIT sockets linger for 2*MSL; set msl_ms in the config to watch them expire")
	}

	printStats(out, w.hosts())
	return nil
}

// acceptOne pulls the next ready connection off lis, pumping the network
// while the handshake is still in flight.
func acceptOne(lis *socket.Sock, network *loopback.Network) (*socket.Sock, tcpip.FullAddress, error) {
	for i := 0; i < 50; i++ {
		c, peer, err := lis.Accept()
		if err == tcpip.ErrWouldBlock {
			network.Run()
			continue
		}
		if err != nil {
			return nil, tcpip.FullAddress{}, errors.Errorf("accept: %v", err)
		}
		return c, peer, nil
	}
	return nil, tcpip.FullAddress{}, errors.New("accept: no connection became ready")
}

// printTables writes one ss-style table per host.
func printTables(out io.Writer, phase string, hosts []*host) {
	fmt.Fprintf(out, "--- %s ---\n", phase)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "HOST\tNETID\tSTATE\tLOCAL\tREMOTE\tINFO\n")
	for _, h := range hosts {
		for _, e := range h.stack.Diag() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				h.name, netID(e.Net), e.State,
				fmtAddr(e.Local, e.Device), fmtAddr(e.Remote, 0), entryInfo(e))
		}
	}
	if err := tw.Flush(); err != nil {
		logrus.WithError(err).Warn("flushing socket table")
	}
	fmt.Fprintln(out)
}

// printStats dumps each host's stack counters.
func printStats(out io.Writer, hosts []*host) {
	fmt.Fprintf(out, "--- stats ---\n")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "COUNTER")
	for _, h := range hosts {
		fmt.Fprintf(tw, "\t%s", h.name)
	}
	fmt.Fprintf(tw, "\n")
	rows := []struct {
		name string
		get  func(tcpip.Stats) *tcpip.StatCounter
	}{
		{"sockets created", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.SocketsCreated }},
		{"sockets destroyed", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.SocketsDestroyed }},
		{"active openings", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.ActiveConnectionOpenings }},
		{"passive openings", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.PassiveConnectionOpenings }},
		{"failed attempts", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.FailedConnectionAttempts }},
		{"failed port allocs", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.FailedPortAllocations }},
		{"listen overflow drops", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.ListenOverflowSynDrop }},
		{"resets sent", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.ResetsSent }},
		{"deferred reclaims", func(s tcpip.Stats) *tcpip.StatCounter { return s.Socket.DeferredReclaims }},
		{"segments routed", func(s tcpip.Stats) *tcpip.StatCounter { return s.Demux.RoutedSegments }},
		{"segments unroutable", func(s tcpip.Stats) *tcpip.StatCounter { return s.Demux.UnroutableSegments }},
		{"icmp errors routed", func(s tcpip.Stats) *tcpip.StatCounter { return s.Demux.RoutedErrors }},
		{"icmp errors unroutable", func(s tcpip.Stats) *tcpip.StatCounter { return s.Demux.UnroutableErrors }},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s", row.name)
		for _, h := range hosts {
			fmt.Fprintf(tw, "\t%d", row.get(h.stack.Stats()).Value())
		}
		fmt.Fprintf(tw, "\n")
	}
	if err := tw.Flush(); err != nil {
		logrus.WithError(err).Warn("flushing stats table")
	}
	for _, h := range hosts {
		reclaims := h.bindings.Reclaims()
		deferred := 0
		for _, r := range reclaims {
			if r.Done != nil {
				deferred++
			}
		}
		fmt.Fprintf(out, "%s: %d buffer reclaims (%d deferred)\n", h.name, len(reclaims), deferred)
	}
}

// netID names a network protocol the way ss does.
func netID(n tcpip.NetworkProtocolNumber) string {
	switch n {
	case tcpip.IPv4ProtocolNumber:
		return "inet"
	case tcpip.IPv6ProtocolNumber:
		return "inet6"
	default:
		return fmt.Sprintf("%d", n)
	}
}

// fmtAddr renders an address:port pair ss-style, with * for wildcards.
func fmtAddr(a tcpip.FullAddress, dev tcpip.NICID) string {
	addr := "*"
	switch len(a.Addr) {
	case 4:
		addr = a.Addr.String()
	case 16:
		addr = "[" + a.Addr.String() + "]"
	}
	if dev != 0 {
		addr = fmt.Sprintf("%s%%%d", addr, dev)
	}
	if a.Port == 0 && addr == "*" {
		return "-"
	}
	return fmt.Sprintf("%s:%d", addr, a.Port)
}

// entryInfo summarizes the parts of a diag entry that have no column of
// their own.
func entryInfo(e socket.DiagEntry) string {
	switch {
	case e.Accepting:
		return fmt.Sprintf("ready %d/%d", e.Ready, e.Backlog)
	case e.Pending:
		return "pending accept"
	default:
		return ""
	}
}

// parseAddr parses a literal IP address of the requested family.
func parseAddr(s string, v6 bool) (tcpip.Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return "", errors.Errorf("not an IP address: %q", s)
	}
	if v6 {
		if ip.To4() != nil {
			return "", errors.Errorf("not an IPv6 address: %q", s)
		}
		return tcpip.Address(ip.To16()), nil
	}
	if ip.To4() == nil {
		return "", errors.Errorf("not an IPv4 address: %q", s)
	}
	return tcpip.Address(ip.To4()), nil
}
