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

package loopback

import (
	"time"

	"tcpsock.dev/tcpsock/pkg/tcpip"
	"tcpsock.dev/tcpsock/pkg/tcpip/seqnum"
	"tcpsock.dev/tcpsock/pkg/tcpip/socket"
)

const (
	// DefaultMSL is the maximum segment lifetime assumed by machines; a
	// connection spends twice this in TIME-WAIT.
	DefaultMSL = 30 * time.Second

	// DefaultFinWait2Timeout bounds how long a machine waits in
	// FIN-WAIT-2 for the peer's FIN.
	DefaultFinWait2Timeout = 60 * time.Second
)

// Factory mints deterministic protocol machines for in-process networks:
// in-order delivery is assumed, so there is no retransmission, and all
// time comes from the given clock.
type Factory struct {
	clock    tcpip.Clock
	msl      time.Duration
	finWait2 time.Duration
}

var _ socket.MachineFactory = (*Factory)(nil)

// NewFactory creates a factory whose machines take time from clock.
func NewFactory(clock tcpip.Clock) *Factory {
	return &Factory{clock: clock, msl: DefaultMSL, finWait2: DefaultFinWait2Timeout}
}

// SetMSL overrides the maximum segment lifetime for machines minted later.
func (f *Factory) SetMSL(d time.Duration) {
	f.msl = d
}

// SetFinWait2Timeout overrides the FIN-WAIT-2 bound for machines minted
// later.
func (f *Factory) SetFinWait2Timeout(d time.Duration) {
	f.finWait2 = d
}

// NewActive implements socket.MachineFactory.NewActive.
func (f *Factory) NewActive(isn seqnum.Value, snd socket.SendBuffer, rcv socket.ReceiveBuffer, mms int) socket.Machine {
	m := f.newMachine(isn, snd, rcv, mms)
	m.state = socket.StateSynSent
	m.ctrl = append(m.ctrl, ctrlSeg{flags: socket.FlagSyn, seq: isn})
	return m
}

// NewPassive implements socket.MachineFactory.NewPassive.
func (f *Factory) NewPassive(isn seqnum.Value, syn *socket.Segment, snd socket.SendBuffer, rcv socket.ReceiveBuffer, mms int) socket.Machine {
	m := f.newMachine(isn, snd, rcv, mms)
	m.state = socket.StateSynRcvd
	m.rcvNxt = syn.Seq.Add(1)
	m.sndWnd = syn.Window
	m.ctrl = append(m.ctrl, ctrlSeg{flags: socket.FlagSyn | socket.FlagAck, seq: isn})
	return m
}

func (f *Factory) newMachine(isn seqnum.Value, snd socket.SendBuffer, rcv socket.ReceiveBuffer, mms int) *machine {
	return &machine{
		clock:    f.clock,
		msl:      f.msl,
		finWait2: f.finWait2,
		snd:      snd,
		rcv:      rcv,
		mms:      mms,
		iss:      isn,
		sndNxt:   isn.Add(1),
		rcvdAck:  isn,
	}
}

// ctrlSeg is a control segment owed to the peer, fleshed out with the
// machine's current acknowledgment and window at emission.
type ctrlSeg struct {
	flags socket.SegmentFlags
	seq   seqnum.Value
}

type machine struct {
	clock    tcpip.Clock
	msl      time.Duration
	finWait2 time.Duration
	snd      socket.SendBuffer
	rcv      socket.ReceiveBuffer
	mms      int

	state socket.MachineState
	err   *tcpip.Error

	iss     seqnum.Value
	sndNxt  seqnum.Value
	rcvNxt  seqnum.Value
	rcvdAck seqnum.Value
	sndWnd  seqnum.Size
	lastWin seqnum.Size

	ctrl       []ctrlSeg
	ackPending bool
	closing    bool
	finSent    bool
	finSeq     seqnum.Value
	rcvShut    bool

	// deadline is the monotonic time of the pending FIN-WAIT-2 or
	// TIME-WAIT expiry, 0 when none.
	deadline int64
}

var _ socket.Machine = (*machine)(nil)

func (m *machine) State() socket.MachineState {
	return m.state
}

func (m *machine) Error() *tcpip.Error {
	return m.err
}

func (m *machine) SndInfo() (seqnum.Value, seqnum.Value) {
	return m.sndNxt, m.rcvdAck
}

func (m *machine) HandleSegment(seg *socket.Segment) {
	if m.state == socket.StateClosed {
		return
	}
	if seg.Flags.Intersects(socket.FlagRst) {
		m.handleRst(seg)
		return
	}
	if seg.Flags.Intersects(socket.FlagAck) {
		if m.rcvdAck.LessThan(seg.Ack) && seg.Ack.LessThanEq(m.sndNxt) {
			m.rcvdAck = seg.Ack
		}
		m.sndWnd = seg.Window
	}

	switch m.state {
	case socket.StateSynSent:
		if seg.Flags.Intersects(socket.FlagSyn) && seg.Flags.Intersects(socket.FlagAck) && seg.Ack == m.sndNxt {
			m.rcvNxt = seg.Seq.Add(1)
			m.state = socket.StateEstablished
			m.ackPending = true
		}
		return

	case socket.StateSynRcvd:
		if !seg.Flags.Intersects(socket.FlagAck) || seg.Ack != m.sndNxt {
			return
		}
		m.state = socket.StateEstablished
		// The ACK may carry data; fall through to take it.
	}

	m.processData(seg)
	m.advanceOnAck()
}

// processData takes in-order payload and the peer's FIN. Anything out of
// order is dropped; the network delivers in order, so nothing is lost.
func (m *machine) processData(seg *socket.Segment) {
	switch m.state {
	case socket.StateEstablished, socket.StateFinWait1, socket.StateFinWait2:
	case socket.StateTimeWait:
		// Only a retransmitted FIN is interesting here; re-ACK it and
		// restart the wait.
		if seg.Flags.Intersects(socket.FlagFin) {
			if finSeq := seg.Seq.Add(seqnum.Size(len(seg.Payload))); finSeq.Add(1) == m.rcvNxt {
				m.ackPending = true
				m.deadline = m.clock.NowMonotonic() + int64(2*m.msl)
			}
		}
		return
	default:
		return
	}

	if len(seg.Payload) > 0 && seg.Seq == m.rcvNxt {
		n := len(seg.Payload)
		if m.rcvShut {
			// Discard, but keep sequencing so the peer makes progress.
		} else {
			n = m.rcv.Enqueue(seg.Payload)
		}
		m.rcvNxt = m.rcvNxt.Add(seqnum.Size(n))
		m.ackPending = true
	}

	if seg.Flags.Intersects(socket.FlagFin) {
		finSeq := seg.Seq.Add(seqnum.Size(len(seg.Payload)))
		if finSeq == m.rcvNxt {
			m.rcvNxt = m.rcvNxt.Add(1)
			m.ackPending = true
			switch m.state {
			case socket.StateEstablished:
				m.state = socket.StateCloseWait
			case socket.StateFinWait1:
				if m.finSent && m.rcvdAck == m.sndNxt {
					m.enterTimeWait()
				} else {
					m.state = socket.StateClosing
				}
			case socket.StateFinWait2:
				m.enterTimeWait()
			}
		}
	}
}

// advanceOnAck applies transitions that hinge on our FIN being
// acknowledged.
func (m *machine) advanceOnAck() {
	if !m.finSent || m.rcvdAck != m.sndNxt {
		return
	}
	switch m.state {
	case socket.StateFinWait1:
		m.state = socket.StateFinWait2
		m.deadline = m.clock.NowMonotonic() + int64(m.finWait2)
	case socket.StateClosing:
		m.enterTimeWait()
	case socket.StateLastAck:
		m.state = socket.StateClosed
		m.deadline = 0
	}
}

func (m *machine) enterTimeWait() {
	m.state = socket.StateTimeWait
	m.deadline = m.clock.NowMonotonic() + int64(2*m.msl)
}

func (m *machine) handleRst(seg *socket.Segment) {
	switch m.state {
	case socket.StateSynSent:
		// A reset answering our SYN must acknowledge it.
		if !seg.Flags.Intersects(socket.FlagAck) || seg.Ack != m.sndNxt {
			return
		}
		m.toError(tcpip.ErrConnectionRefused)
	case socket.StateSynRcvd:
		if seg.Seq != m.rcvNxt {
			return
		}
		m.toError(tcpip.ErrConnectionRefused)
	default:
		if seg.Seq != m.rcvNxt {
			return
		}
		m.toError(tcpip.ErrConnectionReset)
	}
}

func (m *machine) toError(err *tcpip.Error) {
	m.state = socket.StateClosed
	m.err = err
	m.ctrl = nil
	m.ackPending = false
	m.closing = false
	m.deadline = 0
}

func (m *machine) Close() {
	switch m.state {
	case socket.StateSynSent:
		// Nothing of the connection exists at the peer yet.
		m.state = socket.StateClosed
		m.ctrl = nil
		m.ackPending = false
	case socket.StateSynRcvd, socket.StateEstablished, socket.StateCloseWait:
		m.closing = true
	}
}

func (m *machine) Abort() {
	if m.state == socket.StateClosed {
		return
	}
	seq := m.sndNxt
	m.toError(tcpip.ErrConnectionAborted)
	m.ctrl = []ctrlSeg{{flags: socket.FlagRst, seq: seq}}
}

func (m *machine) ShutdownRecv() {
	m.rcvShut = true
}

func (m *machine) HandleError(err *tcpip.Error, fatal bool) {
	if m.state == socket.StateClosed {
		return
	}
	if fatal {
		m.toError(err)
	}
	// Transient errors leave the machine alone; with no retransmission
	// there is nothing to hurry up.
}

func (m *machine) PollSendAt() (int64, bool) {
	if m.deadline == 0 {
		return 0, false
	}
	return m.deadline, true
}

// expire applies a deadline that has passed: TIME-WAIT quietly dies,
// FIN-WAIT-2 gives up on the peer's FIN.
func (m *machine) expire() {
	if m.deadline == 0 || m.clock.NowMonotonic() < m.deadline {
		return
	}
	m.deadline = 0
	switch m.state {
	case socket.StateTimeWait, socket.StateFinWait2:
		m.state = socket.StateClosed
	}
}

func (m *machine) PollSend(limit int) *socket.Segment {
	m.expire()

	if len(m.ctrl) > 0 {
		c := m.ctrl[0]
		m.ctrl = m.ctrl[1:]
		seg := &socket.Segment{Flags: c.flags, Seq: c.seq, Window: m.window()}
		if c.flags.Intersects(socket.FlagAck) {
			seg.Ack = m.rcvNxt
			m.ackPending = false
		}
		return seg
	}

	if m.state == socket.StateClosed {
		return nil
	}

	if m.state == socket.StateEstablished || m.state == socket.StateCloseWait {
		if avail := m.snd.Len(); avail > 0 {
			n := avail
			if n > m.mms {
				n = m.mms
			}
			if limit > 0 && n > limit {
				n = limit
			}
			if usable := m.usableWindow(); n > usable {
				n = usable
			}
			if n > 0 {
				payload := m.snd.Pull(n)
				seg := &socket.Segment{
					Flags:   socket.FlagPsh | socket.FlagAck,
					Seq:     m.sndNxt,
					Ack:     m.rcvNxt,
					Window:  m.window(),
					Payload: payload,
				}
				m.sndNxt = m.sndNxt.Add(seqnum.Size(len(payload)))
				m.ackPending = false
				return seg
			}
		}

		if m.closing && !m.finSent && m.snd.Len() == 0 {
			return m.emitFin()
		}
	}

	if m.state == socket.StateSynRcvd && m.closing && !m.finSent && m.snd.Len() == 0 {
		return m.emitFin()
	}

	if m.ackPending {
		m.ackPending = false
		return &socket.Segment{Flags: socket.FlagAck, Seq: m.sndNxt, Ack: m.rcvNxt, Window: m.window()}
	}
	return nil
}

func (m *machine) emitFin() *socket.Segment {
	m.finSent = true
	m.finSeq = m.sndNxt
	seg := &socket.Segment{
		Flags:  socket.FlagFin | socket.FlagAck,
		Seq:    m.sndNxt,
		Ack:    m.rcvNxt,
		Window: m.window(),
	}
	m.sndNxt = m.sndNxt.Add(1)
	m.ackPending = false
	switch m.state {
	case socket.StateSynRcvd, socket.StateEstablished:
		m.state = socket.StateFinWait1
	case socket.StateCloseWait:
		m.state = socket.StateLastAck
	}
	return seg
}

func (m *machine) usableWindow() int {
	inflight := m.rcvdAck.Size(m.sndNxt)
	if inflight >= m.sndWnd {
		return 0
	}
	return int(m.sndWnd - inflight)
}

func (m *machine) window() seqnum.Size {
	free := m.rcv.Free()
	if free > 0xffff {
		free = 0xffff
	}
	win := seqnum.Size(free)
	m.lastWin = win
	return win
}

func (m *machine) WindowUpdate() *socket.Segment {
	switch m.state {
	case socket.StateEstablished, socket.StateFinWait1, socket.StateFinWait2:
	default:
		return nil
	}
	free := m.rcv.Free()
	if free > 0xffff {
		free = 0xffff
	}
	if free < m.rcv.Capacity()/2 || seqnum.Size(free) <= m.lastWin {
		return nil
	}
	return &socket.Segment{Flags: socket.FlagAck, Seq: m.sndNxt, Ack: m.rcvNxt, Window: m.window()}
}
