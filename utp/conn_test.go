package utp

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"
)

type recordingSocket struct {
	local net.Addr
	sent  []sentDatagram
}

type sentDatagram struct {
	addr  net.Addr
	buf   []byte
	flags SendFlags
}

func (s *recordingSocket) Send(addr net.Addr, b []byte, flags SendFlags) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	s.sent = append(s.sent, sentDatagram{addr: addr, buf: cp, flags: flags})
	return nil
}

func (s *recordingSocket) LocalAddr() net.Addr { return s.local }

func newTestConn(sock Socket) *Conn {
	c := newConn(nil, sock, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 9999}, log.Logger{})
	return c
}

// TestFastRetransmitOnThreeDuplicateSacks reproduces the scenario 6
// narrative: a client has seq 10..15 outstanding, the server acks 9
// with a selective-ack showing 11..15 (10 missing) three times in a
// row, and the client must retransmit only seq 10 and halve its
// congestion window without touching RTO backoff.
func TestFastRetransmitOnThreeDuplicateSacks(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	c.recvID = 7
	c.nextSeq = 16
	now := time.Now()
	for seq := uint16(10); seq <= 15; seq++ {
		c.sendWindow = append(c.sendWindow, &outgoingPacket{seq: seq, data: []byte("x"), sentAt: now})
	}
	c.peerCumAck = 9
	c.haveCumAck = true
	// Start above the 1-MSS floor so that halving the window is observable.
	c.cong.maxWindow = 50000
	initialWindow := c.cong.window()
	initialRetries := c.retries

	sack := NewSelectiveAck([]uint16{11, 12, 13, 14, 15}, 9)
	ackPacket := header{Type: StState, AckNr: 9, Extensions: []extension{{id: extSelectiveAck, payload: sack}}}

	c.handlePacket(ackPacket, nil, now)
	c.handlePacket(ackPacket, nil, now)
	c.handlePacket(ackPacket, nil, now)

	c.mu.Lock()
	remainingSeqs := make([]uint16, 0, len(c.sendWindow))
	for _, p := range c.sendWindow {
		if !p.acked {
			remainingSeqs = append(remainingSeqs, p.seq)
		}
	}
	newWindow := c.cong.window()
	c.mu.Unlock()

	require.Equal(t, []uint16{10}, remainingSeqs, "only seq 10 should remain outstanding")
	require.Less(t, newWindow, initialWindow, "congestion window must have halved")
	// The sacked packets give zero-length RTT samples, so the estimator's
	// RTO is its minRTO floor; a backed-off RTO would have been doubled.
	require.Equal(t, minRTO, c.rto, "fast retransmit must not touch RTO backoff")
	require.Equal(t, initialRetries, c.retries, "fast retransmit must not touch the retry counter")

	var resentSeq10 bool
	for _, d := range sock.sent {
		h, _, err := decode(d.buf)
		require.NoError(t, err)
		if h.Type == StData && h.SeqNr == 10 {
			resentSeq10 = true
		}
		require.NotEqual(t, uint16(11), h.SeqNr, "already-sacked sequence numbers must not be retransmitted")
	}
	require.True(t, resentSeq10, "seq 10 must have been retransmitted")
}

func TestRTOExpiryDoublesTimeoutAndCollapsesWindow(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	now := time.Now()
	c.sendWindow = append(c.sendWindow, &outgoingPacket{seq: 1, data: []byte("x"), sentAt: now.Add(-time.Minute)})
	c.rto = 500 * time.Millisecond
	c.rtoDeadline = now.Add(-time.Millisecond)
	c.cong.maxWindow = 50000
	before := c.cong.window()

	c.tick(now)

	require.Equal(t, time.Second, c.rto)
	require.Equal(t, 1, c.retries)
	require.Less(t, c.cong.window(), before)
	// The tick resends seq 1 once, then, with no MTU probe outstanding,
	// also starts one.
	require.Len(t, sock.sent, 2)
	resent, _, err := decode(sock.sent[0].buf)
	require.NoError(t, err)
	require.Equal(t, StData, resent.Type)
	require.Equal(t, uint16(1), resent.SeqNr)
	require.False(t, resent.isMTUProbe())
	probe, _, err := decode(sock.sent[1].buf)
	require.NoError(t, err)
	require.True(t, probe.isMTUProbe())
}

func TestRetransmitExhaustionSynthesizesTimeout(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	now := time.Now()
	c.sendWindow = append(c.sendWindow, &outgoingPacket{seq: 1, data: []byte("x"), sentAt: now})
	c.retries = maxRetries
	c.rto = time.Second
	c.rtoDeadline = now.Add(-time.Millisecond)

	c.tick(now)

	select {
	case <-c.Closed():
	default:
		t.Fatal("connection should be closed after retransmit exhaustion")
	}
	require.Error(t, c.Err())
	var timeoutErr *TimeoutError
	require.ErrorAs(t, c.Err(), &timeoutErr)
	require.True(t, timeoutErr.Timeout())
}

func TestDeliverInOrderThenOutOfOrder(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	c.peerSeq = 4

	c.handlePacket(header{Type: StData, SeqNr: 6}, []byte("second"), time.Now())
	c.handlePacket(header{Type: StData, SeqNr: 5}, []byte("first,"), time.Now())

	buf := make([]byte, 32)
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "first,second", string(buf[:n]))
}

// TestInOrderFinSignalsEOF reproduces spec §4.3.6: a bare ST_FIN
// carries no payload, but an in-order one must still advance peerSeq
// so Read observes io.EOF instead of blocking forever.
func TestInOrderFinSignalsEOF(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	c.peerSeq = 4

	c.handlePacket(header{Type: StFin, SeqNr: 5}, nil, time.Now())

	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestResetTransitionSurfacesError(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected

	c.handlePacket(header{Type: StReset}, nil, time.Now())

	select {
	case <-c.Closed():
	default:
		t.Fatal("expected Closed to fire on reset")
	}
	var resetErr *ResetError
	require.ErrorAs(t, c.Err(), &resetErr)
}

// TestTickSendsMTUProbe reproduces spec §4.3.6: tick occasionally emits a
// probe sized between the current bounds with the DONT_FRAGMENT hint.
func TestTickSendsMTUProbe(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	c.nextSeq = 1

	c.tick(time.Now())

	require.True(t, c.mtu.probeSeq.Ok, "tick should have an outstanding probe")
	wantSize := (defaultMTUFloor + defaultMTUCeiling) / 2

	var probe *sentDatagram
	for i := range sock.sent {
		d := &sock.sent[i]
		h, payload, err := decode(d.buf)
		require.NoError(t, err)
		if h.isMTUProbe() {
			probe = d
			require.Equal(t, wantSize-headerLen, len(payload))
		}
	}
	require.NotNil(t, probe, "tick must actually transmit the probe packet")
	require.Equal(t, DontFragment, probe.flags, "probe must be sent with the don't-fragment hint")
	require.False(t, c.mtu.shouldProbe(), "at most one outstanding probe at a time")
}

// TestMTUProbeAckedRaisesFloor reproduces "if acked, raise mtu_floor":
// once the peer's ack covers the probe's sequence number, lastGood
// advances to the probed size.
func TestMTUProbeAckedRaisesFloor(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	c.nextSeq = 1

	c.tick(time.Now())
	probeSeq := c.mtu.probeSeq.Value
	wantSize := (defaultMTUFloor + defaultMTUCeiling) / 2

	c.handlePacket(header{Type: StState, AckNr: probeSeq}, nil, time.Now())

	require.False(t, c.mtu.probeSeq.Ok, "ack should have resolved the outstanding probe")
	require.Equal(t, wantSize, c.mtu.lastGood)
	require.Equal(t, wantSize, c.mtu.floor)
}

// TestMTUProbeTimeoutLowersCeiling checks that an unacked probe past
// mtuProbeTimeout lowers the ceiling and is cleared instead of blocking
// discovery forever. The same tick then starts the next bisection probe.
func TestMTUProbeTimeoutLowersCeiling(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8
	c.nextSeq = 1

	start := time.Now()
	c.tick(start)
	require.True(t, c.mtu.probeSeq.Ok)
	firstProbeSeq := c.mtu.probeSeq.Value
	wantSize := (defaultMTUFloor + defaultMTUCeiling) / 2

	c.tick(start.Add(mtuProbeTimeout + time.Second))

	require.False(t, c.mtu.probeSeq.Ok && c.mtu.probeSeq.Value == firstProbeSeq, "timed-out probe must be cleared")
	require.Equal(t, wantSize, c.mtu.ceiling)
}

// TestMTUProbeRetransmitKeepsMarker ensures an RTO-driven resend of a
// probe packet still carries the extMTUProbe extension and
// DontFragment flag, or the receiver would deliver its padding as
// application data on the retry.
func TestMTUProbeRetransmitKeepsMarker(t *testing.T) {
	sock := &recordingSocket{}
	c := newTestConn(sock)
	c.state = StateConnected
	c.sendID = 8

	now := time.Now()
	c.tick(now)
	require.Len(t, c.sendWindow, 1)
	c.rto = 500 * time.Millisecond
	c.rtoDeadline = now.Add(-time.Millisecond)

	c.tick(now)

	require.Len(t, sock.sent, 2, "the RTO tick must have resent the probe")
	last := sock.sent[len(sock.sent)-1]
	h, _, err := decode(last.buf)
	require.NoError(t, err)
	require.True(t, h.isMTUProbe())
	require.Equal(t, DontFragment, last.flags)
}
