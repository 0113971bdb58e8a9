package utp

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"
)

// maxRetries bounds the retransmit-timeout retry count before a
// connection gives up and terminates itself with a TimeoutError (spec
// §4.3.5's retry-limit note).
const maxRetries = 6

// closeWaitLinger is how long a connection sits in close-wait after
// its own FIN is acked before the Manager reaps it, giving any
// straggling retransmitted FIN a chance to be acked without resurrecting
// a deleted connection's id.
const closeWaitLinger = 2 * time.Second

// Conn is one uTP connection: a send/receive window pair, a
// LEDBAT-like congestion controller, and the FSM of spec §3.3/§4.3.3.
type Conn struct {
	mu sync.Mutex

	manager *Manager
	sock    Socket
	remote  net.Addr
	logger  log.Logger

	recvID, sendID uint16
	state          State

	nextSeq      uint16 // seq number the next data/syn/fin packet will consume
	peerSeq      uint16 // highest in-order peer seq delivered to readBuf
	peerCumAck   uint16 // highest of our seq numbers the peer has cumulatively acked
	haveCumAck   bool
	peerWindow   uint32

	sendWindow []*outgoingPacket
	recvBuf    map[uint16][]byte
	readBuf    bytes.Buffer

	readCond, writeCond chansync.BroadcastCond

	cong  *congestionState
	rtt   rttEstimator
	rto   time.Duration
	rtoDeadline time.Time
	retries     int

	delay   delayTracker
	dupAcks int
	// measuredDelay is our own measurement of how long the peer's most
	// recent packet took to arrive, reported back to the peer via our
	// next outgoing header's TimestampDiff so its congestion controller
	// can sample the one-way delay it's inflicting on us.
	measuredDelay uint32

	mtu *mtuState

	finSeq         g.Option[uint16]
	peerFinSeq     g.Option[uint16]
	closeWaitUntil time.Time

	limiter *rate.Limiter

	closed chansync.SetOnce
	err    error
}

func newConn(m *Manager, sock Socket, remote net.Addr, logger log.Logger) *Conn {
	c := &Conn{
		manager: m,
		sock:    sock,
		remote:  remote,
		logger:  logger,
		recvBuf: make(map[uint16][]byte),
		cong:    newCongestionState(defaultMinWindow, defaultConfiguredMaxWindow),
		mtu:     newMTUState(),
		rto:     initialRTO,
		limiter: rate.NewLimiter(rate.Inf, int(defaultMinWindow)),
	}
	return c
}

// connect drives the outgoing half of the handshake (spec §3.3/§4.3.1).
// recvID/sendID are chosen by the Manager so that recvID equals what
// the acceptor's step-4 formula will compute as *its* send_id
// (recvID = sendID + 1): the ST_SYN and every later packet this side
// sends carries sendID, and the Manager's directory expects replies
// addressed to recvID. It blocks until the peer's ST_STATE arrives,
// ctx is cancelled, or the connection resets.
func (c *Conn) connect(ctx context.Context, recvID, sendID uint16) error {
	c.mu.Lock()
	c.recvID = recvID
	c.sendID = sendID
	c.nextSeq = 1
	c.state = StateSynSent
	now := time.Now()
	c.rtoDeadline = now.Add(c.rto)
	seq := c.nextSeq
	c.nextSeq++
	c.sendWindow = append(c.sendWindow, &outgoingPacket{seq: seq, sentAt: now})
	c.mu.Unlock()

	c.send(StSyn, sendID, seq, 0, nil, nil, 0)

	for {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		if c.closed.IsSet() {
			err := c.err
			c.mu.Unlock()
			return err
		}
		wait := c.writeCond.Signaled()
		c.mu.Unlock()

		select {
		case <-wait:
		case <-c.closed.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acceptFrom completes the inbound half of the handshake: h is the
// ST_SYN that caused the Manager to allocate this Conn.
func (c *Conn) acceptFrom(h header, now time.Time) {
	c.mu.Lock()
	c.recvID = h.ConnID
	c.sendID = h.ConnID + 1
	c.peerSeq = h.SeqNr
	c.nextSeq = uint16(rand.Intn(1 << 16))
	c.state = StateConnected
	ackNr := h.SeqNr
	seq := c.nextSeq
	sendID := c.sendID
	c.mu.Unlock()

	c.send(StState, sendID, seq, ackNr, nil, nil, 0)
}

// handlePacket processes one inbound datagram already matched to this
// connection by the Manager (spec §4.3.3).
func (c *Conn) handlePacket(h header, payload []byte, now time.Time) {
	c.mu.Lock()

	c.measuredDelay = uint32(now.UnixMicro()) - h.Timestamp
	if h.TimestampDiff != 0 {
		c.delay.addSample(now, time.Duration(h.TimestampDiff)*time.Microsecond)
	}

	switch h.Type {
	case StReset:
		c.transitionTerminalLocked(&ResetError{})
		c.mu.Unlock()
		return
	case StSyn:
		// A duplicate SYN for an already-accepted connection; re-ack.
		sendID := c.sendID
		seq := c.nextSeq
		c.mu.Unlock()
		c.send(StState, sendID, seq, h.SeqNr, nil, nil, 0)
		return
	}

	if c.state == StateSynSent && h.Type == StState {
		c.state = StateConnected
		c.peerSeq = h.SeqNr - 1
	}

	c.processAckLocked(h, now)

	switch h.Type {
	case StData:
		if h.isMTUProbe() {
			// Probe padding isn't application data; fold it into the
			// ack stream without handing it to the reader.
			c.deliverLocked(h.SeqNr, nil, now)
		} else {
			c.deliverLocked(h.SeqNr, payload, now)
		}
	case StFin:
		c.peerFinSeq = g.Some(h.SeqNr)
		c.deliverLocked(h.SeqNr, payload, now)
	case StState:
		if c.mtu.probeSeq.Ok {
			mtuSeq := c.mtu.probeSeq.Value
			if seqLessEqual(mtuSeq, h.AckNr) {
				c.mtu.onProbeAcked(mtuSeq)
			}
		}
	}

	if c.state == StateFinSent {
		if c.finSeq.Ok && seqLessEqual(c.finSeq.Value, c.peerCumAck) && c.haveCumAck {
			c.state = StateCloseWait
			c.closeWaitUntil = now.Add(closeWaitLinger)
		}
	}

	c.mu.Unlock()
}

// deliverLocked folds an ST_DATA/ST_FIN payload into the reassembly
// buffer, advancing peerSeq over any now-contiguous run, and replies
// with an ST_STATE carrying a selective-ack of whatever remains
// out-of-order.
func (c *Conn) deliverLocked(seq uint16, payload []byte, now time.Time) {
	expected := c.peerSeq + 1
	if seqGreater(seq, c.peerSeq) {
		if seq == expected {
			// Advance peerSeq even on a zero-payload packet (a bare
			// ST_FIN) so Read's EOF check against peerFinSeq can
			// actually be reached once the FIN's turn comes up.
			if len(payload) > 0 {
				c.readBuf.Write(payload)
			}
			c.peerSeq = seq
			for {
				next := c.peerSeq + 1
				b, ok := c.recvBuf[next]
				if !ok {
					break
				}
				if len(b) > 0 {
					c.readBuf.Write(b)
				}
				delete(c.recvBuf, next)
				c.peerSeq = next
			}
		} else if _, dup := c.recvBuf[seq]; !dup {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			c.recvBuf[seq] = buf
		}
	}
	c.readCond.Broadcast()

	var received []uint16
	for s := range c.recvBuf {
		received = append(received, s)
	}
	sa := NewSelectiveAck(received, c.peerSeq)
	var exts []extension
	if sa != nil {
		exts = []extension{{id: extSelectiveAck, payload: sa}}
	}
	sendID := c.sendID
	outSeq := c.nextSeq
	ackNr := c.peerSeq
	c.mu.Unlock()
	c.send(StState, sendID, outSeq, ackNr, nil, exts, 0)
	c.mu.Lock()
}

// processAckLocked applies an incoming ack_nr and optional
// selective-ack extension to the send window: cumulative removal,
// selective removal, duplicate-ack counting and fast retransmit (spec
// §4.3.4), and the LEDBAT window update.
func (c *Conn) processAckLocked(h header, now time.Time) {
	advanced := !c.haveCumAck || seqGreater(h.AckNr, c.peerCumAck)
	if advanced {
		c.peerCumAck = h.AckNr
		c.haveCumAck = true
		c.dupAcks = 0
	}

	newlyAcked := 0
	remaining := c.sendWindow[:0]
	for _, p := range c.sendWindow {
		if !p.acked && seqLessEqual(p.seq, h.AckNr) {
			p.acked = true
			newlyAcked += p.size()
			if p.retransmits == 0 {
				c.rtt.sample(now.Sub(p.sentAt))
			}
			continue
		}
		remaining = append(remaining, p)
	}
	c.sendWindow = remaining

	if sack, ok := h.selectiveAck(); ok {
		for i := 0; i < sack.Bits(); i++ {
			if !sack.Test(i) {
				continue
			}
			seq := h.AckNr + 2 + uint16(i)
			for idx, p := range c.sendWindow {
				if p.seq == seq && !p.acked {
					p.acked = true
					newlyAcked += p.size()
					if p.retransmits == 0 {
						c.rtt.sample(now.Sub(p.sentAt))
					}
					c.sendWindow = append(c.sendWindow[:idx], c.sendWindow[idx+1:]...)
					break
				}
			}
		}

		gapSeq := h.AckNr + 1
		gapMissing := false
		for _, p := range c.sendWindow {
			if p.seq == gapSeq && !p.acked {
				gapMissing = true
				break
			}
		}
		if !advanced && gapMissing && sack.Count() > 0 {
			c.dupAcks++
			if c.dupAcks >= 3 {
				c.fastRetransmitLocked(gapSeq, now)
				c.dupAcks = 0
			}
		}
	}

	if newlyAcked > 0 {
		c.cong.onAck(newlyAcked, float64(c.delay.base().Microseconds()), float64(c.delay.current().Microseconds()))
	}
	c.peerWindow = h.WndSize
	c.rto = c.rtt.rto()
	if len(c.sendWindow) > 0 {
		c.rtoDeadline = now.Add(c.rto)
	}
	c.writeCond.Broadcast()
}

// fastRetransmitLocked resends exactly the gap sequence number and
// halves the congestion window, without touching the RTO backoff
// state (spec §4.3.4's three-duplicate-sack fast retransmit).
func (c *Conn) fastRetransmitLocked(seq uint16, now time.Time) {
	for _, p := range c.sendWindow {
		if p.seq == seq {
			p.retransmits++
			p.sentAt = now
			data := p.data
			sendID := c.sendID
			ackNr := c.peerSeq
			exts, flags := probeResendParams(p)
			c.mu.Unlock()
			c.send(StData, sendID, seq, ackNr, data, exts, flags)
			c.mu.Lock()
			break
		}
	}
	c.cong.onFastRetransmit()
}

// probeResendParams returns the extension/flag pair a retransmit of p
// must carry: an MTU probe keeps its extMTUProbe marker and
// DontFragment hint on every resend, or the receiver would deliver its
// padding to the application and the sender would lose the fragmentation
// signal.
func probeResendParams(p *outgoingPacket) ([]extension, SendFlags) {
	if !p.probe {
		return nil, 0
	}
	return []extension{{id: extMTUProbe}}, DontFragment
}

// tick drives timer-based work: RTO expiry, MTU probing, and
// close-wait reaping (spec §4.3.5/§4.3.6/§4.3.3).
func (c *Conn) tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateNone, StateReset, StateDeleted:
		return
	}

	if len(c.sendWindow) > 0 && !c.rtoDeadline.IsZero() && !now.Before(c.rtoDeadline) {
		c.onRTOExpiredLocked(now)
	}

	if c.state == StateCloseWait && !now.Before(c.closeWaitUntil) {
		c.state = StateDeleted
	}

	if c.mtu.probeTimedOut(now) {
		c.mtu.onProbeFailed(c.mtu.probeSeq.Value)
	}

	if c.state == StateConnected && c.mtu.shouldProbe() {
		c.sendMTUProbeLocked(now)
	}

	c.retunePacerLocked()
}

// sendMTUProbeLocked emits one oversized ST_DATA probe flagged
// DontFragment (spec §4.3.6). It consumes a real sequence number so
// the peer's ordinary cumulative ack resolves it through handlePacket's
// StState case ("if acked, raise mtu_floor"); a probe that never gets
// that far ages out via mtuState.probeTimedOut, which lowers the ceiling
// instead. The socket's send error is not inspected, so a local
// fragmentation-needed error does not lower the ceiling by itself.
func (c *Conn) sendMTUProbeLocked(now time.Time) {
	seq := c.nextSeq
	size := c.mtu.startProbe(seq, now)
	payload := make([]byte, size-headerLen)
	c.nextSeq++
	c.sendWindow = append(c.sendWindow, &outgoingPacket{seq: seq, data: payload, sentAt: now, probe: true})
	if len(c.sendWindow) == 1 {
		c.rtoDeadline = now.Add(c.rto)
	}
	sendID := c.sendID
	ackNr := c.peerSeq
	c.mu.Unlock()
	c.send(StData, sendID, seq, ackNr, payload, []extension{{id: extMTUProbe}}, DontFragment)
	c.mu.Lock()
}

// retunePacerLocked matches the send limiter's rate to the current
// send quota (spec §4.3.4: "send quota refills at max_window /
// smoothed_rtt bytes per second"), so Write's pacing tracks the
// congestion window instead of firing packets as fast as the caller
// supplies them.
func (c *Conn) retunePacerLocked() {
	srtt := c.rtt.srtt
	if srtt <= 0 {
		srtt = initialRTO
	}
	bytesPerSec := float64(c.cong.window()) / srtt.Seconds()
	c.limiter.SetLimit(rate.Limit(bytesPerSec))
	c.limiter.SetBurst(c.cong.window())
}

func (c *Conn) onRTOExpiredLocked(now time.Time) {
	oldest := c.sendWindow[0]
	oldest.retransmits++
	oldest.sentAt = now
	data := oldest.data
	seq := oldest.seq
	sendID := c.sendID
	ackNr := c.peerSeq
	exts, flags := probeResendParams(oldest)
	c.mu.Unlock()
	c.send(StData, sendID, seq, ackNr, data, exts, flags)
	c.mu.Lock()

	c.cong.onTimeout(int(defaultMinWindow))
	c.retries++
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
	c.rtoDeadline = now.Add(c.rto)

	if c.retries > maxRetries {
		c.transitionTerminalLocked(&TimeoutError{})
	}
}

// transitionTerminalLocked moves the connection to its terminal state,
// whether it ended in a peer/local ST_RESET or a synthesized retransmit
// timeout (spec §7's two distinct terminal causes).
func (c *Conn) transitionTerminalLocked(err error) {
	if c.closed.IsSet() {
		return
	}
	c.state = StateReset
	c.err = err
	c.closed.Set()
	c.readCond.Broadcast()
	c.writeCond.Broadcast()
	if c.manager != nil {
		c.manager.exec.Post(func() { c.manager.remove(c) })
	}
}

// Write chunks p into ST_DATA packets bounded by the congestion window,
// blocking until room opens or the connection ends. The peer's advertised
// window (peerWindow) is recorded but not consulted here.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		c.mu.Lock()
		if c.closed.IsSet() {
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = io.ErrClosedPipe
			}
			return written, err
		}
		if c.inFlightLocked() >= c.cong.window() {
			wait := c.writeCond.Signaled()
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-c.closed.Done():
				continue
			}
		}
		n := len(p) - written
		if mss := c.mss(); n > mss {
			n = mss
		}
		chunk := make([]byte, n)
		copy(chunk, p[written:written+n])
		seq := c.nextSeq
		c.nextSeq++
		now := time.Now()
		c.sendWindow = append(c.sendWindow, &outgoingPacket{seq: seq, data: chunk, sentAt: now})
		if len(c.sendWindow) == 1 {
			c.rtoDeadline = now.Add(c.rto)
		}
		ackNr := c.peerSeq
		sendID := c.sendID
		limiter := c.limiter
		c.mu.Unlock()

		_ = limiter.WaitN(context.Background(), n)
		c.send(StData, sendID, seq, ackNr, chunk, nil, 0)
		written += n
	}
	return written, nil
}

func (c *Conn) inFlightLocked() int {
	n := 0
	for _, p := range c.sendWindow {
		if !p.acked {
			n += p.size()
		}
	}
	return n
}

func (c *Conn) mss() int {
	m := c.mtu.lastGood - headerLen
	if m < 1 {
		m = 1
	}
	return m
}

// Read drains reassembled bytes, blocking until some are available,
// the peer's FIN has been fully delivered (io.EOF), or the connection
// ends in error.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.readBuf.Len() > 0 {
			n, _ := c.readBuf.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		if c.peerFinSeq.Ok && c.peerFinSeq.Value == c.peerSeq {
			c.mu.Unlock()
			return 0, io.EOF
		}
		if c.closed.IsSet() {
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		wait := c.readCond.Signaled()
		c.mu.Unlock()
		select {
		case <-wait:
		case <-c.closed.Done():
		}
	}
}

// Close sends a FIN and transitions to fin-sent; the connection is
// fully torn down once the FIN is acked and close-wait lingers out.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	seq := c.nextSeq
	c.nextSeq++
	now := time.Now()
	c.sendWindow = append(c.sendWindow, &outgoingPacket{seq: seq, sentAt: now})
	c.finSeq = g.Some(seq)
	c.state = StateFinSent
	ackNr := c.peerSeq
	sendID := c.sendID
	c.mu.Unlock()

	c.send(StFin, sendID, seq, ackNr, nil, nil, 0)
	return nil
}

// Closed reports the connection's terminal signal (spec §7).
func (c *Conn) Closed() <-chan struct{} { return c.closed.Done() }

// Err returns the reason the connection ended, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// send builds and transmits one packet with the given wire connection
// id. It takes no lock itself; callers pass in whatever state they
// read under c.mu before releasing it.
func (c *Conn) send(typ PacketType, connID, seq, ackNr uint16, payload []byte, exts []extension, flags SendFlags) {
	c.mu.Lock()
	tsDiff := c.measuredDelay
	c.mu.Unlock()

	h := header{
		Type:          typ,
		ConnID:        connID,
		Timestamp:     uint32(time.Now().UnixMicro()),
		TimestampDiff: tsDiff,
		WndSize:       recvWindowBytes,
		SeqNr:         seq,
		AckNr:         ackNr,
		Extensions:    exts,
	}
	buf := encode(nil, h, payload)
	if c.sock != nil {
		_ = c.sock.Send(c.remote, buf, flags)
	}
}

const (
	defaultConfiguredMaxWindow = 3 * 1024 * 1024
	recvWindowBytes            = 1 << 20
)
