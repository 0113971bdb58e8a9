package utp

import (
	"time"

	g "github.com/anacrolix/generics"
)

// Default MTU bounds for path MTU discovery (spec §4.3.6). 576 is the
// guaranteed-deliverable IPv4 minimum; 1438 leaves room for the uTP/IP/UDP
// headers under a 1500-byte Ethernet MTU.
const (
	defaultMTUFloor   = 576
	defaultMTUCeiling = 1438
)

// mtuProbeTimeout bounds how long an outstanding probe waits for its ack
// before it counts as failed and lowers the ceiling. Only the probe's age
// is checked; whether other packets were acked meanwhile is not.
const mtuProbeTimeout = 4 * time.Second

// mtuState tracks the bisection search for the path MTU (spec §4.3.6):
// "Two bounds [mtu_floor, mtu_ceiling]... converge by bisection."
type mtuState struct {
	floor, ceiling int
	lastGood       int
	probeSeq       g.Option[uint16]
	probeSize      int
	probeSentAt    time.Time
}

func newMTUState() *mtuState {
	return &mtuState{floor: defaultMTUFloor, ceiling: defaultMTUCeiling, lastGood: defaultMTUFloor}
}

// shouldProbe reports whether the bounds have not yet converged and no
// probe is currently outstanding (spec §3.3's "at most one outstanding
// MTU probe per connection").
func (m *mtuState) shouldProbe() bool {
	return !m.probeSeq.Ok && m.ceiling-m.floor > 1
}

// nextProbeSize returns the bisection midpoint to probe next.
func (m *mtuState) nextProbeSize() int {
	return (m.floor + m.ceiling) / 2
}

func (m *mtuState) startProbe(seq uint16, now time.Time) int {
	size := m.nextProbeSize()
	m.probeSeq = g.Some(seq)
	m.probeSize = size
	m.probeSentAt = now
	return size
}

// probeTimedOut reports whether the outstanding probe, if any, has aged
// past mtuProbeTimeout without being acked or failed.
func (m *mtuState) probeTimedOut(now time.Time) bool {
	return m.probeSeq.Ok && !m.probeSentAt.IsZero() && now.Sub(m.probeSentAt) >= mtuProbeTimeout
}

// onProbeAcked raises the floor: the probed size is known deliverable.
func (m *mtuState) onProbeAcked(seq uint16) {
	if !m.probeSeq.Ok || m.probeSeq.Value != seq {
		return
	}
	m.floor = m.probeSize
	m.lastGood = m.probeSize
	m.probeSeq = g.None[uint16]()
	m.probeSentAt = time.Time{}
}

// onProbeFailed lowers the ceiling: the probed size didn't make it. Its
// only caller is Conn.tick, once probeTimedOut reports the probe as aged
// out.
func (m *mtuState) onProbeFailed(seq uint16) {
	if !m.probeSeq.Ok || m.probeSeq.Value != seq {
		return
	}
	m.ceiling = m.probeSize
	m.probeSeq = g.None[uint16]()
	m.probeSentAt = time.Time{}
}
