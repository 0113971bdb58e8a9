package utp

import "time"

// outgoingPacket tracks one packet in the send window awaiting ack (spec
// §3.3: "send window buffer: ordered ring of outstanding packets keyed by
// sequence number, each with send time, size, retransmit count").
type outgoingPacket struct {
	seq         uint16
	data        []byte
	sentAt      time.Time
	retransmits int
	acked       bool
	// probe marks this packet as an MTU discovery probe (spec §4.3.6):
	// retransmits must keep carrying the extMTUProbe extension and the
	// DontFragment flag rather than reverting to a plain data resend.
	probe bool
}

func (p *outgoingPacket) size() int { return len(p.data) }
