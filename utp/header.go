package utp

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

// PacketType is the 4-bit type field of a uTP header (spec §4.3.2).
type PacketType uint8

const (
	StData  PacketType = 0
	StFin   PacketType = 1
	StState PacketType = 2
	StReset PacketType = 3
	StSyn   PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case StData:
		return "ST_DATA"
	case StFin:
		return "ST_FIN"
	case StState:
		return "ST_STATE"
	case StReset:
		return "ST_RESET"
	case StSyn:
		return "ST_SYN"
	default:
		return "ST_UNKNOWN"
	}
}

// ProtocolVersion is the only version this package speaks.
const ProtocolVersion = 1

// headerLen is the fixed 20-byte header size (spec §4.3.2).
const headerLen = 20

// extSelectiveAck is the extension id for the selective-ack bitmap.
const extSelectiveAck = 1

// extMTUProbe marks an ST_DATA packet as an MTU discovery probe (spec
// §4.3.6): its payload is padding sized to the probed MTU, not
// application data, so a receiver folds it into the ack stream without
// delivering it to the reader.
const extMTUProbe = 2

var (
	errHeaderTooShort  = errors.New("utp: packet shorter than header")
	errBadVersion      = errors.New("utp: unsupported protocol version")
	errTruncatedExt    = errors.New("utp: truncated extension record")
	errExtensionChain  = errors.New("utp: extension chain too long")
)

// extension is one link of the extension chain following the fixed header.
type extension struct {
	id      uint8
	payload []byte
}

// header is the decoded form of the 20-byte fixed uTP header (spec
// §4.3.2), grounded on packetFormatV1's field layout (connID, tvUSec,
// replyMicro, windowSize, seqNum, ackNum, all big-endian).
type header struct {
	Type          PacketType
	ConnID        uint16
	Timestamp     uint32 // sender's clock, microseconds
	TimestampDiff uint32 // receiver's measured one-way delay
	WndSize       uint32
	SeqNr         uint16
	AckNr         uint16
	Extensions    []extension
}

// selectiveAck returns the selective-ack extension payload, if present.
func (h header) selectiveAck() (SelectiveAck, bool) {
	for _, e := range h.Extensions {
		if e.id == extSelectiveAck {
			return SelectiveAck(e.payload), true
		}
	}
	return nil, false
}

// isMTUProbe reports whether h carries the MTU-probe marker extension.
func (h header) isMTUProbe() bool {
	for _, e := range h.Extensions {
		if e.id == extMTUProbe {
			return true
		}
	}
	return false
}

// encode appends the wire form of h (header, extension chain) to buf,
// followed by payload, and returns the result.
func encode(buf []byte, h header, payload []byte) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, headerLen)...)
	fixed := buf[start : start+headerLen]

	var ext0 uint8
	if len(h.Extensions) > 0 {
		ext0 = h.Extensions[0].id
	}
	fixed[0] = byte(h.Type)<<4 | ProtocolVersion
	fixed[1] = ext0
	binary.BigEndian.PutUint16(fixed[2:4], h.ConnID)
	binary.BigEndian.PutUint32(fixed[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(fixed[8:12], h.TimestampDiff)
	binary.BigEndian.PutUint32(fixed[12:16], h.WndSize)
	binary.BigEndian.PutUint16(fixed[16:18], h.SeqNr)
	binary.BigEndian.PutUint16(fixed[18:20], h.AckNr)

	for i, e := range h.Extensions {
		var next uint8
		if i+1 < len(h.Extensions) {
			next = h.Extensions[i+1].id
		}
		buf = append(buf, next, uint8(len(e.payload)))
		buf = append(buf, e.payload...)
	}
	return append(buf, payload...)
}

// decode parses buf into a header and the remaining payload bytes, which
// alias buf (spec §9's borrowing-slices design note applies here too:
// no copy is made of the payload).
func decode(buf []byte) (header, []byte, error) {
	if len(buf) < headerLen {
		return header{}, nil, errHeaderTooShort
	}
	if buf[0]&0xf != ProtocolVersion {
		return header{}, nil, errBadVersion
	}
	h := header{
		Type:          PacketType(buf[0] >> 4),
		ConnID:        binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:     binary.BigEndian.Uint32(buf[4:8]),
		TimestampDiff: binary.BigEndian.Uint32(buf[8:12]),
		WndSize:       binary.BigEndian.Uint32(buf[12:16]),
		SeqNr:         binary.BigEndian.Uint16(buf[16:18]),
		AckNr:         binary.BigEndian.Uint16(buf[18:20]),
	}
	rest := buf[headerLen:]
	next := buf[1]
	for i := 0; next != 0; i++ {
		if i >= 16 {
			return header{}, nil, errExtensionChain
		}
		if len(rest) < 2 {
			return header{}, nil, errTruncatedExt
		}
		id := next
		next = rest[0]
		n := int(rest[1])
		rest = rest[2:]
		if len(rest) < n {
			return header{}, nil, errTruncatedExt
		}
		h.Extensions = append(h.Extensions, extension{id: id, payload: rest[:n:n]})
		rest = rest[n:]
	}
	return h, rest, nil
}

// SelectiveAck is the bitmap payload of the selective-ack extension: bit
// i (LSB-first within each byte) means ack_nr+2+i was received (spec
// §4.3.2). It is built by the receiver to describe gaps in its reassembly
// buffer and consumed by the sender to fast-retransmit.
type SelectiveAck []byte

// NewSelectiveAck builds a selective-ack bitmap covering received seq
// numbers relative to ackNr+2, sized to the highest bit set, rounded up
// to a multiple of 4 bytes as the extension requires.
func NewSelectiveAck(received []uint16, ackNr uint16) SelectiveAck {
	maxBit := -1
	for _, seq := range received {
		i := int(int16(seq - ackNr - 2))
		if i < 0 {
			continue
		}
		if i > maxBit {
			maxBit = i
		}
	}
	if maxBit < 0 {
		return nil
	}
	nbytes := (maxBit/8 + 1 + 3) / 4 * 4
	sa := make(SelectiveAck, nbytes)
	for _, seq := range received {
		i := int(int16(seq - ackNr - 2))
		if i < 0 {
			continue
		}
		sa[i/8] |= 1 << uint(i%8)
	}
	return sa
}

// Test reports whether bit i (seq ackNr+2+i) is marked received.
func (sa SelectiveAck) Test(i int) bool {
	byteIdx := i / 8
	if byteIdx < 0 || byteIdx >= len(sa) {
		return false
	}
	return sa[byteIdx]&(1<<uint(i%8)) != 0
}

// Bits returns the number of bits the bitmap covers.
func (sa SelectiveAck) Bits() int {
	return len(sa) * 8
}

// Count returns the number of set bits, for quick duplicate-ack style
// summaries.
func (sa SelectiveAck) Count() int {
	n := 0
	for _, b := range sa {
		n += bits.OnesCount8(b)
	}
	return n
}
