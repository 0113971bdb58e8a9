package utp

// Sequence and ack numbers are 16-bit and compared modulo 2^16 (spec
// §3.3: "ack_nr is non-decreasing modulo 2^16").

func seqLessEqual(a, b uint16) bool { return int16(a-b) <= 0 }
func seqLess(a, b uint16) bool      { return int16(a-b) < 0 }
func seqGreater(a, b uint16) bool   { return int16(a-b) > 0 }
