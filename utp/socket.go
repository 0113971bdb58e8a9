package utp

import "net"

// SendFlags requests per-packet send behavior from the underlying UDP
// socket (spec §6.1).
type SendFlags uint8

// DontFragment asks the socket to set the IP don't-fragment bit, used by
// MTU probing (spec §4.3.6).
const DontFragment SendFlags = 1 << 0

// Socket is the UDP abstraction the Manager consumes (spec §6.1). A
// concrete implementation (package netutp) owns the real socket and
// drives Manager.Incoming from a receive loop; the Manager never reads
// from the network itself.
type Socket interface {
	// Send transmits b to addr. flags may request DontFragment.
	Send(addr net.Addr, b []byte, flags SendFlags) error
	// LocalAddr is this socket's bound address.
	LocalAddr() net.Addr
}
