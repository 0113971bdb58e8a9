//go:build !unix

package netutp

import "net"

// setDontFragment has no portable non-unix implementation in this
// pack (no cgo per the module-wide Go-native requirement); MTU probes
// still get sent, just without the don't-fragment hint.
func setDontFragment(pc net.PacketConn, addr net.Addr) {}
