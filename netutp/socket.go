// Package netutp adapts a real net.PacketConn into the utp.Socket a
// Manager consumes, and drives Manager.Incoming from a receive loop
// (spec addition; utp/socket.go's Socket interface is the boundary
// this package implements).
package netutp

import (
	"net"

	"github.com/anacrolix/log"

	"github.com/nostromorepo/libtorrent/utp"
)

// PacketConnSocket implements utp.Socket over an already-bound
// net.PacketConn.
type PacketConnSocket struct {
	pc     net.PacketConn
	logger log.Logger
}

// NewPacketConnSocket wraps pc. Ownership of pc (including Close)
// stays with the caller.
func NewPacketConnSocket(pc net.PacketConn, logger log.Logger) *PacketConnSocket {
	return &PacketConnSocket{pc: pc, logger: logger}
}

// Send implements utp.Socket.
func (s *PacketConnSocket) Send(addr net.Addr, b []byte, flags utp.SendFlags) error {
	if flags&utp.DontFragment != 0 {
		setDontFragment(s.pc, addr)
	}
	_, err := s.pc.WriteTo(b, addr)
	return err
}

// LocalAddr implements utp.Socket.
func (s *PacketConnSocket) LocalAddr() net.Addr { return s.pc.LocalAddr() }
