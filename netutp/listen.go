package netutp

import (
	"net"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
)

// Listen opens a UDP socket on addr (e.g. ":6881") and wraps it in a
// PacketConnSocket. The caller is responsible for closing the
// returned net.PacketConn once done; PacketConnSocket itself owns no
// lifecycle.
func Listen(addr string, logger log.Logger) (*PacketConnSocket, net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, nil, err
	}
	// addr may ask for an ephemeral port ("*:0"); pull back whatever the
	// kernel actually bound so the log line shows the real value. Callers
	// read it from the returned net.PacketConn's LocalAddr.
	port := missinggo.AddrPort(pc.LocalAddr())
	logger.Levelf(log.Debug, "netutp: listening on %s (port %d)", pc.LocalAddr(), port)
	return NewPacketConnSocket(pc, logger), pc, nil
}
