package netutp

import (
	"errors"
	"net"

	"github.com/anacrolix/log"

	"github.com/nostromorepo/libtorrent/utp"
)

// maxDatagramSize bounds a single read; anything a peer sends larger
// than this is not a uTP packet this implementation understands.
const maxDatagramSize = 0x10000

// Serve reads datagrams from pc and feeds each one to m.Incoming until
// pc is closed. It returns nil on a clean close and the underlying
// error otherwise, mirroring dht/server.go's serve loop.
func Serve(pc net.PacketConn, m *utp.Manager, logger log.Logger) error {
	var buf [maxDatagramSize]byte
	for {
		n, addr, err := pc.ReadFrom(buf[:])
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if n == len(buf) {
			logger.WithDefaultLevel(log.Warning).Printf("dropped datagram from %v exceeding buffer size", addr)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		m.Incoming(payload, addr)
	}
}
