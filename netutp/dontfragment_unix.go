//go:build unix

package netutp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDontFragment asks the kernel not to fragment packets sent on pc,
// so MTU discovery (spec §4.3.6) actually measures path MTU instead of
// silently sailing through fragmentation. The option is set on the
// socket and stays set, so it applies to every later packet sent on pc,
// not only to probes. Best effort: with an unsupported conn type or a
// failed setsockopt, a probe may be fragmented and still acked, and the
// floor then rises to the probed size.
func setDontFragment(pc net.PacketConn, addr net.Addr) {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	v4 := true
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		v4 = udpAddr.IP.To4() != nil
	}
	_ = raw.Control(func(fd uintptr) {
		if v4 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		} else {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_DONTFRAG, 1)
		}
	})
}
