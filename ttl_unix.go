//go:build unix

package tlsbridge

import (
	"net"

	"golang.org/x/sys/unix"
)

// setTTL overrides the outbound IP TTL on conn's socket.
func setTTL(conn *net.TCPConn, ttl int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)
	v6 := remote != nil && remote.IP.To4() == nil
	var sockErr error
	controlErr := raw.Control(func(fd uintptr) {
		if v6 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
		} else {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
		}
	})
	if controlErr != nil {
		return controlErr
	}
	return sockErr
}
