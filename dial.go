package tlsbridge

import (
	"context"
	"net"
	"time"

	"github.com/getlantern/netx"
)

const defaultDialTimeout = 30 * time.Second

// DialFunc is the function used to dial the upstream.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}
	return netx.DialContext(ctx, network, addr)
}

// stampConn applies socket options to a freshly dialed or accepted
// connection: TCP_NODELAY always, and the given outbound IP TTL when
// positive. Failures are logged and otherwise ignored, the bridge works
// without them.
func stampConn(conn net.Conn, ttl int) {
	tcpConn := tcpConnOf(conn)
	if tcpConn == nil {
		log.Tracef("Not a TCP connection, not applying socket options: %v", conn.RemoteAddr())
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		log.Debugf("Unable to disable Nagle on connection to %v: %v", conn.RemoteAddr(), err)
	}
	if ttl > 0 {
		if err := setTTL(tcpConn, ttl); err != nil {
			log.Debugf("Unable to set TTL %d on connection to %v: %v", ttl, conn.RemoteAddr(), err)
		}
	}
}

// tcpConnOf digs the underlying *net.TCPConn out of conn, unwrapping any
// layers that expose their wrapped connection.
func tcpConnOf(conn net.Conn) *net.TCPConn {
	switch c := conn.(type) {
	case *net.TCPConn:
		return c
	case interface{ Wrapped() net.Conn }:
		return tcpConnOf(c.Wrapped())
	default:
		return nil
	}
}
