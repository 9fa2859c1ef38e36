//go:build !unix

package tlsbridge

import (
	"net"

	"github.com/getlantern/errors"
)

func setTTL(conn *net.TCPConn, ttl int) error {
	return errors.New("TTL override is not supported on this platform")
}
