package tlsbridge

import (
	"io"
	"strings"

	"github.com/getlantern/errors"
	"github.com/getlantern/idletiming"
)

// ErrPoolExhausted is returned by Handle when no buffer slot frees up within
// the admission wait. It is the expected shed-load outcome under full
// occupancy, not a fault.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// isUnexpected distinguishes real faults from the ways bridged connections
// routinely end: orderly EOF, the peer going away, or this side closing the
// sockets on idle expiry. Write deadline misses are unexpected on purpose;
// a blocked peer that holds a write past its bound is a session fault.
func isUnexpected(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return false
	}
	if err == idletiming.ErrIdled {
		return false
	}

	text := err.Error()
	return !strings.HasSuffix(text, "EOF") &&
		!strings.Contains(text, "Use of idled network connection") &&
		!strings.Contains(text, "use of closed network connection") &&
		// usually caused by the client disconnecting
		!strings.Contains(text, "broken pipe") &&
		// usually caused by the client disconnecting
		!strings.Contains(text, "connection reset by peer")
}

// isIdled reports whether err came from an idle-timed conn supplied by a
// custom dialer. Sessions count these as timeouts.
func isIdled(err error) bool {
	if err == idletiming.ErrIdled {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "Use of idled network connection")
}
