// Package tlsbridge bridges TCP clients to a single fixed upstream service,
// optionally terminating TLS on either side and optionally forwarding
// traffic one complete HTTP message at a time.
package tlsbridge

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/tlsbridge/httpframe"
	"github.com/getlantern/tlsbridge/telemetry"
)

var (
	log = golog.LoggerFor("tlsbridge")
)

// Defaults applied by New to zero-valued Opts fields.
const (
	DefaultBufferSize          = 2048
	DefaultPoolCapacity        = 4
	DefaultIdleTimeout         = 30 * time.Second
	DefaultKeepaliveMultiplier = 3
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultAcquireTimeout      = 100 * time.Millisecond
	DefaultWriteTimeout        = 5 * time.Second
)

// Bridge is a bridging engine that carries traffic between downstream
// clients and the one fixed upstream it was configured with.
type Bridge interface {
	// Handle bridges a single downstream connection, blocking until the
	// session ends. downstreamIn is an optional reader already attached to
	// downstream (for callers that sniffed the connection before handing it
	// off); bytes it has buffered are replayed to the session first.
	Handle(ctx context.Context, downstreamIn io.Reader, downstream net.Conn) error

	// Serve accepts connections from l and bridges each one until l fails
	// or the bridge is closed.
	Serve(l net.Listener) error

	// Close stops serving and tears down all active sessions.
	Close() error

	// Telemetry exposes the ring of recently completed exchanges.
	Telemetry() *telemetry.Ring
}

// Opts defines options for configuring a Bridge.
type Opts struct {
	// UpstreamAddr is the host:port of the fixed upstream. Required.
	UpstreamAddr string

	// DownstreamTLS, if set, makes each session accept a TLS handshake in
	// server role on its downstream connection. Leave nil when serving raw
	// TCP or when the listener itself already terminates TLS.
	DownstreamTLS *tls.Config

	// UpstreamTLS, if set, makes each session perform a client-role TLS
	// handshake toward the upstream. See UpstreamTLSConfig.
	UpstreamTLS *tls.Config

	// BufferSize is the size in bytes of each per-direction working buffer.
	BufferSize int

	// PoolCapacity caps concurrent sessions. Connections that cannot get a
	// buffer slot are shed rather than queued.
	PoolCapacity int

	// AcquireTimeout bounds how long an accepted connection may wait for a
	// buffer slot before being shed.
	AcquireTimeout time.Duration

	// IdleTimeout closes a session that has carried no traffic in either
	// direction for this long.
	IdleTimeout time.Duration

	// KeepaliveMultiplier stretches IdleTimeout for sessions with
	// keep-alive semantics, tolerating longer gaps between exchanges on the
	// same connection.
	KeepaliveMultiplier int

	// KeepAlive statically marks raw sessions as keep-alive. Framing
	// sessions ignore it and observe keep-alive from the messages
	// themselves.
	KeepAlive bool

	// PollInterval is the granularity at which session idleness is checked.
	PollInterval time.Duration

	// WriteTimeout bounds how long a single write may stay blocked before
	// the session is considered wedged and torn down.
	WriteTimeout time.Duration

	// UpstreamTTL, if positive, overrides the IP TTL on upstream sockets so
	// the bridge's hop distance is not observable behind it.
	UpstreamTTL int

	// Framing enables HTTP message framing: each direction is forwarded one
	// complete message at a time, with Accept-Encoding stripped from
	// requests so responses stay inspectable.
	Framing bool

	// MaxMessageSize bounds per-message accumulation in framing mode.
	MaxMessageSize int

	// ServerTiming, in framing mode, annotates responses with a
	// Server-Timing header carrying the bridge's smoothed TTFB.
	ServerTiming bool

	// Dial is the function used to dial the upstream. Defaults to dialing
	// through netx with a 30 second cap.
	Dial DialFunc

	// Telemetry receives one entry per completed exchange. New creates a
	// ring of telemetry.DefaultCapacity when nil.
	Telemetry *telemetry.Ring
}

type engine struct {
	*Opts
	pool *Pool

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[*session]struct{}
	stopped   bool
}

// New creates a Bridge configured with the specified Opts.
func New(opts *Opts) (Bridge, error) {
	if opts.UpstreamAddr == "" {
		return nil, errors.New("UpstreamAddr is required")
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PoolCapacity <= 0 {
		opts.PoolCapacity = DefaultPoolCapacity
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.KeepaliveMultiplier <= 0 {
		opts.KeepaliveMultiplier = DefaultKeepaliveMultiplier
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = httpframe.DefaultMaxMessageSize
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewRing(telemetry.DefaultCapacity)
	}
	return &engine{
		Opts:     opts,
		pool:     NewPool(opts.PoolCapacity, opts.BufferSize),
		sessions: make(map[*session]struct{}),
	}, nil
}

func (e *engine) Telemetry() *telemetry.Ring {
	return e.Opts.Telemetry
}

// downstreamTransport picks the transport for an accepted connection. A
// *tls.Conn from a TLS listener keeps its server role; otherwise the
// configured downstream mode decides.
func (e *engine) downstreamTransport(conn net.Conn) Transport {
	if _, ok := conn.(*tls.Conn); ok {
		return NewTLSServerTransport(conn, nil)
	}
	if e.DownstreamTLS != nil {
		return NewTLSServerTransport(conn, e.DownstreamTLS)
	}
	return NewRawTransport(conn)
}

func (e *engine) upstreamTransport(conn net.Conn) Transport {
	if e.UpstreamTLS != nil {
		return NewTLSClientTransport(conn, e.UpstreamTLS)
	}
	return NewRawTransport(conn)
}
