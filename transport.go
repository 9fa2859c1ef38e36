package tlsbridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/getlantern/errors"
)

// Transport is the session's view of one side of the bridge: a byte stream
// plus whatever security negotiation the mode calls for. The forwarding loop
// only sees this interface, so passthrough, TLS-termination and hybrid modes
// differ solely in which implementations get wired into a session.
type Transport interface {
	net.Conn

	// Handshake completes security negotiation. It must be called before the
	// first Read or Write. On raw transports it is a no-op.
	Handshake(ctx context.Context) error

	// Wrapped returns the underlying net.Conn.
	Wrapped() net.Conn
}

type rawTransport struct {
	net.Conn
}

// NewRawTransport returns a Transport that forwards conn's bytes untouched.
func NewRawTransport(conn net.Conn) Transport {
	return &rawTransport{conn}
}

func (t *rawTransport) Handshake(ctx context.Context) error {
	return nil
}

func (t *rawTransport) Wrapped() net.Conn {
	return t.Conn
}

const (
	roleServer = "server"
	roleClient = "client"
)

type tlsTransport struct {
	*tls.Conn
	wrapped net.Conn
	role    string
}

// NewTLSServerTransport returns a Transport that accepts a TLS handshake in
// server role using cfg, making the bridge the decrypting endpoint from the
// client's perspective. A conn that is already a *tls.Conn (from a TLS
// listener) is adopted rather than wrapped again.
func NewTLSServerTransport(conn net.Conn, cfg *tls.Config) Transport {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		return &tlsTransport{Conn: tlsConn, wrapped: conn, role: roleServer}
	}
	return &tlsTransport{Conn: tls.Server(conn, cfg), wrapped: conn, role: roleServer}
}

// NewTLSClientTransport returns a Transport that performs a client-role TLS
// handshake over conn toward the fixed upstream.
func NewTLSClientTransport(conn net.Conn, cfg *tls.Config) Transport {
	return &tlsTransport{Conn: tls.Client(conn, cfg), wrapped: conn, role: roleClient}
}

func (t *tlsTransport) Handshake(ctx context.Context) error {
	if err := t.Conn.HandshakeContext(ctx); err != nil {
		return errors.New("TLS handshake in %v role failed: %v", t.role, err)
	}
	return nil
}

func (t *tlsTransport) Wrapped() net.Conn {
	return t.wrapped
}

// UpstreamTLSConfig builds the client-role TLS configuration for the fixed
// upstream under the bridge's degraded trust policy: the peer's identity is
// already pinned by configured address, so certificate chains are not
// validated. If pinned is non-nil the presented leaf must additionally match
// it exactly.
func UpstreamTLSConfig(serverName string, pinned *x509.Certificate) *tls.Config {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	}
	if pinned != nil {
		want := pinned.Raw
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if bytes.Equal(raw, want) {
					return nil
				}
			}
			return errors.New("upstream presented a certificate other than the pinned one")
		}
	}
	return cfg
}
