// Package config loads bridge configuration from an INI file and turns it
// into the material the engine consumes: engine options, TLS configs and the
// listener to serve on.
package config

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/keyman"
	"github.com/getlantern/tlsbridge"
	"github.com/getlantern/tlsbridge/httpframe"
	"github.com/pires/go-proxyproto"
	"gopkg.in/ini.v1"
)

var (
	log = golog.LoggerFor("tlsbridge.config")
)

// Trust policies for the upstream TLS client role.
const (
	TrustInsecure = "insecure"
	TrustSystem   = "system"
	TrustPinned   = "pinned"
)

type Config struct {
	Server   Server   `ini:"server"`
	Upstream Upstream `ini:"upstream"`
	TLS      TLS      `ini:"tls"`
	Framing  Framing  `ini:"framing"`
	Status   Status   `ini:"status"`
}

type Server struct {
	ListenPort          int  `ini:"listen_port"`
	BufferSize          int  `ini:"buffer_size"`
	PoolCapacity        int  `ini:"pool_capacity"`
	IdleTimeoutMS       int  `ini:"idle_timeout_ms"`
	KeepaliveMultiplier int  `ini:"keepalive_multiplier"`
	KeepAlive           bool `ini:"keep_alive"`
	ProxyProtocol       bool `ini:"proxy_protocol"`
}

type Upstream struct {
	Host        string `ini:"host"`
	Port        int    `ini:"port"`
	TLS         bool   `ini:"tls"`
	TTLOverride int    `ini:"ttl_override"`
}

type TLS struct {
	// ServerCert and ServerKey, when both set, make the bridge terminate TLS
	// on downstream connections with this key pair.
	ServerCert string `ini:"server_cert"`
	ServerKey  string `ini:"server_key"`

	// ClientTrustPolicy picks how upstream certificates are evaluated when
	// dialing with TLS: insecure (default), system, or pinned.
	ClientTrustPolicy string `ini:"client_trust_policy"`
	ClientPinnedCert  string `ini:"client_pinned_cert"`
	ClientServerName  string `ini:"client_server_name"`
}

type Framing struct {
	Enabled        bool `ini:"enabled"`
	MaxMessageSize int  `ini:"max_message_size"`
	ServerTiming   bool `ini:"server_timing"`
}

type Status struct {
	Addr string `ini:"addr"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Server: Server{
			ListenPort:          443,
			BufferSize:          tlsbridge.DefaultBufferSize,
			PoolCapacity:        tlsbridge.DefaultPoolCapacity,
			IdleTimeoutMS:       30000,
			KeepaliveMultiplier: tlsbridge.DefaultKeepaliveMultiplier,
		},
		Upstream: Upstream{
			Port:        443,
			TTLOverride: 64,
		},
		TLS: TLS{
			ClientTrustPolicy: TrustInsecure,
		},
		Framing: Framing{
			MaxMessageSize: httpframe.DefaultMaxMessageSize,
		},
	}
}

// Load reads the INI file at path on top of the defaults. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, errors.New("Unable to read config at %v: %v", path, err)
		}
		if err := f.MapTo(&cfg); err != nil {
			return nil, errors.New("Unable to parse config at %v: %v", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.Host == "" {
		return errors.New("upstream host is required")
	}
	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		return errors.New("listen_port %d is out of range", c.Server.ListenPort)
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return errors.New("upstream port %d is out of range", c.Upstream.Port)
	}
	if (c.TLS.ServerCert == "") != (c.TLS.ServerKey == "") {
		return errors.New("tls server_cert and server_key must be set together")
	}
	return nil
}

// ListenAddr is the address the bridge should listen on.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Server.ListenPort)
}

// UpstreamAddr is the host:port of the configured upstream.
func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.Upstream.Host, strconv.Itoa(c.Upstream.Port))
}

// NewListener builds the listener described by the configuration, wrapping
// it for PROXY protocol ingress when enabled. TLS termination happens in the
// engine, not here, so PROXY headers stay outside the TLS stream.
func (c *Config) NewListener() (net.Listener, error) {
	l, err := net.Listen("tcp", c.ListenAddr())
	if err != nil {
		return nil, errors.New("Unable to listen at %v: %v", c.ListenAddr(), err)
	}
	if c.Server.ProxyProtocol {
		log.Debugf("Expecting PROXY protocol headers at %v", l.Addr())
		l = &proxyproto.Listener{Listener: l}
	}
	return l, nil
}

// BridgeOpts assembles the engine options described by the configuration,
// loading any TLS material it refers to.
func (c *Config) BridgeOpts() (*tlsbridge.Opts, error) {
	opts := &tlsbridge.Opts{
		UpstreamAddr:        c.UpstreamAddr(),
		BufferSize:          c.Server.BufferSize,
		PoolCapacity:        c.Server.PoolCapacity,
		IdleTimeout:         time.Duration(c.Server.IdleTimeoutMS) * time.Millisecond,
		KeepaliveMultiplier: c.Server.KeepaliveMultiplier,
		KeepAlive:           c.Server.KeepAlive,
		UpstreamTTL:         c.Upstream.TTLOverride,
		Framing:             c.Framing.Enabled,
		MaxMessageSize:      c.Framing.MaxMessageSize,
		ServerTiming:        c.Framing.ServerTiming,
	}
	if c.TLS.ServerCert != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.ServerCert, c.TLS.ServerKey)
		if err != nil {
			return nil, errors.New("Unable to load server key pair: %v", err)
		}
		opts.DownstreamTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if c.Upstream.TLS {
		upstreamTLS, err := c.upstreamTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.UpstreamTLS = upstreamTLS
	}
	return opts, nil
}

func (c *Config) upstreamTLSConfig() (*tls.Config, error) {
	switch c.TLS.ClientTrustPolicy {
	case "", TrustInsecure:
		return tlsbridge.UpstreamTLSConfig(c.TLS.ClientServerName, nil), nil
	case TrustSystem:
		return &tls.Config{ServerName: c.TLS.ClientServerName}, nil
	case TrustPinned:
		if c.TLS.ClientPinnedCert == "" {
			return nil, errors.New("client_trust_policy is pinned but client_pinned_cert is not set")
		}
		cert, err := keyman.LoadCertificateFromFile(c.TLS.ClientPinnedCert)
		if err != nil {
			return nil, errors.New("Unable to load pinned upstream certificate: %v", err)
		}
		return tlsbridge.UpstreamTLSConfig(c.TLS.ClientServerName, cert.X509()), nil
	default:
		return nil, errors.New("Unknown client_trust_policy: %v", c.TLS.ClientTrustPolicy)
	}
}
