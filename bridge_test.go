package tlsbridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/fdcount"
	"github.com/getlantern/idletiming"
	"github.com/getlantern/mockconn"
	"github.com/getlantern/tlsbridge/telemetry"
	"github.com/getlantern/waitforserver"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEcho runs a TCP echo server for the duration of the test.
func startEcho(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go echoLoop(l)
	return l.Addr().String()
}

func echoLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			io.Copy(c, c)
			c.Close()
		}(conn)
	}
}

// newBridge starts a bridge serving on the given listener, or on a fresh TCP
// listener when l is nil. It returns the engine, the listener and a channel
// carrying Serve's return value.
func newBridge(t *testing.T, opts *Opts, l net.Listener) (*engine, net.Listener, chan error) {
	t.Helper()
	b, err := New(opts)
	require.NoError(t, err)
	e := b.(*engine)
	if l == nil {
		l, err = net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- e.Serve(l)
	}()
	require.NoError(t, waitforserver.WaitForServer("tcp", l.Addr().String(), 5*time.Second))
	t.Cleanup(func() { e.Close() })
	return e, l, serveErr
}

func dialBridge(t *testing.T, l net.Listener) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRawPassthrough(t *testing.T) {
	upstreamAddr := startEcho(t)
	e, l, _ := newBridge(t, &Opts{UpstreamAddr: upstreamAddr}, nil)

	// Count from here so only per-session descriptors factor into the
	// leak check, not the long-lived listeners.
	_, counter, err := fdcount.Matching("TCP")
	require.NoError(t, err)

	conn := dialBridge(t, l)
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed, "bytes should pass through unmodified")
	conn.Close()

	assert.Eventually(t, func() bool { return e.pool.InUse() == 0 }, 5*time.Second, 20*time.Millisecond,
		"session should give its buffer slot back")
	require.Eventually(t, func() bool { return e.Opts.Telemetry.Written() == 1 }, 5*time.Second, 20*time.Millisecond)
	entry := e.Opts.Telemetry.Snapshot()[0]
	assert.Equal(t, telemetry.Success, entry.Outcome)
	assert.EqualValues(t, len(payload), entry.BytesIn)
	assert.EqualValues(t, len(payload), entry.BytesOut)
	assert.True(t, entry.TTFB > 0)

	assert.NoError(t, counter.AssertDelta(0), "session should not leak connections")
}

func TestAdmissionControl(t *testing.T) {
	upstreamAddr := startEcho(t)
	e, l, _ := newBridge(t, &Opts{
		UpstreamAddr:   upstreamAddr,
		PoolCapacity:   2,
		AcquireTimeout: 60 * time.Millisecond,
	}, nil)

	rejectedBefore := testutil.ToFloat64(sessionsRejected)

	// Fill the pool with two admitted sessions.
	held := make([]net.Conn, 0, 2)
	for i := 0; i < 2; i++ {
		conn := dialBridge(t, l)
		_, err := conn.Write([]byte("ping"))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 4)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		held = append(held, conn)
	}
	assert.Equal(t, 2, e.pool.InUse())

	// A third connection finds no slot and gets shed.
	shed := dialBridge(t, l)
	shed.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := shed.Read(make([]byte, 1))
	assert.Error(t, err, "connection beyond capacity should be closed")
	assert.GreaterOrEqual(t, testutil.ToFloat64(sessionsRejected)-rejectedBefore, 1.0)

	// Releasing a slot lets the next connection in.
	held[0].Close()
	assert.Eventually(t, func() bool { return e.pool.InUse() == 1 }, 5*time.Second, 10*time.Millisecond)
	conn := dialBridge(t, l)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	assert.NoError(t, err, "freed slot should admit a new session")
}

func TestIdleTimeout(t *testing.T) {
	upstreamAddr := startEcho(t)
	e, l, _ := newBridge(t, &Opts{
		UpstreamAddr: upstreamAddr,
		IdleTimeout:  150 * time.Millisecond,
		PollInterval: 25 * time.Millisecond,
	}, nil)

	conn := dialBridge(t, l)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	// Sit idle and wait for the watchdog.
	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(buf)
	elapsed := time.Since(start)
	assert.Error(t, err, "idle session should be torn down")
	assert.True(t, elapsed >= 100*time.Millisecond, "closed before the idle timeout: %v", elapsed)
	assert.True(t, elapsed < 2*time.Second, "closed far after the idle timeout: %v", elapsed)

	require.Eventually(t, func() bool { return e.Opts.Telemetry.Written() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, telemetry.Timeout, e.Opts.Telemetry.Snapshot()[0].Outcome)
}

func TestKeepAliveStretchesIdleTimeout(t *testing.T) {
	upstreamAddr := startEcho(t)
	_, l, _ := newBridge(t, &Opts{
		UpstreamAddr:        upstreamAddr,
		IdleTimeout:         200 * time.Millisecond,
		KeepaliveMultiplier: 3,
		KeepAlive:           true,
		PollInterval:        25 * time.Millisecond,
	}, nil)

	conn := dialBridge(t, l)
	buf := make([]byte, 4)
	roundtrip := func() error {
		if _, err := conn.Write([]byte("ping")); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := io.ReadFull(conn, buf)
		return err
	}
	require.NoError(t, roundtrip())

	// Past the base timeout but within the keep-alive allowance the session
	// must still be alive.
	time.Sleep(350 * time.Millisecond)
	require.NoError(t, roundtrip(), "keep-alive session should survive past the base idle timeout")

	// Past the stretched timeout it must not.
	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(buf)
	assert.Error(t, err)
	assert.True(t, time.Since(start) < 3*time.Second)
}

func TestUpstreamDialFailure(t *testing.T) {
	dialer := mockconn.FailingDialer(errors.New("upstream unreachable"))
	b, err := New(&Opts{
		UpstreamAddr: "origin.internal:443",
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	})
	require.NoError(t, err)
	e := b.(*engine)

	client, server := net.Pipe()
	defer client.Close()
	handleErr := make(chan error, 1)
	go func() {
		handleErr <- e.Handle(context.Background(), nil, server)
	}()

	// The downstream side gets closed without receiving anything.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, readErr := client.Read(make([]byte, 1))
	assert.Error(t, readErr)

	err = <-handleErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unreachable")
	assert.Equal(t, "origin.internal:443", dialer.LastDialed())
	assert.Equal(t, 0, e.pool.InUse(), "failed session should still release its slot")
	assert.EqualValues(t, 0, e.Opts.Telemetry.Written(), "no exchange, no telemetry entry")
}

func TestFramingEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var acceptEncodings []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		acceptEncodings = append(acceptEncodings, r.Header.Get("Accept-Encoding"))
		mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	e, l, _ := newBridge(t, &Opts{
		UpstreamAddr: upstream.Listener.Addr().String(),
		Framing:      true,
		ServerTiming: true,
	}, nil)

	conn := dialBridge(t, l)
	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, err := conn.Write([]byte("GET /first HTTP/1.1\r\nHost: upstream\r\nAccept-Encoding: gzip\r\n\r\n"))
	require.NoError(t, err)
	resp1, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body1, err := io.ReadAll(resp1.Body)
	require.NoError(t, err)
	resp1.Body.Close()
	assert.Equal(t, http.StatusOK, resp1.StatusCode)
	assert.Equal(t, "hello from upstream", string(body1))
	assert.Empty(t, resp1.Header.Get("Server-Timing"), "no smoothed TTFB before the first exchange completes")

	_, err = conn.Write([]byte("GET /second HTTP/1.1\r\nHost: upstream\r\nAccept-Encoding: gzip\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	resp2, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, "hello from upstream", string(body2))
	assert.NotEmpty(t, resp2.Header.Get("Server-Timing"), "second response should carry the smoothed TTFB")

	// After delivering the response of a close-signaled exchange the session
	// tears down.
	_, err = br.Read(make([]byte, 1))
	assert.Error(t, err)

	mu.Lock()
	assert.Equal(t, []string{"", ""}, acceptEncodings, "Accept-Encoding should be stripped from forwarded requests")
	mu.Unlock()

	require.Eventually(t, func() bool { return e.Opts.Telemetry.Written() == 2 }, 5*time.Second, 20*time.Millisecond)
	for _, entry := range e.Opts.Telemetry.Snapshot() {
		assert.Equal(t, telemetry.Success, entry.Outcome)
		assert.True(t, entry.TTFB > 0)
	}
}

func TestFramingOversizeAborts(t *testing.T) {
	hits := 0
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer upstream.Close()

	e, l, _ := newBridge(t, &Opts{
		UpstreamAddr:   upstream.Listener.Addr().String(),
		Framing:        true,
		MaxMessageSize: 512,
	}, nil)

	conn := dialBridge(t, l)
	junk := "GET / HTTP/1.1\r\nHost: upstream\r\nX-Filler: " + strings.Repeat("a", 2048) + "\r\n"
	conn.Write([]byte(junk))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err, "oversized message should abort the session")

	require.Eventually(t, func() bool { return e.Opts.Telemetry.Written() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, telemetry.Error, e.Opts.Telemetry.Snapshot()[0].Outcome)
	mu.Lock()
	assert.Equal(t, 0, hits, "nothing should have been forwarded upstream")
	mu.Unlock()
}

func TestTLSTerminationToTLSUpstream(t *testing.T) {
	upstreamListener, upstreamCert, _, _ := mintTLSListener(t)
	go echoLoop(upstreamListener)

	bridgeListener, _, _, _ := mintTLSListener(t)
	e, _, _ := newBridge(t, &Opts{
		UpstreamAddr: upstreamListener.Addr().String(),
		UpstreamTLS:  UpstreamTLSConfig("localhost", upstreamCert.X509()),
	}, bridgeListener)

	conn, err := tls.Dial("tcp", bridgeListener.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)

	conn.Close()
	assert.Eventually(t, func() bool { return e.pool.InUse() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestDownstreamTLSViaOpts(t *testing.T) {
	upstreamAddr := startEcho(t)

	_, _, pkfile, certfile := mintTLSListener(t)
	keyPair, err := tls.LoadX509KeyPair(certfile, pkfile)
	require.NoError(t, err)

	_, l, _ := newBridge(t, &Opts{
		UpstreamAddr:  upstreamAddr,
		DownstreamTLS: &tls.Config{Certificates: []tls.Certificate{keyPair}},
	}, nil)

	conn, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestPreReadReplay(t *testing.T) {
	upstreamAddr := startEcho(t)
	b, err := New(&Opts{UpstreamAddr: upstreamAddr})
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()

	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write([]byte("hello world"))
		writeErr <- err
	}()

	// Sniff part of the stream the way a fronting protocol detector would,
	// then hand the connection off with the sniffed bytes still buffered.
	br := bufio.NewReader(server)
	_, err = br.Peek(5)
	require.NoError(t, err)

	handleErr := make(chan error, 1)
	go func() {
		handleErr <- b.Handle(context.Background(), br, server)
	}()

	require.NoError(t, <-writeErr)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	echoed := make([]byte, len("hello world"))
	_, err = io.ReadFull(client, echoed)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(echoed), "buffered bytes should be replayed ahead of the live stream")

	client.Close()
	assert.NoError(t, <-handleErr)
}

func TestIdledUpstreamCountsAsTimeout(t *testing.T) {
	upstreamAddr := startEcho(t)
	e, l, _ := newBridge(t, &Opts{
		UpstreamAddr: upstreamAddr,
		IdleTimeout:  5 * time.Second,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := net.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			return idletiming.Conn(conn, 150*time.Millisecond, nil), nil
		},
	}, nil)

	conn := dialBridge(t, l)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	// The idle-timed upstream gives up long before the session's own idle
	// timeout, which counts as an expected timeout, not a failure.
	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err)
	assert.True(t, time.Since(start) < 3*time.Second)

	require.Eventually(t, func() bool { return e.Opts.Telemetry.Written() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, telemetry.Timeout, e.Opts.Telemetry.Snapshot()[0].Outcome)
}

func TestCloseTerminatesEverything(t *testing.T) {
	upstreamAddr := startEcho(t)
	e, l, serveErr := newBridge(t, &Opts{UpstreamAddr: upstreamAddr}, nil)

	conn := dialBridge(t, l)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	select {
	case err := <-serveErr:
		assert.NoError(t, err, "Serve should return cleanly after Close")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "active session should be torn down by Close")

	assert.NoError(t, e.Close(), "Close should be idempotent")
	l2, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	assert.Error(t, e.Serve(l2), "Serve after Close should fail")
}

func TestConcurrentChurn(t *testing.T) {
	upstreamAddr := startEcho(t)
	e, l, _ := newBridge(t, &Opts{
		UpstreamAddr:   upstreamAddr,
		PoolCapacity:   4,
		AcquireTimeout: 80 * time.Millisecond,
	}, nil)

	_, counter, err := fdcount.Matching("TCP")
	require.NoError(t, err)

	const workers = 8
	const iterations = 5
	var served, shed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				conn, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
				if err != nil {
					continue
				}
				conn.Write([]byte("ping"))
				conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				buf := make([]byte, 4)
				_, err = io.ReadFull(conn, buf)
				mu.Lock()
				if err == nil {
					served++
				} else {
					shed++
				}
				mu.Unlock()
				conn.Close()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	assert.EqualValues(t, workers*iterations, served+shed)
	assert.True(t, served > 0, "at least some sessions should be admitted")
	mu.Unlock()

	assert.Eventually(t, func() bool { return e.pool.InUse() == 0 }, 5*time.Second, 20*time.Millisecond,
		"every slot should come back, served or shed")
	assert.NoError(t, counter.AssertDelta(0))
}
