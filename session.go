package tlsbridge

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/preconn"
	"github.com/getlantern/tlsbridge/httpframe"
	"github.com/getlantern/tlsbridge/telemetry"
	"github.com/google/uuid"
	servertiming "github.com/mitchellh/go-server-timing"
)

// Handle bridges the given downstream connection to the configured upstream,
// blocking until the session ends. It returns ErrPoolExhausted if the
// connection was shed at admission, nil if the session ended for an expected
// reason (peer close or idle timeout), and a non-nil error otherwise. The
// downstream connection is always closed by the time Handle returns.
func (e *engine) Handle(ctx context.Context, downstreamIn io.Reader, downstream net.Conn) error {
	slot, ok := e.pool.Acquire(e.AcquireTimeout)
	if !ok {
		sessionsRejected.Inc()
		if closeErr := downstream.Close(); closeErr != nil {
			log.Tracef("Error closing shed connection: %s", closeErr)
		}
		return ErrPoolExhausted
	}
	sessionsTotal.Inc()
	stampConn(downstream, 0)

	// Replay anything a fronting reader already buffered so the session sees
	// the byte stream from its start.
	if br, ok := downstreamIn.(*bufio.Reader); ok {
		if buffered := br.Buffered(); buffered > 0 {
			b, _ := br.Peek(buffered)
			downstream = preconn.Wrap(downstream, b)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		engine:     e,
		id:         uuid.NewString(),
		slot:       slot,
		sourceAddr: remoteAddrOf(downstream),
		start:      time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
		downstream: e.downstreamTransport(downstream),
	}
	if e.KeepAlive && !e.Framing {
		s.keepAlive = 1
	}
	if !e.register(s) {
		cancel()
		slot.Release()
		if closeErr := downstream.Close(); closeErr != nil {
			log.Tracef("Error closing downstream connection: %s", closeErr)
		}
		return errors.New("Bridge is closed")
	}
	activeSessions.Inc()
	defer activeSessions.Dec()
	defer e.unregister(s)
	return s.run(ctx)
}

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateHandshaking
	stateForwarding
	stateDraining
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateForwarding:
		return "forwarding"
	case stateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// session carries one downstream connection across its whole lifecycle. Its
// state only ever moves forward, and every path ends in the closed state
// with the buffer slot back in the pool and both transports closed.
type session struct {
	engine     *engine
	id         string
	sourceAddr string
	start      time.Time

	downstream Transport
	upstream   Transport
	slot       *Slot

	cancel context.CancelFunc
	done   chan struct{}

	state        int32
	lastActivity int64
	keepAlive    int32
	closeSignal  int32
	timedOut     int32
	outcome      int32

	closeOnce sync.Once

	// Per-exchange accounting, shared by the two copier goroutines.
	exchangeMu   sync.Mutex
	bytesIn      uint64
	bytesOut     uint64
	requestStart time.Time
	ttfb         time.Duration
}

func (s *session) run(ctx context.Context) error {
	defer s.teardown()

	if err := s.connect(ctx); err != nil {
		s.setOutcome(telemetry.Error)
		return err
	}
	if err := s.handshake(ctx); err != nil {
		s.setOutcome(telemetry.Error)
		return err
	}

	s.advanceTo(stateForwarding)
	s.touch()
	go s.watchdog()

	var err error
	if s.engine.Framing {
		err = s.forwardFramed()
	} else {
		err = s.forwardRaw()
	}

	if atomic.LoadInt32(&s.timedOut) == 1 || isIdled(err) {
		s.setOutcome(telemetry.Timeout)
		log.Debugf("Session %v from %v idled out after %v", s.id, s.sourceAddr, time.Since(s.start))
		return nil
	}
	if isUnexpected(err) {
		s.setOutcome(telemetry.Error)
		return errors.New("Session %v from %v ended abnormally: %v", s.id, s.sourceAddr, err)
	}
	s.setOutcome(telemetry.Success)
	return nil
}

// connect dials the upstream and applies socket options to the new
// connection.
func (s *session) connect(ctx context.Context) error {
	conn, err := s.engine.Dial(ctx, "tcp", s.engine.UpstreamAddr)
	if err != nil {
		return errors.New("Unable to dial upstream %v: %v", s.engine.UpstreamAddr, err)
	}
	stampConn(conn, s.engine.UpstreamTTL)
	s.upstream = s.engine.upstreamTransport(conn)
	return nil
}

// handshake completes any TLS handshakes the transports call for, bounded by
// the idle timeout. Raw transports pass straight through.
func (s *session) handshake(ctx context.Context) error {
	s.advanceTo(stateHandshaking)
	hsCtx, cancel := context.WithTimeout(ctx, s.engine.IdleTimeout)
	defer cancel()
	if err := s.downstream.Handshake(hsCtx); err != nil {
		return errors.New("Unable to handshake with downstream %v: %v", s.sourceAddr, err)
	}
	if err := s.upstream.Handshake(hsCtx); err != nil {
		return errors.New("Unable to handshake with upstream %v: %v", s.engine.UpstreamAddr, err)
	}
	return nil
}

func (s *session) forwardRaw() error {
	errCh := make(chan error, 2)
	go func() {
		errCh <- s.copyRaw(s.upstream, s.downstream, s.slot.In, s.accountRequest)
	}()
	go func() {
		errCh <- s.copyRaw(s.downstream, s.upstream, s.slot.Out, s.accountResponse)
	}()
	// The first direction to stop decides the session's fate. Closing both
	// transports unblocks the other copier.
	err := <-errCh
	s.closeTransports()
	<-errCh
	return err
}

func (s *session) forwardFramed() error {
	requests := httpframe.NewDetector(s.engine.MaxMessageSize, httpframe.StripAcceptEncoding)
	responses := httpframe.NewDetector(s.engine.MaxMessageSize, s.responseRewrite())
	errCh := make(chan error, 2)
	go func() {
		errCh <- s.copyFramed(s.upstream, s.downstream, s.slot.In, requests, true, s.accountRequest)
	}()
	go func() {
		errCh <- s.copyFramed(s.downstream, s.upstream, s.slot.Out, responses, false, s.accountResponse)
	}()
	err := <-errCh
	s.closeTransports()
	<-errCh
	return err
}

// copyRaw pumps bytes from src to dst through the session's fixed buffer
// until either side fails or closes.
func (s *session) copyRaw(dst, src Transport, buf []byte, account func(int)) error {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			account(n)
			if writeErr := s.writeAll(dst, buf[:n]); writeErr != nil {
				return writeErr
			}
			s.touch()
		}
		if err != nil {
			return err
		}
	}
}

// copyFramed pumps one direction of a framing session, accumulating bytes
// until the detector yields complete messages and forwarding each message
// with a single write.
func (s *session) copyFramed(dst, src Transport, buf []byte, d *httpframe.Detector, isRequest bool, account func(int)) error {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			account(n)
			msgs, feedErr := d.Feed(buf[:n])
			for _, msg := range msgs {
				if writeErr := s.writeAll(dst, msg.Bytes()); writeErr != nil {
					return writeErr
				}
				s.touch()
				s.noteMessage(msg, isRequest)
				if !isRequest && atomic.LoadInt32(&s.closeSignal) == 1 {
					// The exchange asked for teardown and its response has
					// now been delivered.
					return io.EOF
				}
			}
			if feedErr != nil {
				return errors.New("Framing failed for %v: %v", s.sourceAddr, feedErr)
			}
		}
		if err != nil {
			return err
		}
	}
}

// noteMessage updates keep-alive state from a delivered message and, on
// responses, records the completed exchange.
func (s *session) noteMessage(msg *httpframe.Message, isRequest bool) {
	if msg.Close {
		atomic.StoreInt32(&s.keepAlive, 0)
		atomic.StoreInt32(&s.closeSignal, 1)
	} else if isRequest {
		atomic.StoreInt32(&s.keepAlive, 1)
	}
	if !isRequest {
		s.exchangeMu.Lock()
		s.finishExchangeLocked(telemetry.Success)
		s.exchangeMu.Unlock()
	}
}

func (s *session) responseRewrite() httpframe.RewriteFunc {
	if !s.engine.ServerTiming {
		return nil
	}
	return func(msg *httpframe.Message) {
		avg := s.engine.Opts.Telemetry.AvgTTFB()
		if avg <= 0 {
			return
		}
		h := &servertiming.Header{}
		h.NewMetric("bridge").Duration = avg
		msg.SetHeader(servertiming.HeaderKey, h.String())
	}
}

// writeAll writes b to dst under the bounded write deadline. A write that
// stays blocked past the deadline fails the session rather than wedging it.
func (s *session) writeAll(dst Transport, b []byte) error {
	for len(b) > 0 {
		if err := dst.SetWriteDeadline(time.Now().Add(s.engine.WriteTimeout)); err != nil {
			return err
		}
		n, err := dst.Write(b)
		b = b[n:]
		if err != nil {
			return err
		}
	}
	return nil
}

// accountRequest tracks bytes flowing toward the upstream. In raw mode, new
// request bytes arriving after response bytes mark an exchange boundary.
func (s *session) accountRequest(n int) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()
	if !s.engine.Framing && s.bytesOut > 0 {
		s.finishExchangeLocked(telemetry.Success)
	}
	if s.bytesIn == 0 {
		s.requestStart = time.Now()
		s.ttfb = 0
	}
	s.bytesIn += uint64(n)
}

// accountResponse tracks bytes flowing back toward the client and captures
// the time to first byte for the exchange in flight.
func (s *session) accountResponse(n int) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()
	if s.ttfb == 0 && !s.requestStart.IsZero() {
		s.ttfb = time.Since(s.requestStart)
	}
	s.bytesOut += uint64(n)
}

// finishExchangeLocked records the exchange in flight, if any, and resets
// the counters for the next one. Callers hold exchangeMu.
func (s *session) finishExchangeLocked(outcome telemetry.Outcome) {
	if s.bytesIn == 0 && s.bytesOut == 0 {
		return
	}
	s.engine.Opts.Telemetry.Record(telemetry.Entry{
		Timestamp:  time.Now(),
		SourceAddr: s.sourceAddr,
		BytesIn:    s.bytesIn,
		BytesOut:   s.bytesOut,
		TTFB:       s.ttfb,
		Outcome:    outcome,
	})
	forwardedBytes.WithLabelValues("in").Add(float64(s.bytesIn))
	forwardedBytes.WithLabelValues("out").Add(float64(s.bytesOut))
	exchangeOutcomes.WithLabelValues(outcome.String()).Inc()
	if outcome == telemetry.Success && s.ttfb > 0 {
		ttfbSeconds.Observe(s.ttfb.Seconds())
	}
	s.bytesIn, s.bytesOut, s.ttfb = 0, 0, 0
	s.requestStart = time.Time{}
}

// watchdog checks the session for idleness once per poll interval and tears
// the transports down when the effective idle timeout passes with no
// traffic.
func (s *session) watchdog() {
	ticker := time.NewTicker(s.engine.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&s.lastActivity))
			if time.Since(last) > s.effectiveIdleTimeout() {
				atomic.StoreInt32(&s.timedOut, 1)
				s.closeTransports()
				return
			}
		}
	}
}

// effectiveIdleTimeout is the configured idle timeout, stretched by the
// keep-alive multiplier while the session has keep-alive semantics.
func (s *session) effectiveIdleTimeout() time.Duration {
	timeout := s.engine.IdleTimeout
	if atomic.LoadInt32(&s.keepAlive) == 1 {
		timeout *= time.Duration(s.engine.KeepaliveMultiplier)
	}
	return timeout
}

func (s *session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *session) advanceTo(next sessionState) {
	for {
		cur := atomic.LoadInt32(&s.state)
		if sessionState(cur) >= next {
			return
		}
		if atomic.CompareAndSwapInt32(&s.state, cur, int32(next)) {
			return
		}
	}
}

func (s *session) setOutcome(o telemetry.Outcome) {
	atomic.StoreInt32(&s.outcome, int32(o))
}

// teardown drains the session and releases everything it holds. It runs on
// every path out of run, so a session can never leak its slot or its
// connections.
func (s *session) teardown() {
	s.advanceTo(stateDraining)
	outcome := telemetry.Outcome(atomic.LoadInt32(&s.outcome))
	if atomic.LoadInt32(&s.timedOut) == 1 {
		outcome = telemetry.Timeout
	}
	s.exchangeMu.Lock()
	s.finishExchangeLocked(outcome)
	s.exchangeMu.Unlock()
	s.closeTransports()
	s.advanceTo(stateClosed)
	close(s.done)
	s.slot.Release()
	s.cancel()
	log.Tracef("Session %v from %v closed", s.id, s.sourceAddr)
}

// closeTransports closes both ends exactly once, unblocking any copier still
// parked in a read or write.
func (s *session) closeTransports() {
	s.closeOnce.Do(func() {
		if closeErr := s.downstream.Close(); closeErr != nil {
			log.Tracef("Error closing downstream connection: %s", closeErr)
		}
		if s.upstream != nil {
			if closeErr := s.upstream.Close(); closeErr != nil {
				log.Tracef("Error closing upstream connection: %s", closeErr)
			}
		}
	})
}

// terminate forces the session shut from outside, used when the bridge
// itself is closing. Cancelling the context aborts a dial or handshake in
// flight and closing the downstream side unblocks forwarding.
func (s *session) terminate() {
	s.cancel()
	if closeErr := s.downstream.Close(); closeErr != nil {
		log.Tracef("Error closing downstream connection: %s", closeErr)
	}
}

func remoteAddrOf(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
