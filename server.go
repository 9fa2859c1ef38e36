package tlsbridge

import (
	"context"
	"net"

	"github.com/getlantern/errors"
)

// Serve accepts connections from l and bridges each one in its own
// goroutine. Transient accept failures are logged and do not stop the
// acceptor. Serve returns nil after Close, or an error if the listener
// failed outright.
func (e *engine) Serve(l net.Listener) error {
	if !e.trackListener(l) {
		if closeErr := l.Close(); closeErr != nil {
			log.Tracef("Error closing listener: %s", closeErr)
		}
		return errors.New("Bridge is closed")
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			if e.isClosed() {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				log.Errorf("Transient error accepting connection: %v", err)
				continue
			}
			return errors.New("Unable to accept: %v", err)
		}
		go func() {
			if err := e.Handle(context.Background(), nil, conn); err != nil {
				if err == ErrPoolExhausted {
					log.Debugf("Shed connection from %v: %v", conn.RemoteAddr(), err)
				} else {
					log.Errorf("Error handling connection from %v: %v", conn.RemoteAddr(), err)
				}
			}
		}()
	}
}

// Close stops all listeners and terminates every active session. It is safe
// to call more than once.
func (e *engine) Close() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	listeners := e.listeners
	e.listeners = nil
	sessions := make([]*session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		if closeErr := l.Close(); closeErr != nil {
			log.Tracef("Error closing listener: %s", closeErr)
		}
	}
	for _, s := range sessions {
		s.terminate()
	}
	return nil
}

func (e *engine) trackListener(l net.Listener) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.listeners = append(e.listeners, l)
	return true
}

func (e *engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *engine) register(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.sessions[s] = struct{}{}
	return true
}

func (e *engine) unregister(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s)
}
