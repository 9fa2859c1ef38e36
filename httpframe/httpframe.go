// Package httpframe detects HTTP/1.x message boundaries in a byte stream.
//
// A Detector accumulates bytes from one direction of a bridged connection
// and reports each message only once it is complete (headers plus the body
// the headers declare), so the caller can rewrite headers and forward the
// message as a single atomic write. The detector never interprets message
// semantics beyond framing: bodies, including chunked framing, pass through
// exactly as received.
package httpframe

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/getlantern/errors"
)

// DefaultMaxMessageSize bounds accumulation when no limit is configured.
const DefaultMaxMessageSize = 64 << 10

var (
	// ErrMessageTooLarge is returned when a message exceeds the detector's
	// maximum size before completing. The stream cannot be reframed after
	// this; the connection carrying it should be torn down.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrMalformedMessage is returned when the stream cannot be parsed as an
	// HTTP/1.x message. Like ErrMessageTooLarge it is terminal.
	ErrMalformedMessage = errors.New("malformed message")
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Header is one message header, in original order and case.
type Header struct {
	Name  string
	Value string
}

// Message is one complete HTTP message held for forwarding.
type Message struct {
	// StartLine is the request line or status line without the trailing CRLF.
	StartLine string
	// Headers preserves the order and spelling found on the wire.
	Headers []Header
	// Body holds the raw body bytes exactly as received. When the message
	// used chunked transfer encoding this includes the chunk framing and
	// terminal marker.
	Body []byte
	// Close reports that this message signaled the end of the connection,
	// either via "Connection: close" or by being HTTP/1.0 without a
	// keep-alive request.
	Close bool

	raw   []byte
	dirty bool
}

// Header returns the value of the first header matching name,
// case-insensitively.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// DeleteHeader removes every header matching name and reports whether any
// were removed.
func (m *Message) DeleteHeader(name string) bool {
	kept := m.Headers[:0]
	removed := false
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			removed = true
			continue
		}
		kept = append(kept, h)
	}
	m.Headers = kept
	if removed {
		m.dirty = true
	}
	return removed
}

// SetHeader replaces the first header matching name, removing any other
// occurrences, or appends the header if none matched.
func (m *Message) SetHeader(name, value string) {
	m.dirty = true
	for i := range m.Headers {
		if strings.EqualFold(m.Headers[i].Name, name) {
			m.Headers[i].Value = value
			rest := m.Headers[i+1:]
			kept := m.Headers[:i+1]
			for _, h := range rest {
				if !strings.EqualFold(h.Name, name) {
					kept = append(kept, h)
				}
			}
			m.Headers = kept
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// AddHeader appends a header regardless of existing occurrences.
func (m *Message) AddHeader(name, value string) {
	m.dirty = true
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Bytes returns the wire form of the message. Messages with untouched
// headers serialize byte-identically to what was received; edited messages
// re-serialize their header block with "Name: value" spacing, leaving the
// body untouched.
func (m *Message) Bytes() []byte {
	if !m.dirty && m.raw != nil {
		return m.raw
	}
	var b bytes.Buffer
	b.Grow(len(m.StartLine) + len(m.Body) + 2 + 32*len(m.Headers))
	b.WriteString(m.StartLine)
	b.Write(crlf)
	for _, h := range m.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.Write(crlf)
	}
	b.Write(crlf)
	b.Write(m.Body)
	return b.Bytes()
}

// RewriteFunc edits a complete message before it is serialized for
// forwarding.
type RewriteFunc func(*Message)

// StripAcceptEncoding removes the Accept-Encoding request header so the peer
// answers with an identity encoding the bridge can frame.
func StripAcceptEncoding(m *Message) {
	m.DeleteHeader("Accept-Encoding")
}

type state int

const (
	awaitingHeaders state = iota
	awaitingFixedBody
	awaitingChunkedBody
)

type chunkPhase int

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataCRLF
	chunkTrailers
)

// Detector incrementally frames one direction of a connection.
//
// Feed bytes as they arrive; each call returns the messages that completed
// as a result. State resets automatically after each complete message, so
// one Detector frames an entire keep-alive connection.
type Detector struct {
	maxSize int
	rewrite RewriteFunc
	failed  error

	buf      []byte
	state    state
	scanFrom int

	msg       *Message
	headerEnd int
	bodyEnd   int

	chunkPhase  chunkPhase
	chunkPos    int
	chunkRemain int
}

// NewDetector creates a Detector that accumulates at most maxSize bytes per
// message (DefaultMaxMessageSize if non-positive). If rewrite is non-nil it
// is applied to every message before the message is returned.
func NewDetector(maxSize int, rewrite RewriteFunc) *Detector {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Detector{maxSize: maxSize, rewrite: rewrite}
}

// Feed appends p to the accumulated stream and returns the messages that
// completed, in order. No messages with a nil error means more input is
// needed. A non-nil error is terminal: any returned messages completed
// before the fault and may still be forwarded, but the stream can no longer
// be framed and every subsequent Feed returns the same error.
func (d *Detector) Feed(p []byte) ([]*Message, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	d.buf = append(d.buf, p...)
	var msgs []*Message
	for {
		msg, err := d.advance()
		if err != nil {
			d.failed = err
			return msgs, err
		}
		if msg == nil {
			return msgs, nil
		}
		msgs = append(msgs, msg)
	}
}

// Buffered returns the number of accumulated bytes not yet part of a
// complete message.
func (d *Detector) Buffered() int {
	return len(d.buf)
}

func (d *Detector) advance() (*Message, error) {
	for {
		switch d.state {
		case awaitingHeaders:
			idx := bytes.Index(d.buf[d.scanFrom:], crlfcrlf)
			if idx < 0 {
				// The terminator can straddle the next read, so keep the
				// last three bytes in scan range.
				if len(d.buf) >= 3 {
					d.scanFrom = len(d.buf) - 3
				}
				return d.needMore()
			}
			headerEnd := d.scanFrom + idx + 4
			if headerEnd > d.maxSize {
				return nil, ErrMessageTooLarge
			}
			msg, contentLength, chunked, err := parseHeaderBlock(d.buf[:headerEnd])
			if err != nil {
				return nil, err
			}
			d.msg = msg
			d.headerEnd = headerEnd
			switch {
			case chunked:
				d.state = awaitingChunkedBody
				d.chunkPhase = chunkSize
				d.chunkPos = headerEnd
			case contentLength > 0:
				if headerEnd+contentLength > d.maxSize {
					return nil, ErrMessageTooLarge
				}
				d.bodyEnd = headerEnd + contentLength
				d.state = awaitingFixedBody
			default:
				return d.complete(headerEnd)
			}

		case awaitingFixedBody:
			if len(d.buf) < d.bodyEnd {
				return d.needMore()
			}
			return d.complete(d.bodyEnd)

		case awaitingChunkedBody:
			msg, progressed, err := d.advanceChunked()
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
			if !progressed {
				return d.needMore()
			}
		}
	}
}

func (d *Detector) advanceChunked() (*Message, bool, error) {
	switch d.chunkPhase {
	case chunkSize:
		rem := d.buf[d.chunkPos:]
		nl := bytes.Index(rem, crlf)
		if nl < 0 {
			return nil, false, nil
		}
		line := string(rem[:nl])
		if semi := strings.IndexByte(line, ';'); semi >= 0 {
			// Chunk extensions are forwarded but never interpreted.
			line = line[:semi]
		}
		size, err := strconv.ParseUint(strings.TrimSpace(line), 16, 32)
		if err != nil {
			return nil, false, ErrMalformedMessage
		}
		d.chunkPos += nl + 2
		if size == 0 {
			d.chunkPhase = chunkTrailers
		} else {
			d.chunkRemain = int(size)
			d.chunkPhase = chunkData
		}
		return nil, true, nil

	case chunkData:
		if len(d.buf)-d.chunkPos < d.chunkRemain {
			return nil, false, nil
		}
		d.chunkPos += d.chunkRemain
		d.chunkRemain = 0
		d.chunkPhase = chunkDataCRLF
		return nil, true, nil

	case chunkDataCRLF:
		if len(d.buf)-d.chunkPos < 2 {
			return nil, false, nil
		}
		if d.buf[d.chunkPos] != '\r' || d.buf[d.chunkPos+1] != '\n' {
			return nil, false, ErrMalformedMessage
		}
		d.chunkPos += 2
		d.chunkPhase = chunkSize
		return nil, true, nil

	default: // chunkTrailers
		rem := d.buf[d.chunkPos:]
		if len(rem) >= 2 && rem[0] == '\r' && rem[1] == '\n' {
			msg, err := d.complete(d.chunkPos + 2)
			return msg, true, err
		}
		idx := bytes.Index(rem, crlfcrlf)
		if idx < 0 {
			return nil, false, nil
		}
		msg, err := d.complete(d.chunkPos + idx + 4)
		return msg, true, err
	}
}

func (d *Detector) needMore() (*Message, error) {
	if len(d.buf) > d.maxSize {
		return nil, ErrMessageTooLarge
	}
	return nil, nil
}

func (d *Detector) complete(total int) (*Message, error) {
	if total > d.maxSize {
		return nil, ErrMessageTooLarge
	}
	raw := make([]byte, total)
	copy(raw, d.buf[:total])
	msg := d.msg
	msg.raw = raw
	msg.Body = raw[d.headerEnd:]

	rest := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]
	d.state = awaitingHeaders
	d.scanFrom = 0
	d.msg = nil
	d.headerEnd = 0
	d.bodyEnd = 0
	d.chunkPhase = chunkSize
	d.chunkPos = 0
	d.chunkRemain = 0

	if d.rewrite != nil {
		d.rewrite(msg)
	}
	return msg, nil
}

func parseHeaderBlock(block []byte) (msg *Message, contentLength int, chunked bool, err error) {
	lines := strings.Split(string(block[:len(block)-4]), "\r\n")
	first := lines[0]
	if first == "" || first[0] == ' ' || first[0] == '\t' || !strings.Contains(first, "HTTP/") {
		return nil, 0, false, ErrMalformedMessage
	}
	msg = &Message{StartLine: first}
	contentLength = -1
	for _, line := range lines[1:] {
		if line == "" {
			return nil, 0, false, ErrMalformedMessage
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Obsolete line folding: continuation of the previous value.
			if len(msg.Headers) == 0 {
				return nil, 0, false, ErrMalformedMessage
			}
			last := &msg.Headers[len(msg.Headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, false, ErrMalformedMessage
		}
		msg.Headers = append(msg.Headers, Header{
			Name:  line[:colon],
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}

	for _, h := range msg.Headers {
		switch {
		case strings.EqualFold(h.Name, "Transfer-Encoding"):
			if valueHasToken(h.Value, "chunked") {
				chunked = true
			}
		case strings.EqualFold(h.Name, "Content-Length"):
			n, parseErr := strconv.Atoi(strings.TrimSpace(h.Value))
			if parseErr != nil || n < 0 {
				return nil, 0, false, ErrMalformedMessage
			}
			contentLength = n
		}
	}
	msg.Close = closeRequested(msg)
	return msg, contentLength, chunked, nil
}

func closeRequested(m *Message) bool {
	conn, ok := m.Header("Connection")
	if ok && valueHasToken(conn, "close") {
		return true
	}
	if protoOneDotZero(m.StartLine) {
		return !(ok && valueHasToken(conn, "keep-alive"))
	}
	return false
}

func protoOneDotZero(startLine string) bool {
	if strings.HasPrefix(startLine, "HTTP/") {
		return strings.HasPrefix(startLine, "HTTP/1.0")
	}
	return strings.HasSuffix(startLine, "HTTP/1.0")
}

func valueHasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
