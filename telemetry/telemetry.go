// Package telemetry keeps a fixed-size log of recently completed exchanges
// along with a smoothed time-to-first-byte average, for inspection by status
// consumers without stalling the bridge.
package telemetry

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when no capacity is given.
const DefaultCapacity = 10

// ewmaWeight is the smoothing factor applied to each new TTFB sample.
const ewmaWeight = 0.2

// Outcome classifies how a bridged exchange ended.
type Outcome int

const (
	// Success means the exchange completed normally.
	Success Outcome = iota
	// Timeout means the session was closed for inactivity.
	Timeout
	// Error means the exchange ended on a connect, handshake or I/O fault.
	Error
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the outcome as its string form.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return []byte(`"` + o.String() + `"`), nil
}

// Entry records one completed request/response exchange.
type Entry struct {
	Timestamp  time.Time     `json:"timestamp"`
	SourceAddr string        `json:"source_addr"`
	BytesIn    uint64        `json:"bytes_in"`
	BytesOut   uint64        `json:"bytes_out"`
	TTFB       time.Duration `json:"ttfb_ns"`
	Outcome    Outcome       `json:"outcome"`
}

// Ring is a fixed-size circular log of the most recent exchanges. Writers
// overwrite the oldest entry once the ring is full. All methods are safe for
// concurrent use; the critical sections are bounded by the ring capacity.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	written uint64
	avgTTFB float64
	seeded  bool
}

// NewRing creates a ring holding up to capacity entries. Non-positive
// capacities fall back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Record appends entry, overwriting the oldest entry if the ring is full.
// The TTFB average only absorbs successful exchanges that measured a first
// response byte.
func (r *Ring) Record(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.written%uint64(len(r.entries))] = entry
	r.written++
	if entry.Outcome == Success && entry.TTFB > 0 {
		sample := float64(entry.TTFB)
		if !r.seeded {
			r.avgTTFB = sample
			r.seeded = true
			return
		}
		r.avgTTFB = (1-ewmaWeight)*r.avgTTFB + ewmaWeight*sample
	}
}

// Snapshot returns a copy of the recorded entries, most recent first. The
// result is independent of the ring and safe to hold across further writes.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	capacity := uint64(len(r.entries))
	n := r.written
	if n > capacity {
		n = capacity
	}
	out := make([]Entry, 0, n)
	for i := uint64(1); i <= n; i++ {
		out = append(out, r.entries[(r.written-i)%capacity])
	}
	return out
}

// AvgTTFB returns the exponentially weighted moving average of TTFB across
// successful exchanges, or zero if none have been recorded.
func (r *Ring) AvgTTFB() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.avgTTFB)
}

// Written returns the total number of entries ever recorded, including those
// already overwritten.
func (r *Ring) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Capacity returns the fixed number of entries the ring can hold.
func (r *Ring) Capacity() int {
	return len(r.entries)
}
