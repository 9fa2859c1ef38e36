package tlsbridge

import (
	"sync"
	"time"
)

// Slot is a pair of fixed-size working buffers, one per direction, owned by
// at most one session at a time.
type Slot struct {
	// In buffers downstream reads, Out buffers upstream reads.
	In  []byte
	Out []byte

	pool    *Pool
	release sync.Once
}

// Release returns the slot to its pool. Calling it more than once has no
// effect; a session's teardown is the only caller.
func (s *Slot) Release() {
	s.release.Do(func() {
		s.pool.free <- s
	})
}

// Pool is a fixed-capacity pool of buffer slots. It bounds concurrency by
// construction: when every slot is in use, Acquire fails rather than
// queueing or allocating, and the acceptor sheds the connection.
type Pool struct {
	free     chan *Slot
	capacity int
}

// NewPool creates a pool of capacity slots whose buffers are bufferSize
// bytes each. Non-positive arguments fall back to DefaultPoolCapacity and
// DefaultBufferSize.
func NewPool(capacity, bufferSize int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	p := &Pool{
		free:     make(chan *Slot, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.free <- &Slot{
			In:   make([]byte, bufferSize),
			Out:  make([]byte, bufferSize),
			pool: p,
		}
	}
	return p
}

// Acquire returns a free slot, waiting at most wait for one to be released.
// ok is false if none freed up in time.
func (p *Pool) Acquire(wait time.Duration) (slot *Slot, ok bool) {
	select {
	case slot = <-p.free:
		slot.release = sync.Once{}
		return slot, true
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case slot = <-p.free:
		slot.release = sync.Once{}
		return slot, true
	case <-timer.C:
		return nil, false
	}
}

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int {
	return p.capacity
}

// InUse returns how many slots are currently held by sessions.
func (p *Pool) InUse() int {
	return p.capacity - len(p.free)
}
