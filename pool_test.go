package tlsbridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAdmission(t *testing.T) {
	p := NewPool(2, 64)
	assert.Equal(t, 2, p.Capacity())
	assert.Equal(t, 0, p.InUse())

	first, ok := p.Acquire(10 * time.Millisecond)
	require.True(t, ok)
	second, ok := p.Acquire(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 2, p.InUse())

	// Full pool: the bounded wait elapses and the caller is rejected.
	start := time.Now()
	_, ok = p.Acquire(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	first.Release()
	assert.Equal(t, 1, p.InUse())
	third, ok := p.Acquire(10 * time.Millisecond)
	require.True(t, ok)

	second.Release()
	third.Release()
	assert.Equal(t, 0, p.InUse())
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	p := NewPool(1, 64)
	slot, ok := p.Acquire(10 * time.Millisecond)
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		slot.Release()
	}()

	reacquired, ok := p.Acquire(500 * time.Millisecond)
	require.True(t, ok)
	reacquired.Release()
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	p := NewPool(1, 64)
	slot, ok := p.Acquire(10 * time.Millisecond)
	require.True(t, ok)

	slot.Release()
	slot.Release()
	assert.Equal(t, 0, p.InUse())

	// The duplicate release must not have produced a phantom free slot.
	again, ok := p.Acquire(10 * time.Millisecond)
	require.True(t, ok)
	_, ok = p.Acquire(10 * time.Millisecond)
	assert.False(t, ok)
	again.Release()
}

func TestPoolBufferDimensions(t *testing.T) {
	p := NewPool(1, 512)
	slot, ok := p.Acquire(10 * time.Millisecond)
	require.True(t, ok)
	assert.Len(t, slot.In, 512)
	assert.Len(t, slot.Out, 512)
	slot.Release()

	defaulted := NewPool(0, 0)
	assert.Equal(t, DefaultPoolCapacity, defaulted.Capacity())
	slot, ok = defaulted.Acquire(10 * time.Millisecond)
	require.True(t, ok)
	assert.Len(t, slot.In, DefaultBufferSize)
	slot.Release()
}

func TestPoolConcurrentChurn(t *testing.T) {
	p := NewPool(4, 64)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				slot, ok := p.Acquire(time.Second)
				if !ok {
					continue
				}
				slot.In[0] = byte(j)
				slot.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.InUse())
}

func BenchmarkPool(b *testing.B) {
	b.ReportAllocs()

	p := NewPool(4, DefaultBufferSize)
	for i := 0; i < b.N; i++ {
		slot, ok := p.Acquire(time.Second)
		if !ok {
			b.Fatal("no slot")
		}
		slot.Release()
	}
}
