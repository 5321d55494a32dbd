package resource

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilController(t *testing.T) {
	var c *Controller
	require.NoError(t, c.Acquire(context.Background()))
	assert.True(t, c.TryAcquire())
	c.Release()
	require.NoError(t, c.AcquireIO(context.Background(), 1<<30))
	assert.Zero(t, c.InFlight())
	assert.Zero(t, c.PoolSize())
}

func TestPoolBound(t *testing.T) {
	c := NewController(Config{PoolSize: 2})

	require.NoError(t, c.Acquire(context.Background()))
	require.True(t, c.TryAcquire())
	assert.False(t, c.TryAcquire())
	assert.Equal(t, int64(2), c.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Acquire(ctx), context.DeadlineExceeded)

	c.Release()
	require.NoError(t, c.Acquire(context.Background()))
	c.Release()
	c.Release()
	assert.Zero(t, c.InFlight())
}

func TestPoolConcurrency(t *testing.T) {
	c := NewController(Config{PoolSize: 3})
	var cur, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, c.Acquire(context.Background()))
			defer c.Release()
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Zero(t, c.Waiting())
}

func TestAcquireIOSplitsLargeRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	// Larger than the burst; must not fail with "exceeds burst".
	require.NoError(t, c.AcquireIO(context.Background(), 1<<20+10))
	assert.Equal(t, int64(1<<20+10), c.IOBytes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.AcquireIO(ctx, 1<<21))
}

func TestRateLimitedIO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)
	_, err := w.Write([]byte("generation"))
	require.NoError(t, err)

	r := NewRateLimitedReader(context.Background(), bytes.NewReader(buf.Bytes()), c)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "generation", string(data))
	assert.Equal(t, int64(20), c.IOBytes())
}
