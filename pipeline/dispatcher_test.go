package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

func TestDispatcherFanOut(t *testing.T) {
	q := NewQueue(16)
	d := NewDispatcher(q, 10*time.Millisecond, zap.NewNop())
	a := d.AddTarget("writer", 8)
	b := d.AddTarget("threshold", 8)

	for i := int64(1); i <= 5; i++ {
		q.Offer(sample("Temp", i, float64(i)))
	}
	q.Close()
	require.NoError(t, d.Run(context.Background()))

	for want := int64(1); want <= 5; want++ {
		sa := <-a.C()
		sb := <-b.C()
		assert.Equal(t, want, sa.Ts, "each target sees queue order")
		assert.Equal(t, want, sb.Ts)
	}
	_, ok := <-a.C()
	assert.False(t, ok, "targets close when the queue drains")
}

func TestDispatcherSlowConsumerDoesNotBlockSiblings(t *testing.T) {
	q := NewQueue(16)
	d := NewDispatcher(q, 10*time.Millisecond, zap.NewNop())
	writer := d.AddTarget("writer", 1)
	threshold := d.AddTarget("threshold", 8)

	// Nobody reads writer: its queue holds one sample, the next overflows.
	q.Offer(sample("Temp", 1, 70))
	q.Offer(sample("Temp", 2, 82))
	q.Close()

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- d.Run(context.Background()) }()
	require.NoError(t, <-done)
	elapsed := time.Since(start)

	// The threshold target still observed both samples.
	s1 := <-threshold.C()
	s2 := <-threshold.C()
	assert.Equal(t, int64(1), s1.Ts)
	assert.Equal(t, int64(2), s2.Ts)

	var ws TargetStats
	for _, st := range d.Stats() {
		if st.Name == "writer" {
			ws = st
		}
	}
	assert.Equal(t, int64(1), ws.SlowPath, "second sample took the slow path")
	assert.Equal(t, int64(1), ws.Dropped, "and was dropped at the deadline")
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "one slow target cannot stall dispatch")

	// Pipeline-level counters are unaffected by target drops.
	assert.Equal(t, int64(0), q.Stats().Dropped)
}

func TestDispatcherSeparatesSlowPathFromDrop(t *testing.T) {
	q := NewQueue(16)
	d := NewDispatcher(q, 50*time.Millisecond, zap.NewNop())
	tgt := d.AddTarget("roc", 1)

	q.Offer(sample("Temp", 1, 0))
	q.Offer(sample("Temp", 2, 0))
	q.Close()

	// Drain the target concurrently so the slow path wait succeeds.
	got := make(chan model.TypedSample, 4)
	go func() {
		for s := range tgt.C() {
			got <- s
			time.Sleep(5 * time.Millisecond)
		}
		close(got)
	}()
	require.NoError(t, d.Run(context.Background()))

	var n int
	for range got {
		n++
	}
	assert.Equal(t, 2, n)

	st := d.Stats()[0]
	assert.Equal(t, int64(1), st.SlowPath, "refused once while the buffer was full")
	assert.Equal(t, int64(0), st.Dropped, "but delivered within the deadline")
}
