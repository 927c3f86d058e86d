package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
)

type spillRecorder struct {
	mu      sync.Mutex
	batches [][]model.TypedSample
	sources []string
	err     error
}

func (r *spillRecorder) Spill(samples []model.TypedSample, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]model.TypedSample, len(samples))
	copy(cp, samples)
	r.batches = append(r.batches, cp)
	r.sources = append(r.sources, source)
	return r.err
}

func (r *spillRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func runWriter(t *testing.T, w *Writer) (wait func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	return func() { require.NoError(t, <-done) }
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	mem := store.NewMemory()
	in := make(chan model.TypedSample, 16)
	w := NewWriter(in, mem, nil, WriterOptions{BatchSize: 3, FlushEvery: time.Hour}, nil, zap.NewNop())
	wait := runWriter(t, w)

	for i := int64(1); i <= 3; i++ {
		in <- sample("Temp", i, float64(i))
	}
	close(in)
	wait()

	assert.Equal(t, 3, mem.PointCount())
	st := w.Stats()
	assert.Equal(t, int64(3), st.Written)
	assert.Equal(t, int64(1), st.Batches)
	assert.Equal(t, int64(0), st.Overflowed)
}

func TestWriterFlushesOnTimer(t *testing.T) {
	mem := store.NewMemory()
	in := make(chan model.TypedSample, 16)
	w := NewWriter(in, mem, nil, WriterOptions{BatchSize: 100, FlushEvery: 20 * time.Millisecond}, nil, zap.NewNop())
	wait := runWriter(t, w)

	in <- sample("Temp", 1, 1)
	assert.Eventually(t, func() bool { return mem.PointCount() == 1 },
		2*time.Second, 5*time.Millisecond, "partial batch flushes at the timer")

	close(in)
	wait()
}

func TestWriterRetriesThenOverflows(t *testing.T) {
	mem := store.NewMemory()
	mem.FailAppends(100, errors.New("disk full"))
	spill := &spillRecorder{}
	in := make(chan model.TypedSample, 16)
	w := NewWriter(in, mem, spill, WriterOptions{
		BatchSize:  2,
		FlushEvery: time.Hour,
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	}, nil, zap.NewNop())
	wait := runWriter(t, w)

	in <- sample("Temp", 1, 1.5)
	in <- sample("Temp", 2, 2.5)
	close(in)
	wait()

	require.Equal(t, 1, spill.count())
	assert.Len(t, spill.batches[0], 2, "the whole batch reaches the sink verbatim")
	assert.Equal(t, int64(1), spill.batches[0][0].Ts)
	assert.Equal(t, "writer", spill.sources[0])

	st := w.Stats()
	assert.Equal(t, int64(2), st.Overflowed, "overflowed counts samples, not batches")
	assert.Equal(t, int64(3), st.Retries, "initial attempt plus two retries")
	assert.Equal(t, int64(0), st.Written)
	assert.Equal(t, 0, mem.PointCount())
}

func TestWriterRecoversAfterTransientFailure(t *testing.T) {
	mem := store.NewMemory()
	mem.FailAppends(1, errors.New("connection reset"))
	in := make(chan model.TypedSample, 16)
	w := NewWriter(in, mem, nil, WriterOptions{
		BatchSize:  2,
		FlushEvery: time.Hour,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
	}, nil, zap.NewNop())
	wait := runWriter(t, w)

	in <- sample("Temp", 1, 1)
	in <- sample("Temp", 2, 2)
	close(in)
	wait()

	assert.Equal(t, 2, mem.PointCount())
	st := w.Stats()
	assert.Equal(t, int64(2), st.Written)
	assert.Equal(t, int64(1), st.Retries)
	assert.Equal(t, int64(0), st.Overflowed)
}

func TestWriterDrainsResidualOnClose(t *testing.T) {
	mem := store.NewMemory()
	in := make(chan model.TypedSample, 16)
	w := NewWriter(in, mem, nil, WriterOptions{BatchSize: 100, FlushEvery: time.Hour}, nil, zap.NewNop())
	wait := runWriter(t, w)

	in <- sample("Temp", 1, 1)
	in <- sample("Temp", 2, 2)
	close(in)
	wait()

	assert.Equal(t, 2, mem.PointCount(), "residual buffer persisted on shutdown")
}
