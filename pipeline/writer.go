package pipeline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
	"github.com/intellimaint/edge/util"
)

// Spiller receives batches the writer could not persist. The overflow sink
// implements it.
type Spiller interface {
	Spill(samples []model.TypedSample, source string) error
}

// WriterOptions tunes the batch writer.
type WriterOptions struct {
	BatchSize  int           // flush when this many samples accumulate
	FlushEvery time.Duration // flush whatever is buffered at this cadence
	MaxRetries int           // AppendBatch attempts beyond the first
	RetryBase  time.Duration // first retry delay; doubles up to 30 s
}

func (o *WriterOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
}

// maxRetryDelay caps the exponential retry schedule.
const maxRetryDelay = 30 * time.Second

// WriterStats is a point-in-time snapshot of writer counters.
type WriterStats struct {
	Written     int64
	Batches     int64
	Retries     int64
	Overflowed  int64
	LastWriteMs float64
	P95Ms       float64
	Buffered    int
}

// Writer is the single consumer of the writer dispatch target. It batches
// samples by size and time, persists them with bounded retries, and hands
// exhausted batches to the overflow sink so nothing it accepted is silently
// lost.
type Writer struct {
	in       <-chan model.TypedSample
	repo     store.TelemetryRepository
	overflow Spiller
	opts     WriterOptions
	clk      clock.Clock
	log      *zap.Logger

	written    atomic.Int64
	batches    atomic.Int64
	retries    atomic.Int64
	overflowed atomic.Int64
	lastMs     atomic.Float64
	latency    *util.LatencyWindow
	buffered   atomic.Int64
}

// NewWriter builds a writer reading from in.
func NewWriter(in <-chan model.TypedSample, repo store.TelemetryRepository,
	overflow Spiller, opts WriterOptions, clk clock.Clock, log *zap.Logger) *Writer {
	opts.defaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		in:       in,
		repo:     repo,
		overflow: overflow,
		opts:     opts,
		clk:      clk,
		log:      log.Named("writer"),
		latency:  util.NewLatencyWindow(100),
	}
}

// Run batches and persists until the input channel closes, then drains the
// residual buffer with an uncancellable write context so accepted samples
// survive shutdown.
func (w *Writer) Run(ctx context.Context) error {
	batch := make([]model.TypedSample, 0, w.opts.BatchSize)
	timer := w.clk.Timer(w.opts.FlushEvery)
	defer func() { timer.Stop() }()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		w.flush(flushCtx, batch)
		batch = batch[:0]
		w.buffered.Store(0)
	}

	for {
		select {
		case s, ok := <-w.in:
			if !ok {
				// Shutdown: the write must outlive the root cancellation.
				flush(context.WithoutCancel(ctx))
				return nil
			}
			batch = append(batch, s)
			w.buffered.Store(int64(len(batch)))
			if len(batch) >= w.opts.BatchSize {
				flush(ctx)
				timer.Stop()
				timer = w.clk.Timer(w.opts.FlushEvery)
			}
		case <-timer.C:
			flush(ctx)
			timer = w.clk.Timer(w.opts.FlushEvery)
		}
	}
}

// flush persists one batch, retrying with exponential backoff. When retries
// are exhausted the batch goes to the overflow sink.
func (w *Writer) flush(ctx context.Context, batch []model.TypedSample) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.RetryBase
	bo.Multiplier = 2
	bo.MaxInterval = maxRetryDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		start := w.clk.Now()
		err := w.repo.AppendBatch(ctx, batch)
		if err != nil {
			attempts++
			w.retries.Inc()
			metricWriterRetries.Inc()
			w.log.Warn("append batch failed",
				zap.Int("size", len(batch)),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return err
		}
		ms := float64(w.clk.Since(start)) / float64(time.Millisecond)
		w.latency.Observe(ms)
		w.lastMs.Store(ms)
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(w.opts.MaxRetries)), ctx))
	if err != nil {
		w.spill(batch, err)
		return
	}
	w.written.Add(int64(len(batch)))
	w.batches.Inc()
	metricWriterWritten.Add(float64(len(batch)))
	metricWriterBatches.Inc()
}

func (w *Writer) spill(batch []model.TypedSample, cause error) {
	w.overflowed.Add(int64(len(batch)))
	metricWriterOverflowed.Add(float64(len(batch)))
	w.log.Error("batch unpersistable, spilling to overflow",
		zap.Int("size", len(batch)), zap.Error(cause))
	if w.overflow == nil {
		return
	}
	if err := w.overflow.Spill(batch, "writer"); err != nil {
		// Best effort: the sink logs its own failures; the batch is gone.
		w.log.Error("overflow spill failed", zap.Error(err))
	}
}

// Stats snapshots the writer counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written:     w.written.Load(),
		Batches:     w.batches.Load(),
		Retries:     w.retries.Load(),
		Overflowed:  w.overflowed.Load(),
		LastWriteMs: w.lastMs.Load(),
		P95Ms:       w.latency.Percentile(95),
		Buffered:    int(w.buffered.Load()),
	}
}
