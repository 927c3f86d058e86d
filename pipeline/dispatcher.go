package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// DefaultDispatchTimeout is how long the dispatcher waits on a lagging
// target before dropping the sample for that target.
const DefaultDispatchTimeout = 10 * time.Millisecond

// Target is one bounded consumer queue fed by the dispatcher. Consumers
// range over C(); the channel closes when the pipeline drains on shutdown.
type Target struct {
	name     string
	ch       chan model.TypedSample
	slowPath atomic.Int64
	dropped  atomic.Int64
}

// C is the consume side of the target.
func (t *Target) C() <-chan model.TypedSample { return t.ch }

// Name identifies the target in stats and metrics.
func (t *Target) Name() string { return t.name }

// TargetStats is a point-in-time counter snapshot for one target.
type TargetStats struct {
	Name     string
	SlowPath int64 // immediate hand-off refused, slow path taken
	Dropped  int64 // dispatch deadline expired
	Depth    int
}

// Dispatcher replicates every queued sample to all registered targets. The
// fast path is a non-blocking write per target; targets that refuse get one
// bounded concurrent wait, after which the sample is dropped for that target
// only. A slow consumer can never block its siblings or the fan-in queue
// beyond the visible depths.
type Dispatcher struct {
	queue   *Queue
	timeout time.Duration
	log     *zap.Logger
	targets []*Target
}

// NewDispatcher builds a dispatcher over the fan-in queue.
func NewDispatcher(queue *Queue, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{queue: queue, timeout: timeout, log: log.Named("dispatch")}
}

// AddTarget registers a named consumer queue. Must be called before Run.
func (d *Dispatcher) AddTarget(name string, capacity int) *Target {
	t := &Target{name: name, ch: make(chan model.TypedSample, capacity)}
	d.targets = append(d.targets, t)
	return t
}

// Run fans samples out until the queue channel closes, then closes every
// target so consumers drain and exit. A cancelled ctx aborts the residual
// drain but still closes the targets.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		for _, t := range d.targets {
			close(t.ch)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			d.drainFast()
			return ctx.Err()
		case s, ok := <-d.queue.C():
			if !ok {
				return nil
			}
			d.dispatch(ctx, s)
			metricPipelineDepth.Set(float64(len(d.queue.ch)))
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, s model.TypedSample) {
	var lagging []*Target
	for _, t := range d.targets {
		select {
		case t.ch <- s:
		default:
			t.slowPath.Inc()
			metricDispatchSlowPath.WithLabelValues(t.name).Inc()
			lagging = append(lagging, t)
		}
	}
	if len(lagging) == 0 {
		return
	}

	// Slow path: wait on all lagging targets concurrently under one hard
	// deadline, so the worst case cost per sample is the timeout, not
	// timeout x len(lagging).
	waitCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, t := range lagging {
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			select {
			case t.ch <- s:
			case <-waitCtx.Done():
				t.dropped.Inc()
				metricDispatchDropped.WithLabelValues(t.name).Inc()
			}
		}(t)
	}
	wg.Wait()
}

// drainFast empties whatever remains of the queue with try-writes only;
// used when the context is cancelled instead of an orderly queue close.
func (d *Dispatcher) drainFast() {
	for {
		select {
		case s, ok := <-d.queue.C():
			if !ok {
				return
			}
			for _, t := range d.targets {
				select {
				case t.ch <- s:
				default:
					t.dropped.Inc()
					metricDispatchDropped.WithLabelValues(t.name).Inc()
				}
			}
		default:
			return
		}
	}
}

// Stats snapshots the counters of every target.
func (d *Dispatcher) Stats() []TargetStats {
	out := make([]TargetStats, 0, len(d.targets))
	for _, t := range d.targets {
		out = append(out, TargetStats{
			Name:     t.name,
			SlowPath: t.slowPath.Load(),
			Dropped:  t.dropped.Load(),
			Depth:    len(t.ch),
		})
	}
	return out
}
