// Package pipeline moves typed samples from the collectors to their
// consumers: a bounded fan-in queue, a fan-out dispatcher with per-target
// drop accounting, and a batched time-series writer with an overflow path.
package pipeline

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/intellimaint/edge/model"
)

// DefaultCapacity bounds the fan-in queue when no capacity is configured.
const DefaultCapacity = 100000

// QueueStats is a point-in-time counter snapshot. The identity
// Received == Written + Dropped holds at any observation point.
type QueueStats struct {
	Received int64
	Written  int64
	Dropped  int64
	Depth    int
}

// Queue is the bounded fan-in buffer between all scan loops and the
// dispatcher. Writes never block: when the queue is full the oldest sample
// is evicted so the freshest data survives producer/consumer imbalance.
type Queue struct {
	ch       chan model.TypedSample
	received atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewQueue builds a queue holding up to capacity samples.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan model.TypedSample, capacity)}
}

// Offer enqueues a sample, evicting the oldest one when full. Implements
// collector.SampleSink. Offers after Close are counted as drops.
func (q *Queue) Offer(s model.TypedSample) {
	q.received.Inc()
	metricPipelineReceived.Inc()

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Inc()
		metricPipelineDropped.Inc()
		return
	}
	for {
		select {
		case q.ch <- s:
			q.written.Inc()
			metricPipelineWritten.Inc()
			metricPipelineDepth.Set(float64(len(q.ch)))
			return
		default:
		}
		// Full: evict the oldest and retry. The consumer may have raced us
		// to it, in which case the retry simply succeeds. The evicted sample
		// was counted written when it entered; reclassify it as dropped so
		// received == written + dropped stays true.
		select {
		case <-q.ch:
			q.written.Dec()
			q.dropped.Inc()
			metricPipelineDropped.Inc()
		default:
		}
	}
}

// C is the consume side. The dispatcher is the only reader.
func (q *Queue) C() <-chan model.TypedSample { return q.ch }

// Close stops intake and closes the channel so the dispatcher can drain to
// the end. Producers must already be stopped or their samples are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Stats returns the current counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Received: q.received.Load(),
		Written:  q.written.Load(),
		Dropped:  q.dropped.Load(),
		Depth:    len(q.ch),
	}
}
