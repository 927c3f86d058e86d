package collector

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// SampleSink receives typed samples from scan loops. The pipeline implements
// it; tests substitute a recorder.
type SampleSink interface {
	Offer(model.TypedSample)
}

// loop polls one (endpoint, scan group) pair. Loops are independent: a
// faulty group backs off on its own and cannot starve its siblings beyond
// the shared connection clamp.
type loop struct {
	ep     *model.EndpointDescriptor
	group  model.ScanGroup
	pool   *Pool
	health *HealthTracker
	sink   SampleSink
	clk    clock.Clock
	log    *zap.Logger
	seq    *atomic.Int64

	skip map[string]bool // tags disabled for this run (BAD_TAG)
}

func newLoop(ep *model.EndpointDescriptor, group model.ScanGroup, pool *Pool,
	health *HealthTracker, sink SampleSink, clk clock.Clock, seq *atomic.Int64, log *zap.Logger) *loop {
	return &loop{
		ep:     ep,
		group:  group,
		pool:   pool,
		health: health,
		sink:   sink,
		clk:    clk,
		seq:    seq,
		log: log.With(
			zap.String("endpoint", ep.EndpointID),
			zap.String("group", group.Name)),
		skip: map[string]bool{},
	}
}

func (l *loop) run(ctx context.Context) {
	interval := time.Duration(l.group.ScanIntervalMs) * time.Millisecond
	l.log.Info("scan loop started",
		zap.Duration("interval", interval),
		zap.Int("tags", len(l.group.Tags)))
	for {
		start := l.clk.Now()
		l.iterate(ctx, interval)

		delay := interval - l.clk.Since(start)
		if delay < 0 {
			delay = 0
		}
		// An open backoff window always wins over the scan cadence.
		if retryAt, ok := l.pool.RetryAt(l.ep.EndpointID); ok {
			if wait := retryAt.Sub(l.clk.Now()); wait > delay {
				delay = wait
			}
		}
		if !l.sleep(ctx, delay) {
			l.log.Info("scan loop stopped")
			return
		}
	}
}

func (l *loop) iterate(ctx context.Context, interval time.Duration) {
	tags := l.activeTags()
	if len(tags) == 0 {
		return
	}

	h, err := l.pool.Acquire(ctx, l.ep)
	if err != nil {
		l.observeFailure(err)
		return
	}
	l.health.SetConnections(l.ep.EndpointID, l.ep.Protocol, l.pool.Active(l.ep.EndpointID))

	readCtx, cancel := context.WithTimeout(ctx, interval)
	readStart := l.clk.Now()
	results, err := h.ReadBatch(readCtx, tags)
	cancel()
	latencyMs := float64(l.clk.Since(readStart)) / float64(time.Millisecond)

	if err != nil {
		h.Discard(context.Background())
		l.health.SetConnections(l.ep.EndpointID, l.ep.Protocol, l.pool.Active(l.ep.EndpointID))
		l.observeFailure(err)
		return
	}
	h.Release()
	l.health.SetConnections(l.ep.EndpointID, l.ep.Protocol, l.pool.Active(l.ep.EndpointID))

	healthy := 0
	for i, rv := range results {
		if i >= len(tags) {
			break
		}
		tag := tags[i]
		if rv.Err != nil {
			l.observeTagFailure(tag, rv.Err)
			continue
		}
		if l.emit(tag, rv) {
			healthy++
		}
	}
	l.health.ObserveSuccess(l.ep.EndpointID, l.ep.Protocol, l.group.Name, latencyMs, healthy, len(l.group.Tags))
}

// emit maps one raw value and offers it downstream. Returns false when the
// sample was dropped on a type contract violation.
func (l *loop) emit(tag model.TagDescriptor, rv RawValue) bool {
	vt, err := MapType(tag.TagID, tag.DeclaredType, rv.Value)
	if err != nil {
		// A bad declared type can never succeed; stop rereading it.
		l.skip[tag.TagID] = true
		l.log.Warn("tag disabled: unresolvable type", zap.String("tag", tag.TagID), zap.Error(err))
		return false
	}
	meta := model.SampleMeta{
		DeviceID: tag.DeviceID,
		TagID:    tag.TagID,
		Ts:       l.clk.Now().UnixMilli(),
		Seq:      l.seq.Inc(),
		Quality:  rv.Quality,
		Unit:     tag.Unit,
		Protocol: l.ep.Protocol,
	}
	s, err := MapValue(meta, vt, rv.Value)
	if err != nil {
		l.health.ObserveTypeMismatch(l.ep.EndpointID, l.ep.Protocol)
		l.log.Debug("sample dropped", zap.Error(err))
		return false
	}
	l.sink.Offer(s)
	return true
}

func (l *loop) observeTagFailure(tag model.TagDescriptor, err error) {
	kind := model.ClassifyError(err)
	if kind == model.KindBadTag {
		l.skip[tag.TagID] = true
		l.log.Warn("tag disabled for this run",
			zap.String("tag", tag.TagID),
			zap.String("address", tag.Address),
			zap.Error(err))
		return
	}
	l.health.ObserveError(l.ep.EndpointID, l.ep.Protocol, kind, err)
}

func (l *loop) observeFailure(err error) {
	kind := model.ClassifyError(err)
	l.health.ObserveError(l.ep.EndpointID, l.ep.Protocol, kind, err)

	// Already inside a backoff window; the run loop sleeps until it closes.
	var faulted *model.PoolFaultedError
	if errors.As(err, &faulted) {
		return
	}
	switch kind {
	case model.KindNoRoute, model.KindTooManyConn:
		l.pool.MarkFaulted(l.ep.EndpointID, kind.String())
	case model.KindTimeout:
		l.pool.MarkDegraded(l.ep.EndpointID, kind.String())
	}
}

func (l *loop) activeTags() []model.TagDescriptor {
	out := make([]model.TagDescriptor, 0, len(l.group.Tags))
	for _, tg := range l.group.Tags {
		if tg.Enabled && !l.skip[tg.TagID] {
			out = append(out, tg)
		}
	}
	return out
}

func (l *loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := l.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
