package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

func newTestLoop(t *testing.T, d *stubDialer) (*loop, *recorder, *HealthTracker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	pool := NewPool(d.dial, mock, zap.NewNop())
	health := NewHealthTracker()
	sink := &recorder{}
	ep := testEndpoint("")
	seq := atomic.NewInt64(0)
	l := newLoop(ep, ep.ScanGroups[0], pool, health, sink, mock, seq, zap.NewNop())
	return l, sink, health, mock
}

func TestLoopIterateEmitsTypedSamples(t *testing.T) {
	d := &stubDialer{}
	l, sink, health, _ := newTestLoop(t, d)

	l.iterate(context.Background(), 100*time.Millisecond)

	samples := sink.all()
	require.Len(t, samples, 2)
	for i, s := range samples {
		assert.True(t, s.IsValid())
		assert.Equal(t, model.TypeFloat32, s.ValueType)
		assert.Equal(t, "press-01", s.DeviceID)
		assert.Equal(t, "cip", s.Protocol)
		assert.Equal(t, int64(i+1), s.Seq, "seq is monotonic")
		assert.Equal(t, model.QualityGood, s.Quality)
	}
	assert.Equal(t, "Temp", samples[0].TagID)
	assert.Equal(t, "Rpm", samples[1].TagID)

	h, ok := health.Snapshot("press-01")
	require.True(t, ok)
	assert.Equal(t, model.StateConnected, h.State)
	assert.Equal(t, 2, h.HealthyTags)
	assert.Equal(t, 2, h.TotalTags)
	assert.Zero(t, h.ConsecutiveErrors)
}

func TestLoopBadTagSkipList(t *testing.T) {
	d := &stubDialer{readFn: func(tags []model.TagDescriptor) ([]RawValue, error) {
		out := make([]RawValue, len(tags))
		for i, tg := range tags {
			if tg.TagID == "Rpm" {
				out[i] = RawValue{Err: model.Classified(model.KindBadTag, errors.New("tag does not exist"))}
				continue
			}
			out[i] = RawValue{Value: float32(21.5), Quality: model.QualityGood}
		}
		return out, nil
	}}
	l, sink, health, _ := newTestLoop(t, d)

	l.iterate(context.Background(), 100*time.Millisecond)
	require.Len(t, sink.all(), 1)
	assert.True(t, l.skip["Rpm"])

	// The skipped tag is not read again.
	l.iterate(context.Background(), 100*time.Millisecond)
	samples := sink.all()
	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.Equal(t, "Temp", s.TagID)
	}

	h, _ := health.Snapshot("press-01")
	assert.Equal(t, model.StateConnected, h.State, "a bad tag does not degrade the endpoint")
	assert.Equal(t, 1, h.HealthyTags)
	assert.Equal(t, 2, h.TotalTags)
}

func TestLoopTypeMismatchDropsSample(t *testing.T) {
	d := &stubDialer{readFn: func(tags []model.TagDescriptor) ([]RawValue, error) {
		out := make([]RawValue, len(tags))
		for i, tg := range tags {
			if tg.TagID == "Rpm" {
				out[i] = RawValue{Value: int32(9), Quality: model.QualityGood} // REAL expected
				continue
			}
			out[i] = RawValue{Value: float32(1), Quality: model.QualityGood}
		}
		return out, nil
	}}
	l, sink, health, _ := newTestLoop(t, d)

	l.iterate(context.Background(), 100*time.Millisecond)

	require.Len(t, sink.all(), 1, "mismatched sample is dropped, loop continues")
	h, _ := health.Snapshot("press-01")
	assert.Equal(t, int64(1), h.TypeMismatchCount)
	assert.Equal(t, 1, h.HealthyTags)
	assert.False(t, l.skip["Rpm"], "a value mismatch is not a skip-list offense")
}

func TestLoopConnFailureMarksFaulted(t *testing.T) {
	readErr := model.Classified(model.KindNoRoute, errors.New("route lost"))
	d := &stubDialer{readFn: func([]model.TagDescriptor) ([]RawValue, error) {
		return nil, readErr
	}}
	l, sink, health, mock := newTestLoop(t, d)

	l.iterate(context.Background(), 100*time.Millisecond)
	assert.Empty(t, sink.all())
	assert.True(t, d.conns[0].isClosed(), "broken connections are discarded, not pooled")

	h, _ := health.Snapshot("press-01")
	assert.Equal(t, model.StateDisconnected, h.State)
	assert.Equal(t, 1, h.ConsecutiveErrors)
	assert.Contains(t, h.LastError, "route lost")

	// Second consecutive fault opens a real backoff window.
	l.iterate(context.Background(), 100*time.Millisecond)
	retryAt, ok := l.pool.RetryAt("press-01")
	require.True(t, ok)
	assert.Equal(t, time.Second, retryAt.Sub(mock.Now()))
}

func TestLoopTimeoutDegrades(t *testing.T) {
	d := &stubDialer{}
	l, sink, health, _ := newTestLoop(t, d)

	// Healthy first, then timeouts.
	l.iterate(context.Background(), 100*time.Millisecond)
	require.Len(t, sink.all(), 2)

	d.mu.Lock()
	d.readFn = func([]model.TagDescriptor) ([]RawValue, error) {
		return nil, context.DeadlineExceeded
	}
	d.mu.Unlock()
	for _, c := range d.conns {
		c.readFn = d.readFn
	}

	l.iterate(context.Background(), 100*time.Millisecond)
	h, _ := health.Snapshot("press-01")
	assert.Equal(t, model.StateDegraded, h.State)

	_, ok := l.pool.RetryAt("press-01")
	assert.False(t, ok, "timeouts degrade but do not open a backoff window")
}

func TestLoopLatencyExcludesAcquireTime(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	d := &stubDialer{readFn: func(tags []model.TagDescriptor) ([]RawValue, error) {
		mock.Add(20 * time.Millisecond)
		out := make([]RawValue, len(tags))
		for i := range tags {
			out[i] = RawValue{Value: float32(1), Quality: model.QualityGood}
		}
		return out, nil
	}}
	// A slow dial inside Acquire must not be billed as read latency.
	dial := func(ctx context.Context, ep *model.EndpointDescriptor) (Conn, error) {
		mock.Add(300 * time.Millisecond)
		return d.dial(ctx, ep)
	}
	pool := NewPool(dial, mock, zap.NewNop())
	health := NewHealthTracker()
	ep := testEndpoint("")
	l := newLoop(ep, ep.ScanGroups[0], pool, health, &recorder{}, mock, atomic.NewInt64(0), zap.NewNop())

	l.iterate(context.Background(), 100*time.Millisecond)

	h, ok := health.Snapshot("press-01")
	require.True(t, ok)
	assert.InDelta(t, 20.0, h.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 20.0, h.P95LatencyMs, 1e-9)
}

func TestManagerStartStopReload(t *testing.T) {
	d := &stubDialer{}
	sink := &recorder{}
	health := NewHealthTracker()
	m := NewManager(nil, sink, health, clock.New(), zap.NewNop())
	m.drivers["cip"] = driverFunc{proto: "cip", dial: d.dial}

	ep := testEndpoint("")
	ctx := context.Background()
	m.Start(ctx, []model.EndpointDescriptor{*ep})

	require.Eventually(t, func() bool { return len(sink.all()) >= 2 },
		2*time.Second, 10*time.Millisecond, "first scan happens immediately")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))

	// Reload with a renamed endpoint: old health entry is forgotten.
	ep2 := *testEndpoint("")
	ep2.EndpointID = "press-02"
	for gi := range ep2.ScanGroups {
		for ti := range ep2.ScanGroups[gi].Tags {
			ep2.ScanGroups[gi].Tags[ti].DeviceID = "press-02"
		}
	}
	m.Start(ctx, []model.EndpointDescriptor{*ep})
	require.NoError(t, m.Reload(ctx, []model.EndpointDescriptor{ep2}))

	require.Eventually(t, func() bool {
		for _, s := range sink.all() {
			if s.DeviceID == "press-02" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := health.Snapshot("press-01")
	assert.False(t, ok)
	_, ok = health.Snapshot("press-02")
	assert.True(t, ok)

	finalCtx, cancelFinal := context.WithTimeout(ctx, 2*time.Second)
	defer cancelFinal()
	require.NoError(t, m.Stop(finalCtx))
}

// driverFunc adapts a dial function to the Driver interface.
type driverFunc struct {
	proto string
	dial  DialFunc
}

func (d driverFunc) Protocol() string { return d.proto }
func (d driverFunc) Dial(ctx context.Context, ep *model.EndpointDescriptor) (Conn, error) {
	return d.dial(ctx, ep)
}
