package collector

import (
	"context"
	"sync"

	"github.com/intellimaint/edge/model"
)

// stubConn is a scripted protocol connection for tests.
type stubConn struct {
	mu     sync.Mutex
	closed bool
	reads  int
	readFn func(tags []model.TagDescriptor) ([]RawValue, error)
}

func (c *stubConn) ReadBatch(_ context.Context, tags []model.TagDescriptor) ([]RawValue, error) {
	c.mu.Lock()
	c.reads++
	fn := c.readFn
	c.mu.Unlock()
	if fn == nil {
		out := make([]RawValue, len(tags))
		for i := range tags {
			out[i] = RawValue{Value: float32(i + 1), Quality: model.QualityGood}
		}
		return out, nil
	}
	return fn(tags)
}

func (c *stubConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *stubConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stubDialer hands out stubConns and can be scripted to fail.
type stubDialer struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	readFn  func(tags []model.TagDescriptor) ([]RawValue, error)
	conns   []*stubConn
}

func (d *stubDialer) dial(_ context.Context, _ *model.EndpointDescriptor) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &stubConn{readFn: d.readFn}
	d.conns = append(d.conns, c)
	return c, nil
}

// recorder is a SampleSink collecting everything offered.
type recorder struct {
	mu      sync.Mutex
	samples []model.TypedSample
}

func (r *recorder) Offer(s model.TypedSample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *recorder) all() []model.TypedSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TypedSample, len(r.samples))
	copy(out, r.samples)
	return out
}

func testEndpoint(family model.PLCFamily) *model.EndpointDescriptor {
	return &model.EndpointDescriptor{
		EndpointID: "press-01",
		Protocol:   "cip",
		Host:       "10.0.0.5",
		Family:     family,
		ScanGroups: []model.ScanGroup{{
			Name:           "fast",
			ScanIntervalMs: 100,
			Tags: []model.TagDescriptor{
				{TagID: "Temp", DeviceID: "press-01", Address: "Temp", DeclaredType: "REAL", ScanGroup: "fast", Enabled: true},
				{TagID: "Rpm", DeviceID: "press-01", Address: "Rpm", DeclaredType: "REAL", ScanGroup: "fast", Enabled: true},
			},
		}},
	}
}
