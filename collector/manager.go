package collector

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// Manager owns the scan loops for a set of endpoints. One loop runs per
// (endpoint, scan group); all loops share one connection pool, one health
// tracker and one downstream sink.
type Manager struct {
	drivers map[string]Driver
	pool    *Pool
	health  *HealthTracker
	sink    SampleSink
	clk     clock.Clock
	log     *zap.Logger
	seq     atomic.Int64

	mu        sync.Mutex
	endpoints []model.EndpointDescriptor
	cancel    context.CancelFunc
	parent    context.Context
	done      chan struct{}
}

// NewManager wires a manager from its collaborators. Drivers are indexed by
// the protocol name they serve.
func NewManager(drivers []Driver, sink SampleSink, health *HealthTracker, clk clock.Clock, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	byProto := make(map[string]Driver, len(drivers))
	for _, d := range drivers {
		byProto[d.Protocol()] = d
	}
	m := &Manager{
		drivers: byProto,
		health:  health,
		sink:    sink,
		clk:     clk,
		log:     log,
	}
	m.pool = NewPool(m.dialEndpoint, clk, log)
	return m
}

func (m *Manager) dialEndpoint(ctx context.Context, ep *model.EndpointDescriptor) (Conn, error) {
	d, ok := m.drivers[ep.Protocol]
	if !ok {
		return nil, fmt.Errorf("no driver for protocol %q", ep.Protocol)
	}
	return d.Dial(ctx, ep)
}

// Pool exposes the shared connection pool (for stats and tests).
func (m *Manager) Pool() *Pool { return m.pool }

// Start launches one loop per (endpoint, scan group) plus the pool reaper.
// The sink is never closed by the manager; it outlives reloads.
func (m *Manager) Start(ctx context.Context, endpoints []model.EndpointDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parent = ctx
	m.endpoints = endpoints
	m.startLocked()
}

func (m *Manager) startLocked() {
	ctx, cancel := context.WithCancel(m.parent)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done

	var wg sync.WaitGroup
	for i := range m.endpoints {
		ep := &m.endpoints[i]
		for _, g := range ep.ScanGroups {
			if len(g.Tags) == 0 {
				continue
			}
			l := newLoop(ep, g, m.pool, m.health, m.sink, m.clk, &m.seq, m.log)
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.run(ctx)
			}()
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pool.RunReaper(ctx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	m.log.Info("collector started", zap.Int("endpoints", len(m.endpoints)))
}

// Stop cancels all loops and waits for them, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.pool.CloseAll()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collector stop: %w", ctx.Err())
	}
}

// Reload swaps the endpoint set: loops are torn down and restarted while the
// downstream sink keeps flowing for everything else.
func (m *Manager) Reload(ctx context.Context, endpoints []model.EndpointDescriptor) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	known := map[string]bool{}
	for i := range endpoints {
		known[endpoints[i].EndpointID] = true
	}
	for i := range m.endpoints {
		if !known[m.endpoints[i].EndpointID] {
			m.health.Forget(m.endpoints[i].EndpointID)
		}
	}
	m.endpoints = endpoints
	m.startLocked()
	m.log.Info("collector reloaded", zap.Int("endpoints", len(endpoints)))
	return nil
}

// Health reports per-endpoint health snapshots.
func (m *Manager) Health() []model.CollectorHealth {
	return m.health.All()
}
