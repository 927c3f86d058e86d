package collector

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// backoffSchedule is the wait window applied per consecutive endpoint fault.
// The step is capped at the last entry and reset by any successful acquire.
var backoffSchedule = []time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const (
	poolReapInterval = 10 * time.Second
	poolIdleExpiry   = 5 * time.Minute
)

// DialFunc opens a protocol session for an endpoint.
type DialFunc func(ctx context.Context, ep *model.EndpointDescriptor) (Conn, error)

// Pool hands out protocol connections per endpoint, clamped by PLC family,
// with fault backoff and idle reaping. Scan loops share one pool.
type Pool struct {
	dial DialFunc
	clk  clock.Clock
	log  *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*endpointPool
}

type endpointPool struct {
	limit     int
	idle      []*Handle // released order; warmest last
	active    int
	faults    int
	retryAt   time.Time
	lastUsed  time.Time
	lastFault string
}

// Handle is one checked-out connection. Exactly one of Release or Discard
// must be called when the loop is done with it.
type Handle struct {
	endpointID string
	conn       Conn
	pool       *Pool
	done       bool
}

// NewPool builds a pool around a dial function.
func NewPool(dial DialFunc, clk clock.Clock, log *zap.Logger) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		dial:      dial,
		clk:       clk,
		log:       log,
		endpoints: map[string]*endpointPool{},
	}
}

func (p *Pool) state(ep *model.EndpointDescriptor) *endpointPool {
	st, ok := p.endpoints[ep.EndpointID]
	if !ok {
		st = &endpointPool{lastUsed: p.clk.Now()}
		p.endpoints[ep.EndpointID] = st
	}
	// Refresh on every acquire so a reload with new clamps takes effect.
	st.limit = ep.ConnectionLimit()
	return st
}

// Acquire returns a connection for the endpoint, reusing an idle one when
// available. While the endpoint is inside its backoff window the call fails
// immediately with PoolFaultedError; at the connection clamp it fails with
// PoolBusyError. Dial errors are returned raw for the caller to classify.
func (p *Pool) Acquire(ctx context.Context, ep *model.EndpointDescriptor) (*Handle, error) {
	p.mu.Lock()
	st := p.state(ep)
	now := p.clk.Now()
	if now.Before(st.retryAt) {
		err := &model.PoolFaultedError{EndpointID: ep.EndpointID, Reason: st.lastFault, RetryAt: st.retryAt}
		p.mu.Unlock()
		return nil, err
	}
	if n := len(st.idle); n > 0 {
		h := st.idle[n-1]
		st.idle = st.idle[:n-1]
		st.active++
		st.lastUsed = now
		st.faults = 0
		st.retryAt = time.Time{}
		h.done = false
		p.mu.Unlock()
		return h, nil
	}
	if st.active >= st.limit {
		err := &model.PoolBusyError{EndpointID: ep.EndpointID, Limit: st.limit}
		p.mu.Unlock()
		return nil, err
	}
	st.active++ // reserve the slot across the dial
	p.mu.Unlock()

	conn, err := p.dial(ctx, ep)

	p.mu.Lock()
	defer p.mu.Unlock()
	st = p.endpoints[ep.EndpointID]
	if err != nil {
		st.active--
		return nil, err
	}
	st.lastUsed = p.clk.Now()
	st.faults = 0
	st.retryAt = time.Time{}
	return &Handle{endpointID: ep.EndpointID, conn: conn, pool: p}, nil
}

// MarkFaulted opens (or widens) the endpoint's backoff window and closes its
// idle connections, which are presumed broken.
func (p *Pool) MarkFaulted(endpointID, reason string) {
	p.mu.Lock()
	st, ok := p.endpoints[endpointID]
	if !ok {
		p.mu.Unlock()
		return
	}
	step := st.faults
	if step >= len(backoffSchedule) {
		step = len(backoffSchedule) - 1
	}
	window := backoffSchedule[step]
	if window > 0 {
		st.retryAt = p.clk.Now().Add(window)
	} else {
		st.retryAt = time.Time{} // first fault retries immediately
	}
	st.faults++
	st.lastFault = reason
	stale := st.idle
	st.idle = nil
	p.mu.Unlock()

	p.log.Warn("endpoint faulted",
		zap.String("endpoint", endpointID),
		zap.String("reason", reason),
		zap.Duration("backoff", window))
	closeAll(stale)
}

// MarkDegraded records the reason without opening a backoff window.
func (p *Pool) MarkDegraded(endpointID, reason string) {
	p.mu.Lock()
	if st, ok := p.endpoints[endpointID]; ok {
		st.lastFault = reason
	}
	p.mu.Unlock()
}

// RetryAt reports when the endpoint's backoff window closes.
func (p *Pool) RetryAt(endpointID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.endpoints[endpointID]
	if !ok || st.retryAt.IsZero() {
		return time.Time{}, false
	}
	return st.retryAt, true
}

// Active reports checked-out connections for an endpoint.
func (p *Pool) Active(endpointID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.endpoints[endpointID]; ok {
		return st.active
	}
	return 0
}

// Reap closes idle connections of endpoints unused for more than five
// minutes and forgets endpoints with nothing checked out.
func (p *Pool) Reap() {
	p.mu.Lock()
	cutoff := p.clk.Now().Add(-poolIdleExpiry)
	var stale []*Handle
	for id, st := range p.endpoints {
		if st.lastUsed.After(cutoff) {
			continue
		}
		stale = append(stale, st.idle...)
		st.idle = nil
		if st.active == 0 {
			delete(p.endpoints, id)
		}
	}
	p.mu.Unlock()
	if len(stale) > 0 {
		p.log.Debug("reaped idle connections", zap.Int("count", len(stale)))
		closeAll(stale)
	}
}

// RunReaper reaps every 10 s until ctx is done.
func (p *Pool) RunReaper(ctx context.Context) {
	t := p.clk.Ticker(poolReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Reap()
		}
	}
}

// CloseAll tears down every idle connection; used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	var all []*Handle
	for _, st := range p.endpoints {
		all = append(all, st.idle...)
		st.idle = nil
	}
	p.mu.Unlock()
	closeAll(all)
}

func closeAll(handles []*Handle) {
	for _, h := range handles {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		h.conn.Close(ctx)
		cancel()
	}
}

// ReadBatch delegates to the underlying connection.
func (h *Handle) ReadBatch(ctx context.Context, tags []model.TagDescriptor) ([]RawValue, error) {
	return h.conn.ReadBatch(ctx, tags)
}

// Release returns the connection to the idle set for reuse.
func (h *Handle) Release() {
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	st, ok := p.endpoints[h.endpointID]
	if !ok {
		return
	}
	st.active--
	st.idle = append(st.idle, h)
	st.lastUsed = p.clk.Now()
}

// Discard closes the connection instead of returning it; used after
// connection-level failures.
func (h *Handle) Discard(ctx context.Context) {
	p := h.pool
	p.mu.Lock()
	if h.done {
		p.mu.Unlock()
		return
	}
	h.done = true
	if st, ok := p.endpoints[h.endpointID]; ok {
		st.active--
		st.lastUsed = p.clk.Now()
	}
	p.mu.Unlock()
	h.conn.Close(ctx)
}
