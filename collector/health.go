package collector

import (
	"sort"
	"sync"
	"time"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/util"
)

// HealthTracker aggregates per-endpoint connection state, error counters and
// rolling read latency. Loops feed it; the dashboard and engine stats read it.
type HealthTracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointHealth
}

type endpointHealth struct {
	protocol          string
	state             model.CollectorState
	lastSuccess       time.Time
	consecutiveErrors int
	typeMismatches    int64
	latency           *util.LatencyWindow
	lastError         string
	tagsByGroup       map[string]tagCounts // endpoints run one loop per scan group
	activeConns       int
}

type tagCounts struct {
	healthy, total int
}

// NewHealthTracker returns an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{endpoints: map[string]*endpointHealth{}}
}

func (t *HealthTracker) get(endpointID, protocol string) *endpointHealth {
	h, ok := t.endpoints[endpointID]
	if !ok {
		h = &endpointHealth{
			protocol:    protocol,
			state:       model.StateDisconnected,
			latency:     util.NewLatencyWindow(100),
			tagsByGroup: map[string]tagCounts{},
		}
		t.endpoints[endpointID] = h
	}
	return h
}

// ObserveSuccess records a completed batch read for one scan group. Latency
// is per batch and covers the read on the wire only; connection acquisition
// and dial time are excluded.
func (t *HealthTracker) ObserveSuccess(endpointID, protocol, group string, latencyMs float64, healthyTags, totalTags int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(endpointID, protocol)
	h.state = model.StateConnected
	h.lastSuccess = time.Now()
	h.consecutiveErrors = 0
	h.lastError = ""
	h.latency.Observe(latencyMs)
	h.tagsByGroup[group] = tagCounts{healthy: healthyTags, total: totalTags}
}

// ObserveError records a failed read or acquire. Route and connection-budget
// failures mean the endpoint is unreachable; everything else degrades it.
func (t *HealthTracker) ObserveError(endpointID, protocol string, kind model.ErrorKind, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(endpointID, protocol)
	h.consecutiveErrors++
	if err != nil {
		h.lastError = err.Error()
	}
	switch kind {
	case model.KindNoRoute, model.KindTooManyConn:
		h.state = model.StateDisconnected
	default:
		if h.state == model.StateConnected {
			h.state = model.StateDegraded
		}
	}
}

// ObserveTypeMismatch counts a dropped sample.
func (t *HealthTracker) ObserveTypeMismatch(endpointID, protocol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(endpointID, protocol).typeMismatches++
}

// SetConnections records the pool's checked-out count for the endpoint.
func (t *HealthTracker) SetConnections(endpointID, protocol string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(endpointID, protocol).activeConns = n
}

// Forget drops state for endpoints removed by a reload.
func (t *HealthTracker) Forget(endpointID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.endpoints, endpointID)
}

// Snapshot returns the endpoint's current health.
func (t *HealthTracker) Snapshot(endpointID string) (model.CollectorHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.endpoints[endpointID]
	if !ok {
		return model.CollectorHealth{}, false
	}
	return h.snapshot(endpointID), true
}

// All returns health for every known endpoint, sorted by id.
func (t *HealthTracker) All() []model.CollectorHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.CollectorHealth, 0, len(t.endpoints))
	for id, h := range t.endpoints {
		out = append(out, h.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

func (h *endpointHealth) snapshot(id string) model.CollectorHealth {
	var healthy, total int
	for _, c := range h.tagsByGroup {
		healthy += c.healthy
		total += c.total
	}
	return model.CollectorHealth{
		EndpointID:        id,
		Protocol:          h.protocol,
		State:             h.state,
		LastSuccessTime:   h.lastSuccess,
		ConsecutiveErrors: h.consecutiveErrors,
		TypeMismatchCount: h.typeMismatches,
		AvgLatencyMs:      h.latency.Avg(),
		P95LatencyMs:      h.latency.Percentile(95),
		LastError:         h.lastError,
		ActiveConnections: h.activeConns,
		TotalTags:         total,
		HealthyTags:       healthy,
	}
}
