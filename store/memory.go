package store

import (
	"context"
	"sort"
	"sync"

	"github.com/intellimaint/edge/model"
)

// Memory is an in-process Store used by tests. It honors the same dedup and
// transition rules as the database engines and supports fault injection for
// exercising retry paths.
type Memory struct {
	mu       sync.Mutex
	points   []TelemetryPoint
	alarms   map[string]*model.AlarmRecord
	groups   map[string]*model.AlarmGroup
	lastSeen map[string]LastSeen

	appendFails int
	appendErr   error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		alarms:   map[string]*model.AlarmRecord{},
		groups:   map[string]*model.AlarmGroup{},
		lastSeen: map[string]LastSeen{},
	}
}

// FailAppends makes the next n AppendBatch calls return err.
func (m *Memory) FailAppends(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendFails = n
	m.appendErr = err
}

func (m *Memory) AppendBatch(_ context.Context, samples []model.TypedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendFails > 0 {
		m.appendFails--
		return m.appendErr
	}
	for _, s := range samples {
		p := PointFromSample(s)
		if m.hasPointLocked(p) {
			continue
		}
		m.points = append(m.points, p)
	}
	return nil
}

func (m *Memory) hasPointLocked(p TelemetryPoint) bool {
	for _, q := range m.points {
		if q.DeviceID == p.DeviceID && q.TagID == p.TagID && q.Ts == p.Ts && q.Seq == p.Seq {
			return true
		}
	}
	return false
}

func (m *Memory) Latest(_ context.Context, deviceID, tagID string) (TelemetryPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *TelemetryPoint
	for i := range m.points {
		p := &m.points[i]
		if p.DeviceID != deviceID || p.TagID != tagID {
			continue
		}
		if best == nil || p.Ts > best.Ts || (p.Ts == best.Ts && p.Seq > best.Seq) {
			best = p
		}
	}
	if best == nil {
		return TelemetryPoint{}, ErrNotFound
	}
	return *best, nil
}

func (m *Memory) Range(_ context.Context, deviceID, tagID string, fromMs, toMs int64, limit int) ([]TelemetryPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TelemetryPoint
	for _, p := range m.points {
		if p.DeviceID != deviceID || p.TagID != tagID {
			continue
		}
		if p.Ts < fromMs || (toMs > 0 && p.Ts >= toMs) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts < out[j].Ts
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PointCount reports how many telemetry rows are stored.
func (m *Memory) PointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

func (m *Memory) CreateAlarm(_ context.Context, rec *model.AlarmRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alarms {
		if a.Code == rec.Code && a.Status != model.StatusClosed {
			return ErrAlarmExists
		}
	}
	cp := *rec
	m.alarms[rec.AlarmID] = &cp
	return nil
}

func (m *Memory) GetAlarm(_ context.Context, alarmID string) (model.AlarmRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alarms[alarmID]
	if !ok {
		return model.AlarmRecord{}, ErrNotFound
	}
	return *a, nil
}

func (m *Memory) QueryAlarms(_ context.Context, f model.AlarmFilter, p model.Page) ([]model.AlarmRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AlarmRecord
	for _, a := range m.alarms {
		if f.DeviceID != "" && a.DeviceID != f.DeviceID {
			continue
		}
		if f.TagID != "" && a.TagID != f.TagID {
			continue
		}
		if f.Code != "" && a.Code != f.Code {
			continue
		}
		if f.GroupID != "" && a.GroupID != f.GroupID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Since > 0 && a.Ts < f.Since {
			continue
		}
		if f.Until > 0 && a.Ts >= f.Until {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts > out[j].Ts })
	return page(out, p), nil
}

func (m *Memory) HasOpenByCode(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alarms {
		if a.Code == code && a.Status != model.StatusClosed {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Acknowledge(_ context.Context, alarmID, user, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alarms[alarmID]
	if !ok {
		return ErrNotFound
	}
	if a.Status != model.StatusOpen {
		return ErrBadTransition
	}
	a.Status = model.StatusAcknowledged
	a.AckUser = user
	a.AckNote = note
	return nil
}

func (m *Memory) CloseAlarm(_ context.Context, alarmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alarms[alarmID]
	if !ok {
		return ErrNotFound
	}
	a.Status = model.StatusClosed
	return nil
}

func (m *Memory) CloseByCode(_ context.Context, code string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alarms {
		if a.Code == code && a.Status != model.StatusClosed {
			a.Status = model.StatusClosed
			n++
		}
	}
	return n, nil
}

func (m *Memory) OpenGroup(_ context.Context, deviceID, ruleID string) (model.AlarmGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.DeviceID == deviceID && g.RuleID == ruleID && g.Status != model.StatusClosed {
			return *g, nil
		}
	}
	return model.AlarmGroup{}, ErrNotFound
}

func (m *Memory) UpsertGroup(_ context.Context, g *model.AlarmGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.groups[g.GroupID] = &cp
	return nil
}

func (m *Memory) QueryGroups(_ context.Context, p model.Page) ([]model.AlarmGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AlarmGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUTC.After(out[j].LastUTC) })
	return page(out, p), nil
}

func (m *Memory) UpsertLastSeen(_ context.Context, entries []LastSeen) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		key := e.DeviceID + "\x00" + e.TagID
		if cur, ok := m.lastSeen[key]; !ok || e.Ts > cur.Ts {
			m.lastSeen[key] = e
		}
	}
	return nil
}

func (m *Memory) AllLastSeen(_ context.Context) ([]LastSeen, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LastSeen, 0, len(m.lastSeen))
	for _, e := range m.lastSeen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].TagID < out[j].TagID
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }

func page[T any](in []T, p model.Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(in) {
			return nil
		}
		in = in[p.Offset:]
	}
	if p.Limit > 0 && len(in) > p.Limit {
		in = in[:p.Limit]
	}
	return in
}
