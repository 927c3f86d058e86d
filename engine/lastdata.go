package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
)

// lastDataFlushInterval is how often pending last-seen updates are persisted.
const lastDataFlushInterval = 5 * time.Second

// LastDataTracker keeps the newest sample timestamp per (device, tag) so the
// offline detector can age signals. Updates max-merge: an out-of-order
// sample never moves a timestamp backwards. Changes accumulate in a pending
// set flushed to the store in batches; a failed flush re-enqueues.
type LastDataTracker struct {
	in    <-chan model.TypedSample
	store store.LastSeenStore
	clk   clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	last    map[string]int64
	pending map[string]store.LastSeen
}

// NewLastDataTracker wires the tracker to its dispatcher target.
func NewLastDataTracker(in <-chan model.TypedSample, st store.LastSeenStore, clk clock.Clock, log *zap.Logger) *LastDataTracker {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LastDataTracker{
		in:      in,
		store:   st,
		clk:     clk,
		log:     log.Named("lastdata"),
		last:    map[string]int64{},
		pending: map[string]store.LastSeen{},
	}
}

func lastKey(deviceID, tagID string) string { return deviceID + "\x00" + tagID }

// Hydrate preloads the map from the store so a restart does not report every
// silent tag as freshly offline.
func (t *LastDataTracker) Hydrate(ctx context.Context) error {
	rows, err := t.store.AllLastSeen(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		k := lastKey(r.DeviceID, r.TagID)
		if r.Ts > t.last[k] {
			t.last[k] = r.Ts
		}
	}
	return nil
}

// Observe merges one sample timestamp.
func (t *LastDataTracker) Observe(s model.TypedSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := lastKey(s.DeviceID, s.TagID)
	if s.Ts <= t.last[k] {
		return
	}
	t.last[k] = s.Ts
	t.pending[k] = store.LastSeen{DeviceID: s.DeviceID, TagID: s.TagID, Ts: s.Ts}
}

// Get reports the newest known timestamp for a signal.
func (t *LastDataTracker) Get(deviceID, tagID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[lastKey(deviceID, tagID)]
	return ts, ok
}

// Each visits every tracked signal; used by the offline detector to expand
// rules with an empty device filter.
func (t *LastDataTracker) Each(fn func(deviceID, tagID string, ts int64)) {
	t.mu.Lock()
	snap := make(map[string]int64, len(t.last))
	for k, ts := range t.last {
		snap[k] = ts
	}
	t.mu.Unlock()
	for k, ts := range snap {
		for i := 0; i < len(k); i++ {
			if k[i] == 0 {
				fn(k[:i], k[i+1:], ts)
				break
			}
		}
	}
}

// Flush persists the pending set. On failure every entry is re-enqueued
// (max-merged, so a newer observation in the meantime wins).
func (t *LastDataTracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := make([]store.LastSeen, 0, len(t.pending))
	for _, e := range t.pending {
		batch = append(batch, e)
	}
	t.pending = map[string]store.LastSeen{}
	t.mu.Unlock()

	if err := t.store.UpsertLastSeen(ctx, batch); err != nil {
		t.mu.Lock()
		for _, e := range batch {
			k := lastKey(e.DeviceID, e.TagID)
			if cur, ok := t.pending[k]; !ok || e.Ts > cur.Ts {
				t.pending[k] = e
			}
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Run consumes samples and flushes on a 5 s cadence. When the input closes
// a final flush runs on an uncancellable context.
func (t *LastDataTracker) Run(ctx context.Context) error {
	tick := t.clk.Ticker(lastDataFlushInterval)
	defer tick.Stop()
	for {
		select {
		case s, ok := <-t.in:
			if !ok {
				if err := t.Flush(context.WithoutCancel(ctx)); err != nil {
					t.log.Warn("final last-data flush failed", zap.Error(err))
				}
				return nil
			}
			t.Observe(s)
		case <-tick.C:
			if err := t.Flush(ctx); err != nil {
				t.log.Warn("last-data flush failed, re-enqueued", zap.Error(err))
			}
		}
	}
}
