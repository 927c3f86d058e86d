package engine

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
)

func offlineRule(id, device, tag string, timeoutSec float64) model.AlarmRule {
	return model.AlarmRule{
		RuleID:        id,
		Name:          id,
		DeviceID:      device,
		TagID:         tag,
		Family:        model.RuleOffline,
		ConditionType: "offline",
		Threshold:     timeoutSec, // offline thresholds are seconds
		Severity:      4,
		Enabled:       true,
		DebounceMs:    300_000,
	}
}

func newOfflineHarness(t *testing.T, mock *clock.Mock, rules ...model.AlarmRule) (
	*OfflineDetector, *LastDataTracker, chan model.AlarmIntent) {
	t.Helper()
	mem := store.NewMemory()
	last := NewLastDataTracker(nil, mem, mock, zap.NewNop())
	out := make(chan model.AlarmIntent, 8)
	det := NewOfflineDetector(loadedRegistry(t, rules...), last,
		NewRuleState(mock), mem, out, mock, zap.NewNop())
	return det, last, out
}

func drainIntents(out <-chan model.AlarmIntent) []model.AlarmIntent {
	var intents []model.AlarmIntent
	for {
		select {
		case i := <-out:
			intents = append(intents, i)
		default:
			return intents
		}
	}
}

func TestOfflineDetection(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	det, last, out := newOfflineHarness(t, mock, offlineRule("o1", "D", "T", 60))

	last.Observe(floatSample("D", "T", mock.Now().UnixMilli(), 1))

	// Fresh data: quiet.
	mock.Add(30 * time.Second)
	det.Sweep(context.Background())
	assert.Empty(t, drainIntents(out))

	// 61 s of silence exceeds the 60 s timeout.
	mock.Add(31 * time.Second)
	det.Sweep(context.Background())
	intents := drainIntents(out)
	require.Len(t, intents, 1)
	assert.Equal(t, "OFFLINE:o1", intents[0].Code)
	assert.Equal(t, "D", intents[0].DeviceID)
	assert.Equal(t, "T", intents[0].TagID)

	// Debounce keeps the next sweep quiet.
	mock.Add(5 * time.Second)
	det.Sweep(context.Background())
	assert.Empty(t, drainIntents(out))
}

func TestOfflineNeverSeenSignal(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	det, _, out := newOfflineHarness(t, mock, offlineRule("o2", "D", "Ghost", 60))

	det.Sweep(context.Background())
	intents := drainIntents(out)
	require.Len(t, intents, 1, "a signal with no data at all is offline")
	assert.Equal(t, "OFFLINE:o2", intents[0].Code)
}

func TestOfflineEmptyDeviceCoversAllSeen(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	det, last, out := newOfflineHarness(t, mock, offlineRule("o3", "", "Temp", 60))

	last.Observe(floatSample("press-01", "Temp", mock.Now().UnixMilli(), 1))
	last.Observe(floatSample("press-02", "Temp", mock.Now().UnixMilli(), 1))
	last.Observe(floatSample("press-02", "Rpm", mock.Now().UnixMilli(), 1))

	mock.Add(2 * time.Minute)
	det.Sweep(context.Background())
	intents := drainIntents(out)
	// One code covers the rule, so the first stale signal wins and the
	// second is debounced under the same code.
	require.Len(t, intents, 1)
	assert.Equal(t, "Temp", intents[0].TagID)
}

func TestOfflineEmptyTagCoversDeviceSignals(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	det, last, out := newOfflineHarness(t, mock, offlineRule("o4", "press-01", "", 60))

	last.Observe(floatSample("press-01", "Temp", mock.Now().UnixMilli(), 1))
	last.Observe(floatSample("press-02", "Temp", mock.Now().UnixMilli(), 1))

	// Fresh data on the device: quiet. A device-scoped rule without a tag is
	// not a literal (device, "") signal and must not fire out of nothing.
	det.Sweep(context.Background())
	assert.Empty(t, drainIntents(out))

	mock.Add(2 * time.Minute)
	det.Sweep(context.Background())
	intents := drainIntents(out)
	require.Len(t, intents, 1)
	assert.Equal(t, "press-01", intents[0].DeviceID)
	assert.Equal(t, "Temp", intents[0].TagID, "the alarm names a real tag")
}
