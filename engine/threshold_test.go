package engine

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
)

func newThresholdHarness(t *testing.T, mem *store.Memory, rules ...model.AlarmRule) (
	*ThresholdEvaluator, chan model.TypedSample, chan model.AlarmIntent) {
	t.Helper()
	in := make(chan model.TypedSample, 32)
	out := make(chan model.AlarmIntent, 32)
	reg := loadedRegistry(t, rules...)
	state := NewRuleState(clock.NewMock())
	ev := NewThresholdEvaluator(in, reg, state, mem, out, zap.NewNop())
	return ev, in, out
}

func TestThresholdFiresOnceWithinDebounce(t *testing.T) {
	mem := store.NewMemory()
	ev, in, out := newThresholdHarness(t, mem, thresholdRule("r1", "T", model.OpGT, 80))

	intents := runEvaluator(t, ev.Run, in, out,
		floatSample("D", "T", 1000, 70),
		floatSample("D", "T", 1500, 82),
		floatSample("D", "T", 2000, 90),
	)

	require.Len(t, intents, 1, "second breach is debounced")
	assert.Equal(t, "RULE:r1", intents[0].Code)
	assert.Equal(t, int64(1500), intents[0].Ts)
	assert.Equal(t, 3, intents[0].Severity)
}

func TestThresholdDurationGate(t *testing.T) {
	mem := store.NewMemory()
	rule := thresholdRule("r2", "T", model.OpGT, 100)
	rule.DurationMs = 2000
	ev, in, out := newThresholdHarness(t, mem, rule)

	intents := runEvaluator(t, ev.Run, in, out,
		floatSample("D", "T", 1000, 110), // arms the gate, no fire
		floatSample("D", "T", 3500, 110), // 2500 ms sustained
	)

	require.Len(t, intents, 1)
	assert.Equal(t, int64(3500), intents[0].Ts)
}

func TestThresholdGateResetsWhenConditionDrops(t *testing.T) {
	mem := store.NewMemory()
	rule := thresholdRule("r2", "T", model.OpGT, 100)
	rule.DurationMs = 2000
	ev, in, out := newThresholdHarness(t, mem, rule)

	intents := runEvaluator(t, ev.Run, in, out,
		floatSample("D", "T", 1000, 110),
		floatSample("D", "T", 1500, 90), // condition false, gate disarms
		floatSample("D", "T", 2000, 110),
		floatSample("D", "T", 3500, 110), // only 1500 ms since rearm
	)
	assert.Empty(t, intents)
}

func TestThresholdOpenAlarmDedup(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAlarm(context.Background(), &model.AlarmRecord{
		AlarmID: "alm-1", Code: "RULE:r1", Status: model.StatusOpen,
	}))
	rule := thresholdRule("r1", "T", model.OpGT, 80)
	rule.DebounceMs = 0 // force every sample to the store check
	ev, in, out := newThresholdHarness(t, mem, rule)

	intents := runEvaluator(t, ev.Run, in, out,
		floatSample("D", "T", 1000, 90),
	)
	assert.Empty(t, intents, "an open record for the code suppresses emission")
}

func TestThresholdAcknowledgedStillDedups(t *testing.T) {
	mem := store.NewMemory()
	rec := &model.AlarmRecord{AlarmID: "alm-1", Code: "RULE:r1", Status: model.StatusOpen}
	require.NoError(t, mem.CreateAlarm(context.Background(), rec))
	require.NoError(t, mem.Acknowledge(context.Background(), "alm-1", "op", ""))

	rule := thresholdRule("r1", "T", model.OpGT, 80)
	rule.DebounceMs = 0
	ev, in, out := newThresholdHarness(t, mem, rule)

	intents := runEvaluator(t, ev.Run, in, out, floatSample("D", "T", 1000, 90))
	assert.Empty(t, intents)
}

func TestThresholdDeviceFilter(t *testing.T) {
	mem := store.NewMemory()
	rule := thresholdRule("r1", "T", model.OpGT, 80)
	rule.DeviceID = "press-02"
	ev, in, out := newThresholdHarness(t, mem, rule)

	intents := runEvaluator(t, ev.Run, in, out,
		floatSample("press-01", "T", 1000, 90),
		floatSample("press-02", "T", 1500, 90),
	)
	require.Len(t, intents, 1)
	assert.Equal(t, "press-02", intents[0].DeviceID)
}

func TestThresholdBoolAndStringScalars(t *testing.T) {
	mem := store.NewMemory()
	ev, in, out := newThresholdHarness(t, mem,
		thresholdRule("rb", "Running", model.OpEQ, 0),
		thresholdRule("rs", "Level", model.OpGTE, 10),
	)

	bs := model.NewBoolSample(model.SampleMeta{DeviceID: "D", TagID: "Running", Ts: 1000, Quality: model.QualityGood}, false)
	ss := model.NewStringSample(model.SampleMeta{DeviceID: "D", TagID: "Level", Ts: 1100, Quality: model.QualityGood}, "12.5")
	junk := model.NewStringSample(model.SampleMeta{DeviceID: "D", TagID: "Level", Ts: 1200, Quality: model.QualityGood}, "n/a")

	intents := runEvaluator(t, ev.Run, in, out, bs, ss, junk)
	require.Len(t, intents, 2)
	assert.Equal(t, "RULE:rb", intents[0].Code, "false maps to 0")
	assert.Equal(t, "RULE:rs", intents[1].Code, "numeric strings parse; junk is skipped")
}

func TestCompareOperators(t *testing.T) {
	cases := []struct {
		op        string
		v, thr    float64
		wantMatch bool
	}{
		{model.OpGT, 81, 80, true},
		{model.OpGT, 80, 80, false},
		{model.OpGTE, 80, 80, true},
		{model.OpLT, 79, 80, true},
		{model.OpLTE, 80, 80, true},
		{model.OpEQ, 10, 10, true},
		{model.OpEQ, 10 + 5e-10, 10, true}, // inside the 1e-9 tolerance band
		{model.OpEQ, 10 + 2e-9, 10, false},
		{model.OpNE, 10 + 5e-10, 10, false},
		{model.OpNE, 11, 10, true},
		{"bogus", 1, 1, false},
	}
	for _, c := range cases {
		t.Run(c.op, func(t *testing.T) {
			assert.Equal(t, c.wantMatch, compare(c.op, c.v, c.thr),
				"%s(%v, %v)", c.op, c.v, c.thr)
		})
	}
}
