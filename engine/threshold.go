package engine

import (
	"context"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// eqTolerance is the half-width of the band inside which eq considers two
// floats equal (and ne considers them unequal).
const eqTolerance = 1e-9

// compare applies a threshold operator. Unknown operators never match; the
// loader validates the operator set, so this is belt and braces.
func compare(op string, v, threshold float64) bool {
	switch op {
	case model.OpGT:
		return v > threshold
	case model.OpGTE:
		return v >= threshold
	case model.OpLT:
		return v < threshold
	case model.OpLTE:
		return v <= threshold
	case model.OpEQ:
		return math.Abs(v-threshold) <= eqTolerance
	case model.OpNE:
		return math.Abs(v-threshold) > eqTolerance
	}
	return false
}

// scalar extracts the value a threshold rule evaluates: Numeric for the
// bool/int/float families, parsed float for strings, nothing otherwise.
func scalar(s model.TypedSample) (float64, bool) {
	if v, ok := s.Numeric(); ok {
		return v, true
	}
	if str, ok := s.Str(); ok {
		if v, err := strconv.ParseFloat(str, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// ThresholdEvaluator consumes its dispatcher target and runs every matching
// threshold rule through the duration gate, debounce and open-alarm dedup.
//
// Per (rule, signal) state machine, all times from sample timestamps:
//
//	Idle  --cond true-->  Armed(start)
//	Armed --cond false--> Idle
//	Armed --cond true, ts-start >= durationMs--> fire decision via alarmGate
//
// Every fire decision disarms the gate, emitted or suppressed.
type ThresholdEvaluator struct {
	in    <-chan model.TypedSample
	rules *Registry
	gate  *alarmGate
	log   *zap.Logger
}

// NewThresholdEvaluator wires the evaluator.
func NewThresholdEvaluator(in <-chan model.TypedSample, rules *Registry,
	state *RuleState, alarms OpenChecker, out chan<- model.AlarmIntent, log *zap.Logger) *ThresholdEvaluator {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("threshold")
	return &ThresholdEvaluator{
		in:    in,
		rules: rules,
		gate:  &alarmGate{state: state, alarms: alarms, out: out, log: log},
		log:   log,
	}
}

// Run evaluates until the input channel closes.
func (e *ThresholdEvaluator) Run(ctx context.Context) error {
	for s := range e.in {
		metricSamplesEvaluated.WithLabelValues("threshold").Inc()
		rules := e.rules.Snapshot().Family(model.RuleThreshold)
		if len(rules) == 0 {
			continue
		}
		v, ok := scalar(s)
		if !ok {
			continue
		}
		for i := range rules {
			rule := &rules[i]
			if !rule.Matches(s.DeviceID, s.TagID) {
				continue
			}
			e.evaluate(ctx, rule, s, v)
		}
	}
	return nil
}

func (e *ThresholdEvaluator) evaluate(ctx context.Context, rule *model.AlarmRule, s model.TypedSample, v float64) {
	key := GateKey(rule.RuleID, s.DeviceID, s.TagID)
	if !compare(rule.ConditionType, v, rule.Threshold) {
		e.gate.state.Disarm(key)
		return
	}
	start := e.gate.state.Arm(key, s.Ts)
	if s.Ts-start < rule.DurationMs {
		return
	}
	e.gate.state.Disarm(key)

	e.gate.fire(ctx, model.RuleThreshold, rule.DebounceMs, model.AlarmIntent{
		DeviceID: s.DeviceID,
		TagID:    s.TagID,
		RuleID:   rule.RuleID,
		Ts:       s.Ts,
		Severity: rule.Severity,
		Code:     model.RuleCode(rule.RuleID),
		Message:  rule.Message(s.DeviceID, s.TagID, s.ValueString()),
	})
}
