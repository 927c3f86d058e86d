package engine

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// VolatilityEvaluator fires when the windowed standard deviation of a
// signal reaches a rule's threshold. It reads the windows the RoC evaluator
// populates; inserting here would double every point.
type VolatilityEvaluator struct {
	in      <-chan model.TypedSample
	rules   *Registry
	windows *WindowStore
	gate    *alarmGate
	log     *zap.Logger
}

// NewVolatilityEvaluator wires the evaluator.
func NewVolatilityEvaluator(in <-chan model.TypedSample, rules *Registry, windows *WindowStore,
	state *RuleState, alarms OpenChecker, out chan<- model.AlarmIntent, log *zap.Logger) *VolatilityEvaluator {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("volatility")
	return &VolatilityEvaluator{
		in:      in,
		rules:   rules,
		windows: windows,
		gate:    &alarmGate{state: state, alarms: alarms, out: out, log: log},
		log:     log,
	}
}

// Run evaluates until the input channel closes.
func (e *VolatilityEvaluator) Run(ctx context.Context) error {
	for s := range e.in {
		metricSamplesEvaluated.WithLabelValues("volatility").Inc()
		rules := e.rules.Snapshot().Family(model.RuleVolatility)
		for i := range rules {
			rule := &rules[i]
			if !rule.Matches(s.DeviceID, s.TagID) {
				continue
			}
			st := e.windows.Stats(s.DeviceID, s.TagID, s.Ts, rule.RocWindowMs)
			if st.Count < 2 || st.StdDev < rule.Threshold {
				continue
			}
			e.gate.fire(ctx, model.RuleVolatility, rule.DebounceMs, model.AlarmIntent{
				DeviceID: s.DeviceID,
				TagID:    s.TagID,
				RuleID:   rule.RuleID,
				Ts:       s.Ts,
				Severity: rule.Severity,
				Code:     model.RuleCode(rule.RuleID),
				Message:  rule.Message(s.DeviceID, s.TagID, strconv.FormatFloat(st.StdDev, 'g', -1, 64)),
			})
		}
	}
	return nil
}
