package engine

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// RocEvaluator consumes its dispatcher target, feeds the shared sliding
// windows, and fires rate-of-change rules. It is the only window writer;
// the volatility evaluator reads the same windows without inserting.
type RocEvaluator struct {
	in      <-chan model.TypedSample
	rules   *Registry
	windows *WindowStore
	gate    *alarmGate
	log     *zap.Logger
}

// NewRocEvaluator wires the evaluator.
func NewRocEvaluator(in <-chan model.TypedSample, rules *Registry, windows *WindowStore,
	state *RuleState, alarms OpenChecker, out chan<- model.AlarmIntent, log *zap.Logger) *RocEvaluator {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("roc")
	return &RocEvaluator{
		in:      in,
		rules:   rules,
		windows: windows,
		gate:    &alarmGate{state: state, alarms: alarms, out: out, log: log},
		log:     log,
	}
}

// Run ingests and evaluates until the input channel closes.
func (e *RocEvaluator) Run(ctx context.Context) error {
	for s := range e.in {
		metricSamplesEvaluated.WithLabelValues("roc").Inc()
		v, ok := s.Numeric()
		if !ok {
			continue
		}
		e.windows.Insert(s.DeviceID, s.TagID, s.Ts, v)

		rules := e.rules.Snapshot().Family(model.RuleRoc)
		for i := range rules {
			rule := &rules[i]
			if !rule.Matches(s.DeviceID, s.TagID) {
				continue
			}
			e.evaluate(ctx, rule, s)
		}
	}
	return nil
}

func (e *RocEvaluator) evaluate(ctx context.Context, rule *model.AlarmRule, s model.TypedSample) {
	rc := e.windows.GetRateOfChange(s.DeviceID, s.TagID, s.Ts, rule.RocWindowMs)
	if rc.Count < 2 {
		return
	}
	metric := rc.AbsoluteChange
	if rule.ConditionType == model.OpRocPercent {
		metric = rc.PercentChange
	}
	if metric < rule.Threshold {
		return
	}
	e.gate.fire(ctx, model.RuleRoc, rule.DebounceMs, model.AlarmIntent{
		DeviceID: s.DeviceID,
		TagID:    s.TagID,
		RuleID:   rule.RuleID,
		Ts:       s.Ts,
		Severity: rule.Severity,
		Code:     model.RuleCode(rule.RuleID),
		Message:  rule.Message(s.DeviceID, s.TagID, strconv.FormatFloat(metric, 'g', -1, 64)),
	})
}
