package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// OpenChecker answers whether an alarm code already has a non-closed record.
// The alarm store implements it.
type OpenChecker interface {
	HasOpenByCode(ctx context.Context, code string) (bool, error)
}

// alarmGate applies the emission protocol every evaluator shares: an
// in-memory debounce first (it shields the store from re-query storms),
// then the open-alarm dedup check, then the intent hand-off. Exactly one
// AlarmRecord can result from a burst of condition-true samples.
type alarmGate struct {
	state  *RuleState
	alarms OpenChecker
	out    chan<- model.AlarmIntent
	log    *zap.Logger
}

// fire runs the debounce and dedup checks for intent and emits it when both
// pass. Returns true only when the intent was handed off.
func (g *alarmGate) fire(ctx context.Context, family model.RuleFamily, debounceMs int64, intent model.AlarmIntent) bool {
	if last, ok := g.state.LastEmit(intent.Code); ok && intent.Ts-last < debounceMs {
		metricAlarmsSuppressed.WithLabelValues(family.String(), "debounce").Inc()
		return false
	}

	open, err := g.alarms.HasOpenByCode(ctx, intent.Code)
	if err != nil {
		// Fail open: a store hiccup must not silence a real alarm. The
		// partial unique index catches any duplicate this lets through.
		g.log.Warn("open-alarm check failed", zap.String("code", intent.Code), zap.Error(err))
	} else if open {
		// Record the suppression so the store is not re-asked until the
		// debounce window passes.
		g.state.RecordEmit(intent.Code, intent.Ts)
		metricAlarmsSuppressed.WithLabelValues(family.String(), "open").Inc()
		return false
	}

	select {
	case g.out <- intent:
	case <-ctx.Done():
		return false
	}
	g.state.RecordEmit(intent.Code, intent.Ts)
	metricAlarmsFired.WithLabelValues(family.String()).Inc()
	return true
}
