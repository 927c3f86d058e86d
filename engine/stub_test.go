package engine

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// rulesStub is a fixed in-memory RuleRepository.
type rulesStub struct {
	rules []model.AlarmRule
}

func (r *rulesStub) ListEnabled(context.Context) ([]model.AlarmRule, error) {
	return r.rules, nil
}

// loadedRegistry builds a registry already holding the given rules.
func loadedRegistry(t *testing.T, rules ...model.AlarmRule) *Registry {
	t.Helper()
	reg := NewRegistry(&rulesStub{rules: rules}, 0, clock.NewMock(), zap.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))
	return reg
}

func floatSample(device, tag string, ts int64, v float64) model.TypedSample {
	s, _ := model.NewFloatSample(model.SampleMeta{
		DeviceID: device,
		TagID:    tag,
		Ts:       ts,
		Seq:      ts,
		Quality:  model.QualityGood,
		Protocol: "sim",
	}, model.TypeFloat32, v)
	return s
}

// runEvaluator feeds samples through an evaluator and returns the emitted
// intents once the input drains.
func runEvaluator(t *testing.T, run func(context.Context) error,
	in chan<- model.TypedSample, out <-chan model.AlarmIntent, samples ...model.TypedSample) []model.AlarmIntent {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- run(context.Background()) }()
	for _, s := range samples {
		in <- s
	}
	close(in)
	require.NoError(t, <-done)

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

func thresholdRule(id, tag, op string, threshold float64) model.AlarmRule {
	return model.AlarmRule{
		RuleID:        id,
		Name:          id,
		TagID:         tag,
		Family:        model.RuleThreshold,
		ConditionType: op,
		Threshold:     threshold,
		Severity:      3,
		Enabled:       true,
		DebounceMs:    60_000,
	}
}
