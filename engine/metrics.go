package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAlarmsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imedge_alarms_fired_total",
		Help: "Alarm intents emitted, by rule family.",
	}, []string{"family"})
	metricAlarmsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imedge_alarms_suppressed_total",
		Help: "Alarm intents suppressed before emission, by family and reason.",
	}, []string{"family", "reason"})
	metricAlarmsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_alarms_persisted_total",
		Help: "Alarm records created in the store.",
	})
	metricAlarmsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imedge_alarms_deduped_total",
		Help: "Alarm creations suppressed by the open-code unique index.",
	})
	metricRulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imedge_rules_loaded",
		Help: "Enabled rules in the current registry snapshot.",
	})
	metricSamplesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imedge_samples_evaluated_total",
		Help: "Samples consumed by each evaluator.",
	}, []string{"evaluator"})
)
