package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
)

// offlineSweepInterval is the cadence of offline detection sweeps.
const offlineSweepInterval = 5 * time.Second

// OfflineDetector periodically ages every signal an offline rule covers and
// raises an alarm when no data arrived within the rule's timeout. Offline
// rule thresholds are configured in seconds; a signal the tracker has never
// seen counts as offline (a mistyped tag id should page someone, not sit
// silent).
type OfflineDetector struct {
	rules *Registry
	last  *LastDataTracker
	gate  *alarmGate
	clk   clock.Clock
	log   *zap.Logger
}

// NewOfflineDetector wires the detector.
func NewOfflineDetector(rules *Registry, last *LastDataTracker,
	state *RuleState, alarms OpenChecker, out chan<- model.AlarmIntent, clk clock.Clock, log *zap.Logger) *OfflineDetector {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("offline")
	return &OfflineDetector{
		rules: rules,
		last:  last,
		gate:  &alarmGate{state: state, alarms: alarms, out: out, log: log},
		clk:   clk,
		log:   log,
	}
}

// Run sweeps until ctx is done.
func (d *OfflineDetector) Run(ctx context.Context) error {
	t := d.clk.Ticker(offlineSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep evaluates every offline rule once.
func (d *OfflineDetector) Sweep(ctx context.Context) {
	rules := d.rules.Snapshot().Family(model.RuleOffline)
	if len(rules) == 0 {
		return
	}
	nowMs := d.clk.Now().UnixMilli()
	for i := range rules {
		rule := &rules[i]
		if rule.DeviceID != "" && rule.TagID != "" {
			d.check(ctx, rule, rule.DeviceID, rule.TagID, nowMs)
			continue
		}
		// An empty device or tag filter widens the rule to every signal ever
		// seen on the other axis; only a fully pinned rule can age a signal
		// that never produced data.
		d.last.Each(func(deviceID, tagID string, _ int64) {
			if rule.DeviceID != "" && rule.DeviceID != deviceID {
				return
			}
			if rule.TagID != "" && rule.TagID != tagID {
				return
			}
			d.check(ctx, rule, deviceID, tagID, nowMs)
		})
	}
}

func (d *OfflineDetector) check(ctx context.Context, rule *model.AlarmRule, deviceID, tagID string, nowMs int64) {
	lastTs, seen := d.last.Get(deviceID, tagID)
	var age int64
	if seen {
		age = nowMs - lastTs
		if age < rule.TimeoutMs() {
			return
		}
	}
	msg := rule.Message(deviceID, tagID, "no data")
	if seen {
		msg = rule.Message(deviceID, tagID, fmt.Sprintf("silent for %ds", age/1000))
	}
	d.gate.fire(ctx, model.RuleOffline, rule.DebounceMs, model.AlarmIntent{
		DeviceID: deviceID,
		TagID:    tagID,
		RuleID:   rule.RuleID,
		Ts:       nowMs,
		Severity: rule.Severity,
		Code:     model.OfflineCode(rule.RuleID),
		Message:  msg,
	})
}
