package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
)

// recentAlarmCap bounds the in-memory ring of recent alarms kept for the
// dashboard and engine stats.
const recentAlarmCap = 50

// ExtractRuleID pulls the rule identifier out of an alarm code: the suffix
// after the first colon, or the whole code when there is none. Characters
// outside [A-Za-z0-9_-] are sanitized to underscores so the id is safe in
// group keys and file names.
func ExtractRuleID(code string) string {
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code = code[i+1:]
	}
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Aggregator is the single alarm-store writer. It consumes alarm intents,
// persists records, and rolls correlated alarms into groups keyed by
// (device, extracted rule id): an open group absorbs new members, extends
// its time range and takes the maximum member severity.
type Aggregator struct {
	in       <-chan model.AlarmIntent
	store    store.AlarmStore
	notifier *Notifier
	clk      clock.Clock
	log      *zap.Logger

	mu     sync.Mutex
	recent []model.AlarmRecord // newest first
}

// NewAggregator wires the aggregator. notifier may be nil.
func NewAggregator(in <-chan model.AlarmIntent, st store.AlarmStore, notifier *Notifier, clk clock.Clock, log *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		in:       in,
		store:    st,
		notifier: notifier,
		clk:      clk,
		log:      log.Named("alarms"),
	}
}

// Run consumes intents until the channel closes.
func (a *Aggregator) Run(ctx context.Context) error {
	for intent := range a.in {
		a.handle(ctx, intent)
	}
	return nil
}

func (a *Aggregator) handle(ctx context.Context, intent model.AlarmIntent) {
	ruleID := ExtractRuleID(intent.Code)
	now := a.clk.Now().UTC()

	// Resolve the group first so the record can carry its id. The group row
	// is only written after the record insert succeeds; a deduplicated
	// record must not inflate the group.
	group, err := a.store.OpenGroup(ctx, intent.DeviceID, ruleID)
	escalated := false
	switch {
	case err == nil:
		group.AlarmCount++
		if intent.Severity > group.Severity {
			group.Severity = intent.Severity
			escalated = true
		}
		group.LastUTC = intent.Time()
		group.LastMessage = intent.Message
	case errors.Is(err, store.ErrNotFound):
		group = model.AlarmGroup{
			GroupID:     fmt.Sprintf("grp-%s-%s-%d", intent.DeviceID, ruleID, intent.Ts),
			DeviceID:    intent.DeviceID,
			RuleID:      ruleID,
			Severity:    intent.Severity,
			AlarmCount:  1,
			FirstUTC:    intent.Time(),
			LastUTC:     intent.Time(),
			Status:      model.StatusOpen,
			LastMessage: intent.Message,
		}
	default:
		a.log.Error("group lookup failed", zap.String("device", intent.DeviceID),
			zap.String("rule", ruleID), zap.Error(err))
		group = model.AlarmGroup{} // persist the record without a group
	}

	rec := model.AlarmRecord{
		AlarmID:    "alm-" + uuid.NewString(),
		DeviceID:   intent.DeviceID,
		TagID:      intent.TagID,
		Ts:         intent.Ts,
		Severity:   intent.Severity,
		Code:       intent.Code,
		Message:    intent.Message,
		Status:     model.StatusOpen,
		GroupID:    group.GroupID,
		CreatedUTC: now,
		UpdatedUTC: now,
	}
	if err := a.store.CreateAlarm(ctx, &rec); err != nil {
		if errors.Is(err, store.ErrAlarmExists) {
			// Lost the race against an identical open alarm: someone else
			// already raised this code. Nothing to do.
			metricAlarmsDeduped.Inc()
			return
		}
		a.log.Error("alarm create failed", zap.String("code", intent.Code), zap.Error(err))
		return
	}
	metricAlarmsPersisted.Inc()
	a.log.Info("alarm raised",
		zap.String("code", intent.Code),
		zap.String("device", intent.DeviceID),
		zap.String("tag", intent.TagID),
		zap.Int("severity", intent.Severity))

	if group.GroupID != "" {
		if err := a.store.UpsertGroup(ctx, &group); err != nil {
			a.log.Error("group upsert failed", zap.String("group", group.GroupID), zap.Error(err))
		} else if a.notifier != nil && escalated {
			a.notifier.Notify("group.escalated", group)
		}
	}
	if a.notifier != nil {
		a.notifier.Notify("alarm.created", rec)
	}
	a.remember(rec)
}

func (a *Aggregator) remember(rec model.AlarmRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append([]model.AlarmRecord{rec}, a.recent...)
	if len(a.recent) > recentAlarmCap {
		a.recent = a.recent[:recentAlarmCap]
	}
}

// Recent returns the newest persisted alarms, newest first.
func (a *Aggregator) Recent() []model.AlarmRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.AlarmRecord, len(a.recent))
	copy(out, a.recent)
	return out
}

// AcknowledgeGroup acknowledges the group and every member alarm.
func (a *Aggregator) AcknowledgeGroup(ctx context.Context, groupID, user, note string) error {
	return a.updateGroup(ctx, groupID, model.StatusAcknowledged, func(rec model.AlarmRecord) error {
		if rec.Status != model.StatusOpen {
			return nil
		}
		return a.store.Acknowledge(ctx, rec.AlarmID, user, note)
	})
}

// CloseGroup closes the group and every member alarm.
func (a *Aggregator) CloseGroup(ctx context.Context, groupID string) error {
	return a.updateGroup(ctx, groupID, model.StatusClosed, func(rec model.AlarmRecord) error {
		if rec.Status == model.StatusClosed {
			return nil
		}
		return a.store.CloseAlarm(ctx, rec.AlarmID)
	})
}

// updatePageSize bounds one page of the group and member scans below. The
// loops keep paging until a short page, so counts beyond it still propagate.
const updatePageSize = 500

func (a *Aggregator) updateGroup(ctx context.Context, groupID string, status model.AlarmStatus, each func(model.AlarmRecord) error) error {
	g, err := a.findGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Status > status {
		return store.ErrBadTransition
	}
	for offset := 0; ; offset += updatePageSize {
		members, err := a.store.QueryAlarms(ctx, model.AlarmFilter{GroupID: groupID},
			model.Page{Offset: offset, Limit: updatePageSize})
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := each(m); err != nil {
				return err
			}
		}
		if len(members) < updatePageSize {
			break
		}
	}
	g.Status = status
	return a.store.UpsertGroup(ctx, &g)
}

func (a *Aggregator) findGroup(ctx context.Context, groupID string) (model.AlarmGroup, error) {
	for offset := 0; ; offset += updatePageSize {
		groups, err := a.store.QueryGroups(ctx, model.Page{Offset: offset, Limit: updatePageSize})
		if err != nil {
			return model.AlarmGroup{}, err
		}
		for _, g := range groups {
			if g.GroupID == groupID {
				return g, nil
			}
		}
		if len(groups) < updatePageSize {
			return model.AlarmGroup{}, store.ErrNotFound
		}
	}
}
