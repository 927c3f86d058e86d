package store

import (
	"context"
	"errors"

	"github.com/intellimaint/edge/model"
)

// Sentinel errors shared by every storage engine.
var (
	ErrNotFound = errors.New("store: not found")

	// ErrAlarmExists reports that an open alarm already holds the code. The
	// aggregator treats it as a successful dedup, not a failure.
	ErrAlarmExists = errors.New("store: open alarm with this code already exists")

	// ErrBadTransition reports an alarm status update that would move
	// backwards (acknowledging a closed alarm, for example).
	ErrBadTransition = errors.New("store: invalid alarm status transition")
)

// TelemetryPoint is the row form of a persisted sample.
type TelemetryPoint struct {
	DeviceID  string          `db:"device_id"`
	TagID     string          `db:"tag_id"`
	Ts        int64           `db:"ts"`
	Seq       int64           `db:"seq"`
	ValueType model.ValueType `db:"value_type"`
	Value     string          `db:"value"`
	Numeric   *float64        `db:"num_value"`
	Quality   int             `db:"quality"`
	Protocol  string          `db:"protocol"`
}

// PointFromSample renders a sample into its row form. All persistence paths
// (database writers and the overflow sink) share this rendering so a spilled
// row can be replayed later.
func PointFromSample(s model.TypedSample) TelemetryPoint {
	p := TelemetryPoint{
		DeviceID:  s.DeviceID,
		TagID:     s.TagID,
		Ts:        s.Ts,
		Seq:       s.Seq,
		ValueType: s.ValueType,
		Value:     s.ValueString(),
		Quality:   s.Quality,
		Protocol:  s.Protocol,
	}
	if n, ok := s.Numeric(); ok {
		p.Numeric = &n
	}
	return p
}

// LastSeen records the newest sample timestamp per (device, tag). The offline
// evaluator hydrates its in-memory map from these rows at startup.
type LastSeen struct {
	DeviceID string `db:"device_id"`
	TagID    string `db:"tag_id"`
	Ts       int64  `db:"ts"`
}

// TelemetryRepository persists typed samples and answers point queries.
type TelemetryRepository interface {
	// AppendBatch persists samples. Rows that duplicate an existing
	// (device, tag, ts, seq) key are silently skipped.
	AppendBatch(ctx context.Context, samples []model.TypedSample) error
	// Latest returns the most recent point for one tag, or ErrNotFound.
	Latest(ctx context.Context, deviceID, tagID string) (TelemetryPoint, error)
	// Range returns points with fromMs <= ts < toMs, oldest first.
	Range(ctx context.Context, deviceID, tagID string, fromMs, toMs int64, limit int) ([]TelemetryPoint, error)
}

// AlarmStore persists alarms and their aggregation groups. The aggregator is
// the sole writer; read methods serve the dashboard and CLI.
type AlarmStore interface {
	// CreateAlarm inserts an alarm. If an open alarm already holds the same
	// code it returns ErrAlarmExists (backed by a partial unique index, so
	// the check-then-insert race cannot produce duplicates).
	CreateAlarm(ctx context.Context, rec *model.AlarmRecord) error
	GetAlarm(ctx context.Context, alarmID string) (model.AlarmRecord, error)
	QueryAlarms(ctx context.Context, f model.AlarmFilter, p model.Page) ([]model.AlarmRecord, error)
	// HasOpenByCode reports whether any non-closed alarm holds the code.
	HasOpenByCode(ctx context.Context, code string) (bool, error)
	// Acknowledge moves an Open alarm to Acknowledged.
	Acknowledge(ctx context.Context, alarmID, user, note string) error
	// CloseAlarm moves an alarm to Closed. Closing twice is a no-op.
	CloseAlarm(ctx context.Context, alarmID string) error
	// CloseByCode closes every open alarm holding the code and returns how
	// many rows changed.
	CloseByCode(ctx context.Context, code string) (int, error)

	// OpenGroup returns the non-closed group for (device, rule), or
	// ErrNotFound when none is open.
	OpenGroup(ctx context.Context, deviceID, ruleID string) (model.AlarmGroup, error)
	// UpsertGroup inserts or replaces a group by its GroupID.
	UpsertGroup(ctx context.Context, g *model.AlarmGroup) error
	QueryGroups(ctx context.Context, p model.Page) ([]model.AlarmGroup, error)
}

// LastSeenStore persists last-data timestamps across restarts.
type LastSeenStore interface {
	UpsertLastSeen(ctx context.Context, entries []LastSeen) error
	AllLastSeen(ctx context.Context) ([]LastSeen, error)
}

// RuleRepository supplies enabled alarm rules. Implementations stamp Family
// and the debounce default before returning.
type RuleRepository interface {
	ListEnabled(ctx context.Context) ([]model.AlarmRule, error)
}

// Store bundles every persistence concern one engine provides.
type Store interface {
	TelemetryRepository
	AlarmStore
	LastSeenStore
	Close() error
}
