package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/intellimaint/edge/model"
)

// SQLite is the edge-local Store, backed by a single WAL database file.
type SQLite struct {
	db *sqlx.DB
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS telemetry (
		device_id  TEXT    NOT NULL,
		tag_id     TEXT    NOT NULL,
		ts         INTEGER NOT NULL,
		seq        INTEGER NOT NULL,
		value_type INTEGER NOT NULL,
		value      TEXT    NOT NULL,
		num_value  REAL,
		quality    INTEGER NOT NULL,
		protocol   TEXT    NOT NULL DEFAULT '',
		PRIMARY KEY (device_id, tag_id, ts, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS telemetry_ts ON telemetry(ts)`,
	`CREATE TABLE IF NOT EXISTS alarms (
		alarm_id    TEXT PRIMARY KEY,
		device_id   TEXT    NOT NULL,
		tag_id      TEXT    NOT NULL,
		ts          INTEGER NOT NULL,
		severity    INTEGER NOT NULL,
		code        TEXT    NOT NULL,
		message     TEXT    NOT NULL,
		status      INTEGER NOT NULL DEFAULT 0,
		group_id    TEXT    NOT NULL DEFAULT '',
		ack_user    TEXT    NOT NULL DEFAULT '',
		ack_note    TEXT    NOT NULL DEFAULT '',
		created_utc INTEGER NOT NULL,
		updated_utc INTEGER NOT NULL
	)`,
	// One open alarm per code. The insert path relies on this index to make
	// check-then-insert safe under concurrency.
	`CREATE UNIQUE INDEX IF NOT EXISTS alarms_open_code ON alarms(code) WHERE status <> 2`,
	`CREATE INDEX IF NOT EXISTS alarms_device_ts ON alarms(device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS alarm_groups (
		group_id     TEXT PRIMARY KEY,
		device_id    TEXT    NOT NULL,
		rule_id      TEXT    NOT NULL,
		severity     INTEGER NOT NULL,
		alarm_count  INTEGER NOT NULL,
		first_utc    INTEGER NOT NULL,
		last_utc     INTEGER NOT NULL,
		status       INTEGER NOT NULL DEFAULT 0,
		last_message TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS alarm_groups_open ON alarm_groups(device_id, rule_id) WHERE status <> 2`,
	`CREATE TABLE IF NOT EXISTS last_data (
		device_id TEXT    NOT NULL,
		tag_id    TEXT    NOT NULL,
		ts        INTEGER NOT NULL,
		PRIMARY KEY (device_id, tag_id)
	)`,
}

// OpenSQLite opens (creating if needed) the edge database. Pass ":memory:"
// for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: one writer avoids SQLITE_BUSY and keeps the
	// in-memory variant coherent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, ddl := range sqliteSchema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT,
		sqlite3.SQLITE_CONSTRAINT_UNIQUE,
		sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (s *SQLite) AppendBatch(ctx context.Context, samples []model.TypedSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO telemetry
		(device_id, tag_id, ts, seq, value_type, value, num_value, quality, protocol)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, smp := range samples {
		p := PointFromSample(smp)
		if _, err := stmt.ExecContext(ctx, p.DeviceID, p.TagID, p.Ts, p.Seq,
			int(p.ValueType), p.Value, p.Numeric, p.Quality, p.Protocol); err != nil {
			return fmt.Errorf("insert telemetry %s/%s: %w", p.DeviceID, p.TagID, err)
		}
	}
	return tx.Commit()
}

const pointCols = `device_id, tag_id, ts, seq, value_type, value, num_value, quality, protocol`

func (s *SQLite) Latest(ctx context.Context, deviceID, tagID string) (TelemetryPoint, error) {
	var p TelemetryPoint
	err := s.db.GetContext(ctx, &p, `SELECT `+pointCols+` FROM telemetry
		WHERE device_id = ? AND tag_id = ?
		ORDER BY ts DESC, seq DESC LIMIT 1`, deviceID, tagID)
	if errors.Is(err, sql.ErrNoRows) {
		return TelemetryPoint{}, ErrNotFound
	}
	return p, err
}

func (s *SQLite) Range(ctx context.Context, deviceID, tagID string, fromMs, toMs int64, limit int) ([]TelemetryPoint, error) {
	q := `SELECT ` + pointCols + ` FROM telemetry WHERE device_id = ? AND tag_id = ? AND ts >= ?`
	args := []any{deviceID, tagID, fromMs}
	if toMs > 0 {
		q += ` AND ts < ?`
		args = append(args, toMs)
	}
	q += ` ORDER BY ts, seq`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []TelemetryPoint
	err := s.db.SelectContext(ctx, &out, q, args...)
	return out, err
}

type alarmRow struct {
	AlarmID    string `db:"alarm_id"`
	DeviceID   string `db:"device_id"`
	TagID      string `db:"tag_id"`
	Ts         int64  `db:"ts"`
	Severity   int    `db:"severity"`
	Code       string `db:"code"`
	Message    string `db:"message"`
	Status     int    `db:"status"`
	GroupID    string `db:"group_id"`
	AckUser    string `db:"ack_user"`
	AckNote    string `db:"ack_note"`
	CreatedUTC int64  `db:"created_utc"`
	UpdatedUTC int64  `db:"updated_utc"`
}

func (r alarmRow) toModel() model.AlarmRecord {
	return model.AlarmRecord{
		AlarmID:    r.AlarmID,
		DeviceID:   r.DeviceID,
		TagID:      r.TagID,
		Ts:         r.Ts,
		Severity:   r.Severity,
		Code:       r.Code,
		Message:    r.Message,
		Status:     model.AlarmStatus(r.Status),
		GroupID:    r.GroupID,
		AckUser:    r.AckUser,
		AckNote:    r.AckNote,
		CreatedUTC: time.UnixMilli(r.CreatedUTC).UTC(),
		UpdatedUTC: time.UnixMilli(r.UpdatedUTC).UTC(),
	}
}

const alarmCols = `alarm_id, device_id, tag_id, ts, severity, code, message,
	status, group_id, ack_user, ack_note, created_utc, updated_utc`

func (s *SQLite) CreateAlarm(ctx context.Context, rec *model.AlarmRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO alarms (`+alarmCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AlarmID, rec.DeviceID, rec.TagID, rec.Ts, rec.Severity, rec.Code,
		rec.Message, int(rec.Status), rec.GroupID, rec.AckUser, rec.AckNote,
		rec.CreatedUTC.UnixMilli(), rec.UpdatedUTC.UnixMilli())
	if isSQLiteUniqueViolation(err) {
		return ErrAlarmExists
	}
	return err
}

func (s *SQLite) GetAlarm(ctx context.Context, alarmID string) (model.AlarmRecord, error) {
	var r alarmRow
	err := s.db.GetContext(ctx, &r, `SELECT `+alarmCols+` FROM alarms WHERE alarm_id = ?`, alarmID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlarmRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AlarmRecord{}, err
	}
	return r.toModel(), nil
}

func (s *SQLite) QueryAlarms(ctx context.Context, f model.AlarmFilter, p model.Page) ([]model.AlarmRecord, error) {
	q := `SELECT ` + alarmCols + ` FROM alarms`
	var conds []string
	var args []any
	if f.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.TagID != "" {
		conds = append(conds, "tag_id = ?")
		args = append(args, f.TagID)
	}
	if f.Code != "" {
		conds = append(conds, "code = ?")
		args = append(args, f.Code)
	}
	if f.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, int(*f.Status))
	}
	if f.Since > 0 {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts DESC"
	limit := p.Limit
	if limit <= 0 && p.Offset > 0 {
		limit = -1
	}
	if limit != 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	if p.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, p.Offset)
	}
	var rows []alarmRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]model.AlarmRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *SQLite) HasOpenByCode(ctx context.Context, code string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM alarms WHERE code = ? AND status <> 2`, code)
	return n > 0, err
}

func (s *SQLite) Acknowledge(ctx context.Context, alarmID, user, note string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alarms
		SET status = ?, ack_user = ?, ack_note = ?, updated_utc = ?
		WHERE alarm_id = ? AND status = ?`,
		int(model.StatusAcknowledged), user, note, time.Now().UnixMilli(),
		alarmID, int(model.StatusOpen))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionFailure(ctx, alarmID)
	}
	return nil
}

func (s *SQLite) CloseAlarm(ctx context.Context, alarmID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alarms
		SET status = ?, updated_utc = ? WHERE alarm_id = ? AND status <> ?`,
		int(model.StatusClosed), time.Now().UnixMilli(), alarmID, int(model.StatusClosed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var st int
		err := s.db.GetContext(ctx, &st, `SELECT status FROM alarms WHERE alarm_id = ?`, alarmID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err // already closed: no-op
	}
	return nil
}

// transitionFailure decides why a guarded status update matched no rows.
func (s *SQLite) transitionFailure(ctx context.Context, alarmID string) error {
	var st int
	err := s.db.GetContext(ctx, &st, `SELECT status FROM alarms WHERE alarm_id = ?`, alarmID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrBadTransition
}

func (s *SQLite) CloseByCode(ctx context.Context, code string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alarms
		SET status = ?, updated_utc = ? WHERE code = ? AND status <> ?`,
		int(model.StatusClosed), time.Now().UnixMilli(), code, int(model.StatusClosed))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type groupRow struct {
	GroupID     string `db:"group_id"`
	DeviceID    string `db:"device_id"`
	RuleID      string `db:"rule_id"`
	Severity    int    `db:"severity"`
	AlarmCount  int    `db:"alarm_count"`
	FirstUTC    int64  `db:"first_utc"`
	LastUTC     int64  `db:"last_utc"`
	Status      int    `db:"status"`
	LastMessage string `db:"last_message"`
}

func (r groupRow) toModel() model.AlarmGroup {
	return model.AlarmGroup{
		GroupID:     r.GroupID,
		DeviceID:    r.DeviceID,
		RuleID:      r.RuleID,
		Severity:    r.Severity,
		AlarmCount:  r.AlarmCount,
		FirstUTC:    time.UnixMilli(r.FirstUTC).UTC(),
		LastUTC:     time.UnixMilli(r.LastUTC).UTC(),
		Status:      model.AlarmStatus(r.Status),
		LastMessage: r.LastMessage,
	}
}

const groupCols = `group_id, device_id, rule_id, severity, alarm_count,
	first_utc, last_utc, status, last_message`

func (s *SQLite) OpenGroup(ctx context.Context, deviceID, ruleID string) (model.AlarmGroup, error) {
	var r groupRow
	err := s.db.GetContext(ctx, &r, `SELECT `+groupCols+` FROM alarm_groups
		WHERE device_id = ? AND rule_id = ? AND status <> 2
		ORDER BY last_utc DESC LIMIT 1`, deviceID, ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlarmGroup{}, ErrNotFound
	}
	if err != nil {
		return model.AlarmGroup{}, err
	}
	return r.toModel(), nil
}

func (s *SQLite) UpsertGroup(ctx context.Context, g *model.AlarmGroup) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO alarm_groups (`+groupCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			severity = excluded.severity,
			alarm_count = excluded.alarm_count,
			last_utc = excluded.last_utc,
			status = excluded.status,
			last_message = excluded.last_message`,
		g.GroupID, g.DeviceID, g.RuleID, g.Severity, g.AlarmCount,
		g.FirstUTC.UnixMilli(), g.LastUTC.UnixMilli(), int(g.Status), g.LastMessage)
	return err
}

func (s *SQLite) QueryGroups(ctx context.Context, p model.Page) ([]model.AlarmGroup, error) {
	q := `SELECT ` + groupCols + ` FROM alarm_groups ORDER BY last_utc DESC`
	var args []any
	limit := p.Limit
	if limit <= 0 && p.Offset > 0 {
		limit = -1
	}
	if limit != 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	if p.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, p.Offset)
	}
	var rows []groupRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]model.AlarmGroup, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *SQLite) UpsertLastSeen(ctx context.Context, entries []LastSeen) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PreparexContext(ctx, `INSERT INTO last_data (device_id, tag_id, ts)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, tag_id) DO UPDATE SET ts = excluded.ts
		WHERE excluded.ts > last_data.ts`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.DeviceID, e.TagID, e.Ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) AllLastSeen(ctx context.Context) ([]LastSeen, error) {
	var out []LastSeen
	err := s.db.SelectContext(ctx, &out,
		`SELECT device_id, tag_id, ts FROM last_data ORDER BY device_id, tag_id`)
	return out, err
}
