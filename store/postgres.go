package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intellimaint/edge/model"
)

// Postgres is the gateway Store, intended for a TimescaleDB instance shared
// by several edge agents. Plain Postgres works too; the hypertable setup is
// skipped when the extension is absent.
type Postgres struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS telemetry (
		device_id  TEXT   NOT NULL,
		tag_id     TEXT   NOT NULL,
		ts         BIGINT NOT NULL,
		seq        BIGINT NOT NULL,
		value_type INT    NOT NULL,
		value      TEXT   NOT NULL,
		num_value  DOUBLE PRECISION,
		quality    INT    NOT NULL,
		protocol   TEXT   NOT NULL DEFAULT '',
		PRIMARY KEY (device_id, tag_id, ts, seq)
	)`,
	`DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
			PERFORM create_hypertable('telemetry', 'ts',
				chunk_time_interval => 86400000, if_not_exists => TRUE);
		END IF;
	END
	$$`,
	`CREATE INDEX IF NOT EXISTS telemetry_ts ON telemetry(ts)`,
	`CREATE TABLE IF NOT EXISTS alarms (
		alarm_id    TEXT PRIMARY KEY,
		device_id   TEXT   NOT NULL,
		tag_id      TEXT   NOT NULL,
		ts          BIGINT NOT NULL,
		severity    INT    NOT NULL,
		code        TEXT   NOT NULL,
		message     TEXT   NOT NULL,
		status      INT    NOT NULL DEFAULT 0,
		group_id    TEXT   NOT NULL DEFAULT '',
		ack_user    TEXT   NOT NULL DEFAULT '',
		ack_note    TEXT   NOT NULL DEFAULT '',
		created_utc BIGINT NOT NULL,
		updated_utc BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alarms_open_code ON alarms(code) WHERE status <> 2`,
	`CREATE INDEX IF NOT EXISTS alarms_device_ts ON alarms(device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS alarm_groups (
		group_id     TEXT PRIMARY KEY,
		device_id    TEXT   NOT NULL,
		rule_id      TEXT   NOT NULL,
		severity     INT    NOT NULL,
		alarm_count  INT    NOT NULL,
		first_utc    BIGINT NOT NULL,
		last_utc     BIGINT NOT NULL,
		status       INT    NOT NULL DEFAULT 0,
		last_message TEXT   NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS alarm_groups_open ON alarm_groups(device_id, rule_id) WHERE status <> 2`,
	`CREATE TABLE IF NOT EXISTS last_data (
		device_id TEXT   NOT NULL,
		tag_id    TEXT   NOT NULL,
		ts        BIGINT NOT NULL,
		PRIMARY KEY (device_id, tag_id)
	)`,
}

// OpenPostgres connects and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, ddl := range postgresSchema {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Postgres) AppendBatch(ctx context.Context, samples []model.TypedSample) error {
	if len(samples) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, smp := range samples {
		p := PointFromSample(smp)
		b.Queue(`INSERT INTO telemetry
			(device_id, tag_id, ts, seq, value_type, value, num_value, quality, protocol)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING`,
			p.DeviceID, p.TagID, p.Ts, p.Seq, int(p.ValueType), p.Value,
			p.Numeric, p.Quality, p.Protocol)
	}
	br := s.pool.SendBatch(ctx, b)
	var execErr error
	for range samples {
		if _, err := br.Exec(); err != nil {
			execErr = err
			break
		}
	}
	if cerr := br.Close(); execErr == nil {
		execErr = cerr
	}
	return execErr
}

func (s *Postgres) Latest(ctx context.Context, deviceID, tagID string) (TelemetryPoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pointCols+` FROM telemetry
		WHERE device_id = $1 AND tag_id = $2
		ORDER BY ts DESC, seq DESC LIMIT 1`, deviceID, tagID)
	if err != nil {
		return TelemetryPoint{}, err
	}
	p, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[TelemetryPoint])
	if errors.Is(err, pgx.ErrNoRows) {
		return TelemetryPoint{}, ErrNotFound
	}
	return p, err
}

func (s *Postgres) Range(ctx context.Context, deviceID, tagID string, fromMs, toMs int64, limit int) ([]TelemetryPoint, error) {
	q := `SELECT ` + pointCols + ` FROM telemetry WHERE device_id = $1 AND tag_id = $2 AND ts >= $3`
	args := []any{deviceID, tagID, fromMs}
	if toMs > 0 {
		args = append(args, toMs)
		q += fmt.Sprintf(` AND ts < $%d`, len(args))
	}
	q += ` ORDER BY ts, seq`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[TelemetryPoint])
}

func (s *Postgres) CreateAlarm(ctx context.Context, rec *model.AlarmRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO alarms (`+alarmCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.AlarmID, rec.DeviceID, rec.TagID, rec.Ts, rec.Severity, rec.Code,
		rec.Message, int(rec.Status), rec.GroupID, rec.AckUser, rec.AckNote,
		rec.CreatedUTC.UnixMilli(), rec.UpdatedUTC.UnixMilli())
	if isPGUniqueViolation(err) {
		return ErrAlarmExists
	}
	return err
}

func (s *Postgres) GetAlarm(ctx context.Context, alarmID string) (model.AlarmRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alarmCols+` FROM alarms WHERE alarm_id = $1`, alarmID)
	if err != nil {
		return model.AlarmRecord{}, err
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[alarmRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AlarmRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AlarmRecord{}, err
	}
	return r.toModel(), nil
}

func (s *Postgres) QueryAlarms(ctx context.Context, f model.AlarmFilter, p model.Page) ([]model.AlarmRecord, error) {
	q := `SELECT ` + alarmCols + ` FROM alarms`
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	if f.TagID != "" {
		add("tag_id = $%d", f.TagID)
	}
	if f.Code != "" {
		add("code = $%d", f.Code)
	}
	if f.GroupID != "" {
		add("group_id = $%d", f.GroupID)
	}
	if f.Status != nil {
		add("status = $%d", int(*f.Status))
	}
	if f.Since > 0 {
		add("ts >= $%d", f.Since)
	}
	if f.Until > 0 {
		add("ts < $%d", f.Until)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts DESC"
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	rs, err := pgx.CollectRows(rows, pgx.RowToStructByName[alarmRow])
	if err != nil {
		return nil, err
	}
	out := make([]model.AlarmRecord, len(rs))
	for i, r := range rs {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Postgres) HasOpenByCode(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alarms WHERE code = $1 AND status <> 2)`, code).Scan(&exists)
	return exists, err
}

func (s *Postgres) Acknowledge(ctx context.Context, alarmID, user, note string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alarms
		SET status = $1, ack_user = $2, ack_note = $3, updated_utc = $4
		WHERE alarm_id = $5 AND status = $6`,
		int(model.StatusAcknowledged), user, note, time.Now().UnixMilli(),
		alarmID, int(model.StatusOpen))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, alarmID)
	}
	return nil
}

func (s *Postgres) CloseAlarm(ctx context.Context, alarmID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alarms
		SET status = $1, updated_utc = $2 WHERE alarm_id = $3 AND status <> $1`,
		int(model.StatusClosed), time.Now().UnixMilli(), alarmID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var st int
		err := s.pool.QueryRow(ctx,
			`SELECT status FROM alarms WHERE alarm_id = $1`, alarmID).Scan(&st)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Postgres) transitionFailure(ctx context.Context, alarmID string) error {
	var st int
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM alarms WHERE alarm_id = $1`, alarmID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrBadTransition
}

func (s *Postgres) CloseByCode(ctx context.Context, code string) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE alarms
		SET status = $1, updated_utc = $2 WHERE code = $3 AND status <> $1`,
		int(model.StatusClosed), time.Now().UnixMilli(), code)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) OpenGroup(ctx context.Context, deviceID, ruleID string) (model.AlarmGroup, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+groupCols+` FROM alarm_groups
		WHERE device_id = $1 AND rule_id = $2 AND status <> 2
		ORDER BY last_utc DESC LIMIT 1`, deviceID, ruleID)
	if err != nil {
		return model.AlarmGroup{}, err
	}
	r, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[groupRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AlarmGroup{}, ErrNotFound
	}
	if err != nil {
		return model.AlarmGroup{}, err
	}
	return r.toModel(), nil
}

func (s *Postgres) UpsertGroup(ctx context.Context, g *model.AlarmGroup) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO alarm_groups (`+groupCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (group_id) DO UPDATE SET
			severity = excluded.severity,
			alarm_count = excluded.alarm_count,
			last_utc = excluded.last_utc,
			status = excluded.status,
			last_message = excluded.last_message`,
		g.GroupID, g.DeviceID, g.RuleID, g.Severity, g.AlarmCount,
		g.FirstUTC.UnixMilli(), g.LastUTC.UnixMilli(), int(g.Status), g.LastMessage)
	return err
}

func (s *Postgres) QueryGroups(ctx context.Context, p model.Page) ([]model.AlarmGroup, error) {
	q := `SELECT ` + groupCols + ` FROM alarm_groups ORDER BY last_utc DESC`
	var args []any
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	rs, err := pgx.CollectRows(rows, pgx.RowToStructByName[groupRow])
	if err != nil {
		return nil, err
	}
	out := make([]model.AlarmGroup, len(rs))
	for i, r := range rs {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Postgres) UpsertLastSeen(ctx context.Context, entries []LastSeen) error {
	if len(entries) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, e := range entries {
		b.Queue(`INSERT INTO last_data (device_id, tag_id, ts) VALUES ($1, $2, $3)
			ON CONFLICT (device_id, tag_id) DO UPDATE SET ts = excluded.ts
			WHERE excluded.ts > last_data.ts`, e.DeviceID, e.TagID, e.Ts)
	}
	br := s.pool.SendBatch(ctx, b)
	var execErr error
	for range entries {
		if _, err := br.Exec(); err != nil {
			execErr = err
			break
		}
	}
	if cerr := br.Close(); execErr == nil {
		execErr = cerr
	}
	return execErr
}

func (s *Postgres) AllLastSeen(ctx context.Context) ([]LastSeen, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT device_id, tag_id, ts FROM last_data ORDER BY device_id, tag_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[LastSeen])
}
