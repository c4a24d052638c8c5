package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "embed"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/alarm"
	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/telemetry"
	"github.com/stellarops/stellarops/internal/tle"
)

//go:embed schema.sql
var schema string

// Postgres backs the store with a Postgres database through the pgx stdlib
// driver. The schema is applied idempotently at startup.
type Postgres struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewPostgres connects, pings, and ensures the schema.
func NewPostgres(ctx context.Context, url string, log *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, faults.Transient.Wrap(err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, faults.Transient.New("database ping failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, faults.Exception.New("schema apply failed: %v", err)
	}

	log.Named("store").Info("connected to postgres")
	return &Postgres{db: db, log: log.Named("store")}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// classify folds driver errors into the shared taxonomy.
func classify(err error, notFound string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return faults.NotFound.New(notFound, args...)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Timeout.Wrap(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return faults.AlreadyExists.Wrap(err)
		case "40001", "40P01": // serialization failure, deadlock
			return faults.Transient.Wrap(err)
		}
	}
	return faults.Exception.Wrap(err)
}

// nullTime maps the zero time to NULL on the way in.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func toJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func fromJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, faults.Exception.Wrap(err)
	}
	return m, nil
}

type satelliteRow struct {
	ID            string       `db:"id"`
	Name          string       `db:"name"`
	NoradID       int          `db:"norad_id"`
	Mode          string       `db:"mode"`
	Energy        float64      `db:"energy"`
	MemoryUsed    float64      `db:"memory_used"`
	PosX          float64      `db:"pos_x"`
	PosY          float64      `db:"pos_y"`
	PosZ          float64      `db:"pos_z"`
	TLELine1      string       `db:"tle_line1"`
	TLELine2      string       `db:"tle_line2"`
	TLEEpoch      sql.NullTime `db:"tle_epoch"`
	LastHeartbeat sql.NullTime `db:"last_heartbeat"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r satelliteRow) toModel() *satellite.Satellite {
	return &satellite.Satellite{
		ID:            r.ID,
		Name:          r.Name,
		NoradID:       r.NoradID,
		Mode:          satellite.Mode(r.Mode),
		Energy:        r.Energy,
		MemoryUsed:    r.MemoryUsed,
		Position:      satellite.Position{X: r.PosX, Y: r.PosY, Z: r.PosZ},
		TLELine1:      r.TLELine1,
		TLELine2:      r.TLELine2,
		TLEEpoch:      fromNull(r.TLEEpoch),
		LastHeartbeat: fromNull(r.LastHeartbeat),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func satelliteArgs(s *satellite.Satellite, now time.Time) map[string]any {
	created := s.CreatedAt
	if created.IsZero() {
		created = now
	}
	return map[string]any{
		"id":             s.ID,
		"name":           s.Name,
		"norad_id":       s.NoradID,
		"mode":           string(s.Mode),
		"energy":         s.Energy,
		"memory_used":    s.MemoryUsed,
		"pos_x":          s.Position.X,
		"pos_y":          s.Position.Y,
		"pos_z":          s.Position.Z,
		"tle_line1":      s.TLELine1,
		"tle_line2":      s.TLELine2,
		"tle_epoch":      nullTime(s.TLEEpoch),
		"last_heartbeat": nullTime(s.LastHeartbeat),
		"created_at":     created,
		"updated_at":     now,
	}
}

func (p *Postgres) InsertSatellite(ctx context.Context, s *satellite.Satellite) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO satellites (id, name, norad_id, mode, energy, memory_used,
			pos_x, pos_y, pos_z, tle_line1, tle_line2, tle_epoch,
			last_heartbeat, created_at, updated_at)
		VALUES (:id, :name, :norad_id, :mode, :energy, :memory_used,
			:pos_x, :pos_y, :pos_z, :tle_line1, :tle_line2, :tle_epoch,
			:last_heartbeat, :created_at, :updated_at)`,
		satelliteArgs(s, time.Now().UTC()))
	return classify(err, "satellite %s not found", s.ID)
}

func (p *Postgres) UpdateSatellite(ctx context.Context, s *satellite.Satellite) error {
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE satellites SET name = :name, norad_id = :norad_id, mode = :mode,
			energy = :energy, memory_used = :memory_used,
			pos_x = :pos_x, pos_y = :pos_y, pos_z = :pos_z,
			tle_line1 = :tle_line1, tle_line2 = :tle_line2, tle_epoch = :tle_epoch,
			last_heartbeat = :last_heartbeat, updated_at = :updated_at
		WHERE id = :id`,
		satelliteArgs(s, time.Now().UTC()))
	if err != nil {
		return classify(err, "satellite %s not found", s.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound.New("satellite %s not found", s.ID)
	}
	return nil
}

func (p *Postgres) Satellite(ctx context.Context, id string) (*satellite.Satellite, error) {
	var row satelliteRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM satellites WHERE id = $1`, id)
	if err != nil {
		return nil, classify(err, "satellite %s not found", id)
	}
	return row.toModel(), nil
}

func (p *Postgres) Satellites(ctx context.Context) ([]*satellite.Satellite, error) {
	var rows []satelliteRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM satellites ORDER BY id`); err != nil {
		return nil, classify(err, "satellites not found")
	}
	out := make([]*satellite.Satellite, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (p *Postgres) DeleteSatellite(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM satellites WHERE id = $1`, id)
	if err != nil {
		return classify(err, "satellite %s not found", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound.New("satellite %s not found", id)
	}
	return nil
}

type commandRow struct {
	ID          string       `db:"id"`
	SatelliteID string       `db:"satellite_id"`
	Type        string       `db:"type"`
	Payload     []byte       `db:"payload"`
	Priority    int          `db:"priority"`
	Status      string       `db:"status"`
	TimeoutMS   int          `db:"timeout_ms"`
	RetryCount  int          `db:"retry_count"`
	ScheduledAt sql.NullTime `db:"scheduled_at"`
	InsertedAt  time.Time    `db:"inserted_at"`
	SentAt      sql.NullTime `db:"sent_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	Result      []byte       `db:"result"`
	Error       string       `db:"error"`
	ErrorKind   string       `db:"error_kind"`
}

func (r commandRow) toModel() (*command.Command, error) {
	payload, err := fromJSON(r.Payload)
	if err != nil {
		return nil, err
	}
	result, err := fromJSON(r.Result)
	if err != nil {
		return nil, err
	}
	c := &command.Command{
		ID:          r.ID,
		SatelliteID: r.SatelliteID,
		Type:        r.Type,
		Payload:     payload,
		Priority:    r.Priority,
		Status:      command.Status(r.Status),
		TimeoutMS:   r.TimeoutMS,
		RetryCount:  r.RetryCount,
		InsertedAt:  r.InsertedAt,
		SentAt:      fromNull(r.SentAt),
		StartedAt:   fromNull(r.StartedAt),
		CompletedAt: fromNull(r.CompletedAt),
		UpdatedAt:   r.UpdatedAt,
		Result:      result,
		Error:       r.Error,
		ErrorKind:   r.ErrorKind,
	}
	if r.ScheduledAt.Valid {
		t := r.ScheduledAt.Time
		c.ScheduledAt = &t
	}
	return c, nil
}

func commandArgs(c *command.Command) (map[string]any, error) {
	payload, err := toJSON(c.Payload)
	if err != nil {
		return nil, faults.Exception.Wrap(err)
	}
	result, err := toJSON(c.Result)
	if err != nil {
		return nil, faults.Exception.Wrap(err)
	}
	scheduled := sql.NullTime{}
	if c.ScheduledAt != nil {
		scheduled = sql.NullTime{Time: *c.ScheduledAt, Valid: true}
	}
	return map[string]any{
		"id":           c.ID,
		"satellite_id": c.SatelliteID,
		"type":         c.Type,
		"payload":      payload,
		"priority":     c.Priority,
		"status":       string(c.Status),
		"timeout_ms":   c.TimeoutMS,
		"retry_count":  c.RetryCount,
		"scheduled_at": scheduled,
		"inserted_at":  c.InsertedAt,
		"sent_at":      nullTime(c.SentAt),
		"started_at":   nullTime(c.StartedAt),
		"completed_at": nullTime(c.CompletedAt),
		"updated_at":   c.UpdatedAt,
		"result":       result,
		"error":        c.Error,
		"error_kind":   c.ErrorKind,
	}, nil
}

func (p *Postgres) InsertCommand(ctx context.Context, c *command.Command) error {
	args, err := commandArgs(c)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO commands (id, satellite_id, type, payload, priority, status,
			timeout_ms, retry_count, scheduled_at, inserted_at, sent_at,
			started_at, completed_at, updated_at, result, error, error_kind)
		VALUES (:id, :satellite_id, :type, :payload, :priority, :status,
			:timeout_ms, :retry_count, :scheduled_at, :inserted_at, :sent_at,
			:started_at, :completed_at, :updated_at, :result, :error, :error_kind)`,
		args)
	return classify(err, "command %s not found", c.ID)
}

func (p *Postgres) UpdateCommand(ctx context.Context, c *command.Command) error {
	args, err := commandArgs(c)
	if err != nil {
		return err
	}
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE commands SET status = :status, retry_count = :retry_count,
			scheduled_at = :scheduled_at, sent_at = :sent_at,
			started_at = :started_at, completed_at = :completed_at,
			updated_at = :updated_at, result = :result,
			error = :error, error_kind = :error_kind
		WHERE id = :id`,
		args)
	if err != nil {
		return classify(err, "command %s not found", c.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound.New("command %s not found", c.ID)
	}
	return nil
}

func (p *Postgres) Command(ctx context.Context, id string) (*command.Command, error) {
	var row commandRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM commands WHERE id = $1`, id); err != nil {
		return nil, classify(err, "command %s not found", id)
	}
	return row.toModel()
}

func (p *Postgres) OpenCommands(ctx context.Context) ([]*command.Command, error) {
	var rows []commandRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM commands
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY inserted_at`)
	if err != nil {
		return nil, classify(err, "open commands not found")
	}
	return commandModels(rows)
}

func (p *Postgres) CommandHistory(ctx context.Context, satelliteID string, limit int) ([]*command.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []commandRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM commands
		WHERE satellite_id = $1
		ORDER BY inserted_at DESC
		LIMIT $2`, satelliteID, limit)
	if err != nil {
		return nil, classify(err, "commands for %s not found", satelliteID)
	}
	return commandModels(rows)
}

func commandModels(rows []commandRow) ([]*command.Command, error) {
	out := make([]*command.Command, len(rows))
	for i, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (p *Postgres) InsertTelemetry(ctx context.Context, e *telemetry.Event) error {
	payload, err := toJSON(e.Payload)
	if err != nil {
		return faults.Exception.Wrap(err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO telemetry_events (id, satellite_id, event_type, payload, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SatelliteID, e.EventType, payload, e.Source, e.RecordedAt)
	return classify(err, "telemetry %s not found", e.ID)
}

func (p *Postgres) TelemetryHistory(ctx context.Context, satelliteID string, limit int) ([]*telemetry.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	type row struct {
		ID          string    `db:"id"`
		SatelliteID string    `db:"satellite_id"`
		EventType   string    `db:"event_type"`
		Payload     []byte    `db:"payload"`
		Source      string    `db:"source"`
		RecordedAt  time.Time `db:"recorded_at"`
	}
	var rows []row
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM telemetry_events
		WHERE satellite_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`, satelliteID, limit)
	if err != nil {
		return nil, classify(err, "telemetry for %s not found", satelliteID)
	}
	out := make([]*telemetry.Event, len(rows))
	for i, r := range rows {
		payload, err := fromJSON(r.Payload)
		if err != nil {
			return nil, err
		}
		out[i] = &telemetry.Event{
			ID:          r.ID,
			SatelliteID: r.SatelliteID,
			EventType:   r.EventType,
			Payload:     payload,
			Source:      r.Source,
			RecordedAt:  r.RecordedAt,
		}
	}
	return out, nil
}

func (p *Postgres) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM telemetry_events WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, classify(err, "telemetry not found")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) UpsertHourlyAggregate(ctx context.Context, agg *telemetry.HourlyAggregate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO telemetry_aggregates (satellite_id, metric, win, avg, min, max, count, stddev, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (satellite_id, metric, win, recorded_at) DO UPDATE
		SET avg = EXCLUDED.avg, min = EXCLUDED.min, max = EXCLUDED.max,
			count = EXCLUDED.count, stddev = EXCLUDED.stddev`,
		agg.SatelliteID, agg.Metric, agg.Window, agg.Avg, agg.Min, agg.Max,
		agg.Count, agg.StdDev, agg.RecordedAt)
	return classify(err, "aggregate not found")
}

type alarmRow struct {
	ID             string       `db:"id"`
	Type           string       `db:"type"`
	Severity       string       `db:"severity"`
	Message        string       `db:"message"`
	Source         string       `db:"source"`
	Details        []byte       `db:"details"`
	Status         string       `db:"status"`
	RaisedAt       time.Time    `db:"raised_at"`
	AcknowledgedAt sql.NullTime `db:"acknowledged_at"`
	AcknowledgedBy string       `db:"acknowledged_by"`
	ResolvedAt     sql.NullTime `db:"resolved_at"`
	ResolvedBy     string       `db:"resolved_by"`
}

func (r alarmRow) toModel() (*alarm.Alarm, error) {
	details, err := fromJSON(r.Details)
	if err != nil {
		return nil, err
	}
	a := &alarm.Alarm{
		ID:             r.ID,
		Type:           r.Type,
		Severity:       alarm.Severity(r.Severity),
		Message:        r.Message,
		Source:         r.Source,
		Details:        details,
		Status:         alarm.Status(r.Status),
		RaisedAt:       r.RaisedAt,
		AcknowledgedBy: r.AcknowledgedBy,
		ResolvedBy:     r.ResolvedBy,
	}
	if r.AcknowledgedAt.Valid {
		t := r.AcknowledgedAt.Time
		a.AcknowledgedAt = &t
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

func alarmArgs(a *alarm.Alarm) (map[string]any, error) {
	details, err := toJSON(a.Details)
	if err != nil {
		return nil, faults.Exception.Wrap(err)
	}
	ack, res := sql.NullTime{}, sql.NullTime{}
	if a.AcknowledgedAt != nil {
		ack = sql.NullTime{Time: *a.AcknowledgedAt, Valid: true}
	}
	if a.ResolvedAt != nil {
		res = sql.NullTime{Time: *a.ResolvedAt, Valid: true}
	}
	return map[string]any{
		"id":              a.ID,
		"type":            a.Type,
		"severity":        string(a.Severity),
		"message":         a.Message,
		"source":          a.Source,
		"details":         details,
		"status":          string(a.Status),
		"raised_at":       a.RaisedAt,
		"acknowledged_at": ack,
		"acknowledged_by": a.AcknowledgedBy,
		"resolved_at":     res,
		"resolved_by":     a.ResolvedBy,
	}, nil
}

func (p *Postgres) InsertAlarm(ctx context.Context, a *alarm.Alarm) error {
	args, err := alarmArgs(a)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO alarms (id, type, severity, message, source, details, status,
			raised_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by)
		VALUES (:id, :type, :severity, :message, :source, :details, :status,
			:raised_at, :acknowledged_at, :acknowledged_by, :resolved_at, :resolved_by)`,
		args)
	return classify(err, "alarm %s not found", a.ID)
}

func (p *Postgres) UpdateAlarm(ctx context.Context, a *alarm.Alarm) error {
	args, err := alarmArgs(a)
	if err != nil {
		return err
	}
	out, err := p.db.NamedExecContext(ctx, `
		UPDATE alarms SET status = :status,
			acknowledged_at = :acknowledged_at, acknowledged_by = :acknowledged_by,
			resolved_at = :resolved_at, resolved_by = :resolved_by
		WHERE id = :id`,
		args)
	if err != nil {
		return classify(err, "alarm %s not found", a.ID)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return faults.NotFound.New("alarm %s not found", a.ID)
	}
	return nil
}

func (p *Postgres) Alarm(ctx context.Context, id string) (*alarm.Alarm, error) {
	var row alarmRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM alarms WHERE id = $1`, id); err != nil {
		return nil, classify(err, "alarm %s not found", id)
	}
	return row.toModel()
}

func (p *Postgres) ActiveAlarms(ctx context.Context) ([]*alarm.Alarm, error) {
	var rows []alarmRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM alarms WHERE status <> 'resolved' ORDER BY raised_at DESC`)
	if err != nil {
		return nil, classify(err, "alarms not found")
	}
	return alarmModels(rows)
}

func (p *Postgres) AlarmHistory(ctx context.Context, limit int) ([]*alarm.Alarm, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []alarmRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM alarms ORDER BY raised_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err, "alarms not found")
	}
	return alarmModels(rows)
}

func alarmModels(rows []alarmRow) ([]*alarm.Alarm, error) {
	out := make([]*alarm.Alarm, len(rows))
	for i, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func (p *Postgres) UpsertTLE(ctx context.Context, t *tle.TLE) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tles (norad_id, name, line1, line2, epoch, inclination, raan,
			eccentricity, arg_perigee, mean_anomaly, mean_motion, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (norad_id) DO UPDATE
		SET name = EXCLUDED.name, line1 = EXCLUDED.line1, line2 = EXCLUDED.line2,
			epoch = EXCLUDED.epoch, inclination = EXCLUDED.inclination,
			raan = EXCLUDED.raan, eccentricity = EXCLUDED.eccentricity,
			arg_perigee = EXCLUDED.arg_perigee, mean_anomaly = EXCLUDED.mean_anomaly,
			mean_motion = EXCLUDED.mean_motion, updated_at = now()`,
		t.NoradID, t.Name, t.Line1, t.Line2, t.Epoch, t.Inclination, t.RAAN,
		t.Eccentricity, t.ArgPerigee, t.MeanAnomaly, t.MeanMotion)
	return classify(err, "tle %d not found", t.NoradID)
}

func (p *Postgres) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`,
		jti, nullTime(expiresAt))
	return classify(err, "token not found")
}

func (p *Postgres) TokenRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `
		SELECT count(*) FROM revoked_tokens
		WHERE jti = $1 AND (expires_at IS NULL OR expires_at > now())`, jti)
	if err != nil {
		return false, classify(err, "token not found")
	}
	return n > 0, nil
}
