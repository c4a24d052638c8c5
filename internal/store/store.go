// Package store is the durable persistence layer. A single Store interface
// covers every consumer slice the domain packages declare; the Postgres
// implementation backs production, the in-memory one backs tests and demo
// mode. All errors come back classified into the faults taxonomy.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/alarm"
	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/config"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/telemetry"
	"github.com/stellarops/stellarops/internal/tle"
)

// Store is the full persistence surface. Domain packages depend on their
// own narrow interfaces; this is their union plus the fleet CRUD the API
// layer uses directly.
type Store interface {
	// Satellites.
	InsertSatellite(ctx context.Context, s *satellite.Satellite) error
	UpdateSatellite(ctx context.Context, s *satellite.Satellite) error
	Satellite(ctx context.Context, id string) (*satellite.Satellite, error)
	Satellites(ctx context.Context) ([]*satellite.Satellite, error)
	DeleteSatellite(ctx context.Context, id string) error

	// Commands.
	InsertCommand(ctx context.Context, c *command.Command) error
	UpdateCommand(ctx context.Context, c *command.Command) error
	Command(ctx context.Context, id string) (*command.Command, error)
	OpenCommands(ctx context.Context) ([]*command.Command, error)
	CommandHistory(ctx context.Context, satelliteID string, limit int) ([]*command.Command, error)

	// Telemetry.
	InsertTelemetry(ctx context.Context, e *telemetry.Event) error
	TelemetryHistory(ctx context.Context, satelliteID string, limit int) ([]*telemetry.Event, error)
	DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertHourlyAggregate(ctx context.Context, agg *telemetry.HourlyAggregate) error

	// Alarms.
	InsertAlarm(ctx context.Context, a *alarm.Alarm) error
	UpdateAlarm(ctx context.Context, a *alarm.Alarm) error
	Alarm(ctx context.Context, id string) (*alarm.Alarm, error)
	ActiveAlarms(ctx context.Context) ([]*alarm.Alarm, error)
	AlarmHistory(ctx context.Context, limit int) ([]*alarm.Alarm, error)

	// Orbital elements.
	UpsertTLE(ctx context.Context, t *tle.TLE) error

	// Token revocation. The jti is the token's unique identifier; revoked
	// entries outlive process restarts so a revoked credential stays dead.
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	TokenRevoked(ctx context.Context, jti string) (bool, error)

	Close() error
}

// New picks the implementation from database.driver.
func New(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.URL, log)
	default:
		return nil, faults.Validation.New("unknown database driver %q", cfg.Driver)
	}
}
