package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarops/stellarops/internal/alarm"
	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/telemetry"
)

func TestMemorySatelliteCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s := satellite.Defaults("SAT-1", "Test Bird")
	require.NoError(t, m.InsertSatellite(ctx, s))
	assert.True(t, faults.Is(m.InsertSatellite(ctx, s), faults.AlreadyExists))

	got, err := m.Satellite(ctx, "SAT-1")
	require.NoError(t, err)
	assert.Equal(t, "Test Bird", got.Name)

	// Reads hand back copies, not the stored row.
	got.Name = "mutated"
	again, err := m.Satellite(ctx, "SAT-1")
	require.NoError(t, err)
	assert.Equal(t, "Test Bird", again.Name)

	s.Energy = 60
	require.NoError(t, m.UpdateSatellite(ctx, s))
	got, err = m.Satellite(ctx, "SAT-1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.Energy)

	require.NoError(t, m.InsertSatellite(ctx, satellite.Defaults("SAT-0", "")))
	list, err := m.Satellites(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "SAT-0", list[0].ID)

	require.NoError(t, m.DeleteSatellite(ctx, "SAT-0"))
	err = m.DeleteSatellite(ctx, "SAT-0")
	assert.True(t, faults.Is(err, faults.NotFound))

	_, err = m.Satellite(ctx, "SAT-GHOST")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestMemoryCommands(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, status command.Status, at time.Time) *command.Command {
		return &command.Command{
			ID:          id,
			SatelliteID: "SAT-1",
			Type:        "set_mode",
			Payload:     map[string]any{"mode": "safe"},
			Priority:    command.PriorityNormal,
			Status:      status,
			TimeoutMS:   30_000,
			InsertedAt:  at,
			UpdatedAt:   at,
		}
	}

	require.NoError(t, m.InsertCommand(ctx, mk("c1", command.StatusQueued, base)))
	require.NoError(t, m.InsertCommand(ctx, mk("c2", command.StatusCompleted, base.Add(time.Minute))))
	require.NoError(t, m.InsertCommand(ctx, mk("c3", command.StatusPending, base.Add(2*time.Minute))))
	assert.True(t, faults.Is(m.InsertCommand(ctx, mk("c1", command.StatusQueued, base)), faults.AlreadyExists))

	open, err := m.OpenCommands(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	// Oldest first so reconciliation preserves queue order.
	assert.Equal(t, "c1", open[0].ID)
	assert.Equal(t, "c3", open[1].ID)

	hist, err := m.CommandHistory(ctx, "SAT-1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "c3", hist[0].ID)

	c, err := m.Command(ctx, "c1")
	require.NoError(t, err)
	c.Status = command.StatusCancelled
	require.NoError(t, m.UpdateCommand(ctx, c))
	open, err = m.OpenCommands(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	err = m.UpdateCommand(ctx, mk("ghost", command.StatusQueued, base))
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestMemoryTelemetry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.InsertTelemetry(ctx, &telemetry.Event{
			ID:          string(rune('a' + i)),
			SatelliteID: "SAT-1",
			EventType:   "status",
			Payload:     map[string]any{"energy": float64(50 + i)},
			RecordedAt:  base.Add(time.Duration(i) * time.Hour),
		}))
	}

	hist, err := m.TelemetryHistory(ctx, "SAT-1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 52.0, hist[0].Payload["energy"])

	purged, err := m.DeleteTelemetryBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	require.NoError(t, m.UpsertHourlyAggregate(ctx, &telemetry.HourlyAggregate{
		SatelliteID: "SAT-1", Metric: "energy", Window: "1h",
		Avg: 51, Min: 50, Max: 52, Count: 3, RecordedAt: base,
	}))
	// Same hour slot overwrites.
	require.NoError(t, m.UpsertHourlyAggregate(ctx, &telemetry.HourlyAggregate{
		SatelliteID: "SAT-1", Metric: "energy", Window: "1h",
		Avg: 60, Min: 50, Max: 70, Count: 5, RecordedAt: base,
	}))
	assert.Len(t, m.aggregates, 1)
}

func TestMemoryAlarms(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a1 := &alarm.Alarm{ID: "a1", Type: "low_energy", Severity: alarm.SeverityWarning,
		Status: alarm.StatusActive, RaisedAt: base}
	a2 := &alarm.Alarm{ID: "a2", Type: "critical_energy", Severity: alarm.SeverityCritical,
		Status: alarm.StatusActive, RaisedAt: base.Add(time.Minute)}
	require.NoError(t, m.InsertAlarm(ctx, a1))
	require.NoError(t, m.InsertAlarm(ctx, a2))

	active, err := m.ActiveAlarms(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a2", active[0].ID)

	a1.Status = alarm.StatusResolved
	now := base.Add(2 * time.Minute)
	a1.ResolvedAt = &now
	require.NoError(t, m.UpdateAlarm(ctx, a1))

	active, err = m.ActiveAlarms(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	hist, err := m.AlarmHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	_, err = m.Alarm(ctx, "ghost")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestMemoryTokenRevocation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.TokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.RevokeToken(ctx, "jti-1", time.Now().Add(time.Hour)))
	ok, err = m.TokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// An expired revocation no longer blocks; the token itself expired too.
	require.NoError(t, m.RevokeToken(ctx, "jti-2", time.Now().Add(-time.Hour)))
	ok, err = m.TokenRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// No expiry means revoked forever.
	require.NoError(t, m.RevokeToken(ctx, "jti-3", time.Time{}))
	ok, err = m.TokenRevoked(ctx, "jti-3")
	require.NoError(t, err)
	assert.True(t, ok)
}
