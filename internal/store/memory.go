package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stellarops/stellarops/internal/alarm"
	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/telemetry"
	"github.com/stellarops/stellarops/internal/tle"
)

// Memory is the mutex-map implementation. Demo mode and most tests run on
// it; the semantics mirror Postgres so either backend satisfies the same
// expectations.
type Memory struct {
	mu         sync.RWMutex
	satellites map[string]*satellite.Satellite
	commands   map[string]*command.Command
	telemetry  []*telemetry.Event
	aggregates map[string]*telemetry.HourlyAggregate
	alarms     map[string]*alarm.Alarm
	tles       map[int]*tle.TLE
	revoked    map[string]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		satellites: make(map[string]*satellite.Satellite),
		commands:   make(map[string]*command.Command),
		aggregates: make(map[string]*telemetry.HourlyAggregate),
		alarms:     make(map[string]*alarm.Alarm),
		tles:       make(map[int]*tle.TLE),
		revoked:    make(map[string]time.Time),
	}
}

func (m *Memory) InsertSatellite(_ context.Context, s *satellite.Satellite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.satellites[s.ID]; ok {
		return faults.AlreadyExists.New("satellite %s already exists", s.ID)
	}
	cp := *s
	m.satellites[s.ID] = &cp
	return nil
}

func (m *Memory) UpdateSatellite(_ context.Context, s *satellite.Satellite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.satellites[s.ID]; !ok {
		return faults.NotFound.New("satellite %s not found", s.ID)
	}
	cp := *s
	m.satellites[s.ID] = &cp
	return nil
}

func (m *Memory) Satellite(_ context.Context, id string) (*satellite.Satellite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.satellites[id]
	if !ok {
		return nil, faults.NotFound.New("satellite %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) Satellites(_ context.Context) ([]*satellite.Satellite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*satellite.Satellite, 0, len(m.satellites))
	for _, s := range m.satellites {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSatellite(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.satellites[id]; !ok {
		return faults.NotFound.New("satellite %s not found", id)
	}
	delete(m.satellites, id)
	return nil
}

func copyCommand(c *command.Command) *command.Command {
	cp := *c
	if c.ScheduledAt != nil {
		t := *c.ScheduledAt
		cp.ScheduledAt = &t
	}
	cp.Payload = copyMap(c.Payload)
	cp.Result = copyMap(c.Result)
	return &cp
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Memory) InsertCommand(_ context.Context, c *command.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[c.ID]; ok {
		return faults.AlreadyExists.New("command %s already exists", c.ID)
	}
	m.commands[c.ID] = copyCommand(c)
	return nil
}

func (m *Memory) UpdateCommand(_ context.Context, c *command.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[c.ID]; !ok {
		return faults.NotFound.New("command %s not found", c.ID)
	}
	m.commands[c.ID] = copyCommand(c)
	return nil
}

func (m *Memory) Command(_ context.Context, id string) (*command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, faults.NotFound.New("command %s not found", id)
	}
	return copyCommand(c), nil
}

func (m *Memory) OpenCommands(_ context.Context) ([]*command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*command.Command
	for _, c := range m.commands {
		if !c.Status.Terminal() {
			out = append(out, copyCommand(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.Before(out[j].InsertedAt) })
	return out, nil
}

func (m *Memory) CommandHistory(_ context.Context, satelliteID string, limit int) ([]*command.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*command.Command
	for _, c := range m.commands {
		if c.SatelliteID == satelliteID {
			out = append(out, copyCommand(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.After(out[j].InsertedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertTelemetry(_ context.Context, e *telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Payload = copyMap(e.Payload)
	m.telemetry = append(m.telemetry, &cp)
	return nil
}

func (m *Memory) TelemetryHistory(_ context.Context, satelliteID string, limit int) ([]*telemetry.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*telemetry.Event
	for _, e := range m.telemetry {
		if e.SatelliteID == satelliteID {
			cp := *e
			cp.Payload = copyMap(e.Payload)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteTelemetryBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*telemetry.Event
	var purged int64
	for _, e := range m.telemetry {
		if e.RecordedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.telemetry = kept
	return purged, nil
}

func (m *Memory) UpsertHourlyAggregate(_ context.Context, agg *telemetry.HourlyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := agg.SatelliteID + "|" + agg.Metric + "|" + agg.RecordedAt.UTC().Format(time.RFC3339)
	cp := *agg
	m.aggregates[key] = &cp
	return nil
}

func copyAlarm(a *alarm.Alarm) *alarm.Alarm {
	cp := *a
	cp.Details = copyMap(a.Details)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *Memory) InsertAlarm(_ context.Context, a *alarm.Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alarms[a.ID]; ok {
		return faults.AlreadyExists.New("alarm %s already exists", a.ID)
	}
	m.alarms[a.ID] = copyAlarm(a)
	return nil
}

func (m *Memory) UpdateAlarm(_ context.Context, a *alarm.Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alarms[a.ID]; !ok {
		return faults.NotFound.New("alarm %s not found", a.ID)
	}
	m.alarms[a.ID] = copyAlarm(a)
	return nil
}

func (m *Memory) Alarm(_ context.Context, id string) (*alarm.Alarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alarms[id]
	if !ok {
		return nil, faults.NotFound.New("alarm %s not found", id)
	}
	return copyAlarm(a), nil
}

func (m *Memory) ActiveAlarms(_ context.Context) ([]*alarm.Alarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*alarm.Alarm
	for _, a := range m.alarms {
		if a.Status != alarm.StatusResolved {
			out = append(out, copyAlarm(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out, nil
}

func (m *Memory) AlarmHistory(_ context.Context, limit int) ([]*alarm.Alarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*alarm.Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, copyAlarm(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertTLE(_ context.Context, t *tle.TLE) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tles[t.NoradID] = &cp
	return nil
}

// TLE returns the stored element set for a NORAD id. Only the memory store
// exposes reads; the daemon keeps elements on the satellite rows.
func (m *Memory) TLE(_ context.Context, noradID int) (*tle.TLE, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tles[noradID]
	if !ok {
		return nil, faults.NotFound.New("tle for norad %d not found", noradID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *Memory) TokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.revoked[jti]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && exp.Before(time.Now()) {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Close() error { return nil }
