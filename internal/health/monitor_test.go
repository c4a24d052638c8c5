package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/metrics"
	"github.com/stellarops/stellarops/internal/satellite"
)

type raisedAlarm struct {
	Type     string
	Severity string
	Source   string
	Details  map[string]any
}

type fakeAlarms struct {
	mu     sync.Mutex
	raised []raisedAlarm
}

func (f *fakeAlarms) RaiseAlarm(_ context.Context, typ, severity, _, source string, details map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, raisedAlarm{typ, severity, source, details})
}

func (f *fakeAlarms) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raised)
}

type fakeTrends struct {
	trends map[string]string
}

func (f *fakeTrends) Trend(_, metric string) string {
	if t, ok := f.trends[metric]; ok {
		return t
	}
	return "unknown"
}

type monitorHarness struct {
	monitor *Monitor
	fleet   *satellite.Registry
	alarms  *fakeAlarms
	trends  *fakeTrends
	bus     *bus.Bus
	now     time.Time
}

func newMonitorHarness(t *testing.T) *monitorHarness {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.New()
	b := bus.New(log, m, 64)
	fleet := satellite.NewRegistry(log, m, nil, satellite.RegistryConfig{})
	t.Cleanup(fleet.Close)

	al := &fakeAlarms{}
	tr := &fakeTrends{trends: map[string]string{}}
	mon := NewMonitor(fleet, tr, al, b, log, Config{})

	h := &monitorHarness{monitor: mon, fleet: fleet, alarms: al, trends: tr, bus: b}
	h.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mon.now = func() time.Time { return h.now }
	return h
}

func TestObserveStatusCriticalEnergy(t *testing.T) {
	h := newMonitorHarness(t)
	sub := h.bus.Subscribe("health:updates")
	defer sub.Close()

	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 4}, h.now)

	r, ok := h.monitor.Record("SAT-1")
	require.True(t, ok)
	assert.Equal(t, StatusCritical, r.Subsystems["power"].Status)
	assert.Equal(t, StatusCritical, r.Overall)
	assert.Equal(t, h.now, r.LastHeartbeat)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, "power", r.Issues[0].Subsystem)

	select {
	case msg := <-sub.C:
		assert.Equal(t, "health_update", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("expected health_update broadcast")
	}

	h.alarms.mu.Lock()
	require.Len(t, h.alarms.raised, 1)
	a := h.alarms.raised[0]
	h.alarms.mu.Unlock()
	assert.Equal(t, "subsystem_critical", a.Type)
	assert.Equal(t, "critical", a.Severity)
	assert.Equal(t, "health_monitor", a.Source)
	assert.Equal(t, "SAT-1", a.Details["satellite_id"])
	assert.Equal(t, "power", a.Details["subsystem"])
}

func TestObserveStatusHealthyValues(t *testing.T) {
	h := newMonitorHarness(t)

	h.monitor.ObserveStatus("SAT-1", map[string]float64{
		"energy": 90, "temperature": 20, "memory": 40,
	}, h.now)

	r, ok := h.monitor.Record("SAT-1")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, r.Subsystems["power"].Status)
	assert.Equal(t, StatusHealthy, r.Subsystems["thermal"].Status)
	assert.Equal(t, StatusHealthy, r.Subsystems["onboard_computer"].Status)
	// No signal from the remaining subsystems yet.
	assert.Equal(t, StatusUnknown, r.Subsystems["communication"].Status)
	assert.Equal(t, StatusHealthy, r.Overall)
	assert.Empty(t, r.Issues)
	assert.Zero(t, h.alarms.count())
}

func TestObserveStatusMetricRouting(t *testing.T) {
	h := newMonitorHarness(t)

	h.monitor.ObserveStatus("SAT-1", map[string]float64{
		"battery":        25,
		"cpu":            92,
		"signal":         35,
		"packet_loss":    12,
		"attitude_error": 4,
	}, h.now)

	r, ok := h.monitor.Record("SAT-1")
	require.True(t, ok)
	assert.Equal(t, 25.0, r.Subsystems["power"].Metrics["battery"])
	assert.Equal(t, StatusWarning, r.Subsystems["power"].Status)
	assert.Equal(t, StatusWarning, r.Subsystems["onboard_computer"].Status)
	assert.Equal(t, StatusWarning, r.Subsystems["communication"].Status)
	assert.Equal(t, StatusWarning, r.Subsystems["attitude"].Status)
	assert.Equal(t, StatusWarning, r.Overall)
}

func TestOverallReduction(t *testing.T) {
	h := newMonitorHarness(t)

	// Degraded power alone keeps the satellite degraded.
	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 25}, h.now)
	r, _ := h.monitor.Record("SAT-1")
	assert.Equal(t, StatusDegraded, r.Overall)

	// A warning elsewhere pulls the reduction up.
	h.monitor.ObserveStatus("SAT-1", map[string]float64{"temperature": 70}, h.now)
	r, _ = h.monitor.Record("SAT-1")
	assert.Equal(t, StatusWarning, r.Overall)

	// Recovery on both clears it.
	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 80, "temperature": 20}, h.now)
	r, _ = h.monitor.Record("SAT-1")
	assert.Equal(t, StatusHealthy, r.Overall)
}

func TestIssueDedupAcrossReports(t *testing.T) {
	h := newMonitorHarness(t)

	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 4}, h.now)
	require.Equal(t, 1, h.alarms.count())

	// The same critical state does not re-alarm.
	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 3}, h.now)
	assert.Equal(t, 1, h.alarms.count())

	// A severity change is a new issue.
	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 12}, h.now)
	assert.Equal(t, 2, h.alarms.count())
}

func TestBroadcastOnlyOnOverallChange(t *testing.T) {
	h := newMonitorHarness(t)
	sub := h.bus.Subscribe("satellite:SAT-1")
	defer sub.Close()

	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 90}, h.now)
	select {
	case msg := <-sub.C:
		assert.Equal(t, "health_update", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast on unknown -> healthy")
	}

	// Healthy again: no change, no broadcast.
	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 85}, h.now)
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected broadcast: %v", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatAging(t *testing.T) {
	h := newMonitorHarness(t)
	ctx := context.Background()
	_, err := h.fleet.Start(satellite.Defaults("SAT-1", ""))
	require.NoError(t, err)

	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 90}, h.now)
	r, _ := h.monitor.Record("SAT-1")
	assert.Equal(t, StatusHealthy, r.Heartbeat)

	// Past the timeout the heartbeat turns warning.
	h.now = h.now.Add(3 * time.Minute)
	h.monitor.CheckAll(ctx)
	r, _ = h.monitor.Record("SAT-1")
	assert.Equal(t, StatusWarning, r.Heartbeat)
	assert.Equal(t, StatusWarning, r.Overall)

	// Past twice the timeout it is critical.
	h.now = h.now.Add(5 * time.Minute)
	h.monitor.CheckAll(ctx)
	r, _ = h.monitor.Record("SAT-1")
	assert.Equal(t, StatusCritical, r.Heartbeat)
	assert.Equal(t, StatusCritical, r.Overall)
}

func TestCheckAllPullsTrends(t *testing.T) {
	h := newMonitorHarness(t)
	ctx := context.Background()

	h.trends.trends["energy"] = "decreasing"
	h.monitor.ObserveStatus("SAT-1", map[string]float64{"energy": 90}, h.now)
	h.monitor.CheckAll(ctx)

	r, ok := h.monitor.Record("SAT-1")
	require.True(t, ok)
	assert.Equal(t, "decreasing", r.Trends["energy"])
	// Unknown trends are never written into the record.
	assert.NotContains(t, r.Trends, "memory")
}

func TestUnknownSubsystemsReduceToUnknown(t *testing.T) {
	h := newMonitorHarness(t)

	// Three known subsystems is enough to call the satellite healthy.
	h.monitor.ObserveStatus("SAT-1", map[string]float64{
		"energy": 90, "temperature": 20, "memory": 40,
	}, h.now)
	r, _ := h.monitor.Record("SAT-1")
	assert.Equal(t, StatusHealthy, r.Overall)

	// With only power observed, four-plus unknowns reduce to unknown.
	h.monitor.ObserveStatus("SAT-2", map[string]float64{"energy": 90}, h.now)
	r, _ = h.monitor.Record("SAT-2")
	assert.Equal(t, StatusUnknown, r.Overall)
}

func TestSnapshotSorted(t *testing.T) {
	h := newMonitorHarness(t)

	h.monitor.ObserveStatus("SAT-B", map[string]float64{"energy": 90}, h.now)
	h.monitor.ObserveStatus("SAT-A", map[string]float64{"energy": 90}, h.now)

	snap := h.monitor.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "SAT-A", snap[0].SatelliteID)
	assert.Equal(t, "SAT-B", snap[1].SatelliteID)
}
