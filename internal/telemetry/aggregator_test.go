package telemetry

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
)

type fakeAggStore struct {
	mu   sync.Mutex
	rows []*HourlyAggregate
}

func (f *fakeAggStore) UpsertHourlyAggregate(_ context.Context, agg *HourlyAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, agg)
	return nil
}

func newTestAggregator(t *testing.T) (*Aggregator, *fakeAggStore, *bus.Bus, *time.Time) {
	t.Helper()
	log := zaptest.NewLogger(t)
	b := bus.New(log, metrics.New(), 64)
	st := &fakeAggStore{}
	a := NewAggregator(st, b, log, AggregatorConfig{})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	return a, st, b, &now
}

func TestRecordKeepsNewestFirst(t *testing.T) {
	a, _, _, now := newTestAggregator(t)

	a.Record("SAT-1", "energy", 80, now.Add(-2*time.Minute))
	a.Record("SAT-1", "energy", 90, now.Add(-30*time.Second))
	// Out-of-order arrival lands in its time slot.
	a.Record("SAT-1", "energy", 85, now.Add(-time.Minute))

	b := a.buffers[key{"SAT-1", "energy"}]
	require.Len(t, b.points, 3)
	assert.Equal(t, 90.0, b.points[0].value)
	assert.Equal(t, 85.0, b.points[1].value)
	assert.Equal(t, 80.0, b.points[2].value)
	for i := 1; i < len(b.points); i++ {
		assert.GreaterOrEqual(t, b.points[i-1].ts, b.points[i].ts)
	}
}

func TestRecordTrimsHorizonAndCap(t *testing.T) {
	a, _, _, now := newTestAggregator(t)

	a.Record("SAT-1", "energy", 10, now.Add(-25*time.Hour))
	a.Record("SAT-1", "energy", 20, now.Add(-time.Hour))
	b := a.buffers[key{"SAT-1", "energy"}]
	require.Len(t, b.points, 1)
	assert.Equal(t, 20.0, b.points[0].value)

	for i := 0; i < maxPoints+50; i++ {
		a.Record("SAT-2", "energy", float64(i), now.Add(-time.Duration(i)*time.Second))
	}
	b2 := a.buffers[key{"SAT-2", "energy"}]
	assert.LessOrEqual(t, len(b2.points), maxPoints)
}

func TestStatsWindows(t *testing.T) {
	a, _, _, now := newTestAggregator(t)

	// Two points inside the minute, one outside it but inside 5m.
	a.Record("SAT-1", "temperature", 10, now.Add(-10*time.Second))
	a.Record("SAT-1", "temperature", 20, now.Add(-30*time.Second))
	a.Record("SAT-1", "temperature", 60, now.Add(-3*time.Minute))

	stats := a.Stats("SAT-1", "temperature")
	oneMin, ok := stats["1m"]
	require.True(t, ok)
	assert.Equal(t, 2, oneMin.Count)
	assert.InDelta(t, 15, oneMin.Avg, 1e-9)
	assert.Equal(t, 10.0, oneMin.Min)
	assert.Equal(t, 20.0, oneMin.Max)
	assert.InDelta(t, 5, oneMin.StdDev, 1e-9) // population stddev of {10,20}

	fiveMin, ok := stats["5m"]
	require.True(t, ok)
	assert.Equal(t, 3, fiveMin.Count)
	assert.InDelta(t, 30, fiveMin.Avg, 1e-9)

	// All five windows see the same three points from 1h up.
	assert.Equal(t, stats["1h"], stats["24h"])

	assert.Empty(t, a.Stats("SAT-1", "missing"))
}

func TestTrendClassification(t *testing.T) {
	a, _, _, now := newTestAggregator(t)

	assert.Equal(t, "unknown", a.Trend("SAT-1", "energy"))

	a.Record("SAT-1", "energy", 50, now.Add(-10*time.Second))
	assert.Equal(t, "stable", a.Trend("SAT-1", "energy"))

	// Climbing hard: 10 -> 100 inside a minute.
	for i := 0; i <= 4; i++ {
		a.Record("SAT-2", "energy", 10+float64(i)*22.5, now.Add(-time.Duration(4-i)*15*time.Second))
	}
	assert.Equal(t, "increasing", a.Trend("SAT-2", "energy"))

	for i := 0; i <= 4; i++ {
		a.Record("SAT-3", "energy", 100-float64(i)*22.5, now.Add(-time.Duration(4-i)*15*time.Second))
	}
	assert.Equal(t, "decreasing", a.Trend("SAT-3", "energy"))

	// Flat series stays stable.
	for i := 0; i <= 4; i++ {
		a.Record("SAT-4", "energy", 42, now.Add(-time.Duration(4-i)*15*time.Second))
	}
	assert.Equal(t, "stable", a.Trend("SAT-4", "energy"))
}

func TestSignificantChangeBroadcast(t *testing.T) {
	a, _, b, now := newTestAggregator(t)
	sub := b.Subscribe("telemetry:aggregates")
	defer sub.Close()

	// First datapoint: no data -> has data broadcasts.
	a.Record("SAT-1", "energy", 100, *now)
	select {
	case msg := <-sub.C:
		assert.Equal(t, "aggregate_update", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("expected first-data broadcast")
	}

	// A ~1% shift stays quiet.
	a.Record("SAT-1", "energy", 102, *now)
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected broadcast for small shift: %v", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	// A >5% shift broadcasts.
	a.Record("SAT-1", "energy", 10, *now)
	select {
	case msg := <-sub.C:
		assert.Equal(t, "aggregate_update", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("expected significant-change broadcast")
	}
}

func TestPersistHourlyAndDropStale(t *testing.T) {
	a, st, _, now := newTestAggregator(t)

	a.Record("SAT-1", "energy", 75, now.Add(-10*time.Minute))
	a.persistHourly(context.Background())

	st.mu.Lock()
	require.Len(t, st.rows, 1)
	row := st.rows[0]
	st.mu.Unlock()
	assert.Equal(t, "SAT-1", row.SatelliteID)
	assert.Equal(t, "energy", row.Metric)
	assert.Equal(t, "1h", row.Window)
	assert.Equal(t, 1, row.Count)
	assert.InDelta(t, 75, row.Avg, 1e-9)

	// Advance a day; the untouched buffer is dropped.
	later := now.Add(25 * time.Hour)
	a.now = func() time.Time { return later }
	a.dropStale()
	assert.Zero(t, a.Buffers())
}
