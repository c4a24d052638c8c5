package telemetry

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/bus"
)

// Window names and spans, smallest first. The largest window bounds how
// much history a buffer retains.
var windows = []struct {
	name string
	span time.Duration
}{
	{"1m", time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
}

const (
	maxPoints     = 10_000
	retentionSpan = 24 * time.Hour
	trendSpan     = 300 * time.Second
)

// WindowStats summarizes one window of a buffer. StdDev is the population
// standard deviation.
type WindowStats struct {
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
	StdDev float64 `json:"stddev"`
}

type point struct {
	ts    int64 // unix seconds
	value float64
}

type buffer struct {
	points    []point // newest first
	updatedAt time.Time

	lastAvg float64
	hasAvg  bool
}

type key struct {
	sat    string
	metric string
}

// AggregateStore persists hourly rollups.
type AggregateStore interface {
	UpsertHourlyAggregate(ctx context.Context, agg *HourlyAggregate) error
}

// AggregatorConfig carries the aggregator's tunables.
type AggregatorConfig struct {
	PersistInterval      time.Duration
	CleanupInterval      time.Duration
	SignificantChangePct float64
}

// Aggregator owns the in-memory buffer table. Writers are the owning
// record path; readers take the same lock for snapshots.
type Aggregator struct {
	mu      sync.RWMutex
	buffers map[key]*buffer

	store AggregateStore
	bus   *bus.Bus
	log   *zap.Logger
	cfg   AggregatorConfig
	now   func() time.Time
}

// NewAggregator wires the aggregator. store may be nil when persistence is
// not wanted (tests, demo without a database).
func NewAggregator(store AggregateStore, b *bus.Bus, log *zap.Logger, cfg AggregatorConfig) *Aggregator {
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.SignificantChangePct <= 0 {
		cfg.SignificantChangePct = 5
	}
	return &Aggregator{
		buffers: make(map[key]*buffer),
		store:   store,
		bus:     b,
		log:     log.Named("aggregator"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Record appends one data point. The buffer stays newest-first, trimmed to
// the 24 h horizon and capped at 10 000 points. When the 1-minute average
// moves by more than the configured percentage (or appears for the first
// time) an aggregate update is broadcast.
func (a *Aggregator) Record(satelliteID, metric string, value float64, at time.Time) {
	if at.IsZero() {
		at = a.now()
	}
	ts := at.UTC().Unix()
	now := a.now().UTC()
	k := key{satelliteID, metric}

	a.mu.Lock()
	b, ok := a.buffers[k]
	if !ok {
		b = &buffer{}
		a.buffers[k] = b
	}

	// Insert in newest-first order; out-of-order arrivals land in place.
	idx := sort.Search(len(b.points), func(i int) bool { return b.points[i].ts <= ts })
	b.points = append(b.points, point{})
	copy(b.points[idx+1:], b.points[idx:])
	b.points[idx] = point{ts: ts, value: value}

	cutoff := now.Add(-retentionSpan).Unix()
	for len(b.points) > 0 && b.points[len(b.points)-1].ts <= cutoff {
		b.points = b.points[:len(b.points)-1]
	}
	if len(b.points) > maxPoints {
		b.points = b.points[:maxPoints]
	}
	b.updatedAt = now

	stats, hasWindow := statsFor(b.points, now, time.Minute)
	significant := false
	if hasWindow {
		switch {
		case !b.hasAvg:
			significant = true
		case b.lastAvg == 0:
			significant = stats.Avg != 0
		default:
			shift := math.Abs(stats.Avg-b.lastAvg) / math.Abs(b.lastAvg) * 100
			significant = shift > a.cfg.SignificantChangePct
		}
		if significant {
			b.lastAvg = stats.Avg
			b.hasAvg = true
		}
	}
	a.mu.Unlock()

	if significant {
		payload := map[string]any{
			"satellite_id": satelliteID,
			"metric":       metric,
			"window":       "1m",
			"stats":        stats,
		}
		a.bus.Publish("telemetry:aggregates", "aggregate_update", payload)
		a.bus.Publish("satellite:"+satelliteID, "aggregate_update", payload)
	}
}

// Stats returns per-window statistics for a buffer. Windows holding no
// points are omitted; a missing buffer yields an empty map.
func (a *Aggregator) Stats(satelliteID, metric string) map[string]WindowStats {
	now := a.now().UTC()
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]WindowStats)
	b, ok := a.buffers[key{satelliteID, metric}]
	if !ok {
		return out
	}
	for _, w := range windows {
		if s, any := statsFor(b.points, now, w.span); any {
			out[w.name] = s
		}
	}
	return out
}

// Trend classifies the last five minutes of a buffer by ordinary least
// squares slope relative to the mean: "increasing", "decreasing",
// "stable", or "unknown" when there is no data.
func (a *Aggregator) Trend(satelliteID, metric string) string {
	now := a.now().UTC()
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.buffers[key{satelliteID, metric}]
	if !ok || len(b.points) == 0 {
		return "unknown"
	}

	cutoff := now.Add(-trendSpan).Unix()
	var pts []point
	for _, p := range b.points {
		if p.ts < cutoff {
			break
		}
		pts = append(pts, p)
	}
	if len(pts) == 0 {
		return "unknown"
	}
	if len(pts) < 2 {
		return "stable"
	}

	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(pts))
	for _, p := range pts {
		x := float64(p.ts)
		sumX += x
		sumY += p.value
		sumXY += x * p.value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return "stable"
	}
	slope := (n*sumXY - sumX*sumY) / denom
	mean := sumY / n
	if mean == 0 {
		return "stable"
	}

	relative := slope / math.Abs(mean)
	switch {
	case relative > 0.01:
		return "increasing"
	case relative < -0.01:
		return "decreasing"
	default:
		return "stable"
	}
}

// Buffers reports the current (satellite, metric) keys, for ops surfaces.
func (a *Aggregator) Buffers() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buffers)
}

// Run drives the periodic hourly-aggregate persistence and the stale
// buffer cleanup until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	persist := time.NewTicker(a.cfg.PersistInterval)
	defer persist.Stop()
	cleanup := time.NewTicker(a.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-persist.C:
			a.persistHourly(ctx)
		case <-cleanup.C:
			a.dropStale()
		}
	}
}

func (a *Aggregator) persistHourly(ctx context.Context) {
	if a.store == nil {
		return
	}
	now := a.now().UTC()

	a.mu.RLock()
	rollups := make([]*HourlyAggregate, 0, len(a.buffers))
	for k, b := range a.buffers {
		s, any := statsFor(b.points, now, time.Hour)
		if !any {
			continue
		}
		rollups = append(rollups, &HourlyAggregate{
			SatelliteID: k.sat,
			Metric:      k.metric,
			Window:      "1h",
			Avg:         s.Avg,
			Min:         s.Min,
			Max:         s.Max,
			Count:       s.Count,
			StdDev:      s.StdDev,
			RecordedAt:  now.Truncate(time.Hour),
		})
	}
	a.mu.RUnlock()

	for _, agg := range rollups {
		if err := a.store.UpsertHourlyAggregate(ctx, agg); err != nil {
			a.log.Warn("hourly aggregate upsert failed",
				zap.String("satellite_id", agg.SatelliteID),
				zap.String("metric", agg.Metric),
				zap.Error(err))
		}
	}
}

func (a *Aggregator) dropStale() {
	cutoff := a.now().Add(-retentionSpan)
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, b := range a.buffers {
		if b.updatedAt.Before(cutoff) {
			delete(a.buffers, k)
		}
	}
}

// statsFor computes one window over a newest-first point list. The second
// return is false when the window holds no points.
func statsFor(points []point, now time.Time, span time.Duration) (WindowStats, bool) {
	cutoff := now.Add(-span).Unix()
	var s WindowStats
	var sum float64
	for _, p := range points {
		if p.ts < cutoff {
			break
		}
		if s.Count == 0 {
			s.Min, s.Max = p.value, p.value
		} else {
			s.Min = math.Min(s.Min, p.value)
			s.Max = math.Max(s.Max, p.value)
		}
		sum += p.value
		s.Count++
	}
	if s.Count == 0 {
		return WindowStats{}, false
	}
	s.Avg = sum / float64(s.Count)

	var variance float64
	for _, p := range points {
		if p.ts < cutoff {
			break
		}
		d := p.value - s.Avg
		variance += d * d
	}
	s.StdDev = math.Sqrt(variance / float64(s.Count))
	return s, true
}
