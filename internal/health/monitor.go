package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/satellite"
)

// TrendReader is the slice of the aggregator the monitor needs.
type TrendReader interface {
	Trend(satelliteID, metric string) string
}

// AlarmRaiser is the slice of the alarm service the monitor needs.
type AlarmRaiser interface {
	RaiseAlarm(ctx context.Context, typ, severity, message, source string, details map[string]any)
}

// Config carries the monitor's tunables.
type Config struct {
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
}

// trendMetrics are the aggregator series the periodic recheck follows.
var trendMetrics = []string{"energy", "memory", "temperature"}

// Monitor owns the in-memory health table.
type Monitor struct {
	fleet  *satellite.Registry
	trends TrendReader
	alarms AlarmRaiser
	bus    *bus.Bus
	log    *zap.Logger
	cfg    Config

	mu      sync.RWMutex
	records map[string]*Record

	now func() time.Time
}

// NewMonitor wires the monitor. trends and alarms may be nil in tests.
func NewMonitor(fleet *satellite.Registry, trends TrendReader, alarms AlarmRaiser, b *bus.Bus, log *zap.Logger, cfg Config) *Monitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return &Monitor{
		fleet:   fleet,
		trends:  trends,
		alarms:  alarms,
		bus:     b,
		log:     log.Named("health"),
		cfg:     cfg,
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// ObserveStatus folds one observed status report into the satellite's
// subsystem metrics and recomputes. The ingester calls this with the
// values the satellite reported, which may differ from the actor's
// derived state.
func (m *Monitor) ObserveStatus(satelliteID string, observed map[string]float64, at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	at = at.UTC()

	m.mu.Lock()
	r := m.recordLocked(satelliteID)
	r.LastHeartbeat = at

	assign := func(subsystem, metric string, v float64) {
		s := r.Subsystems[subsystem]
		if s.Metrics == nil {
			s.Metrics = make(map[string]float64)
		}
		s.Metrics[metric] = v
		s.UpdatedAt = at
	}
	for metric, v := range observed {
		switch metric {
		case "energy", "battery", "solar":
			assign("power", metric, v)
		case "temperature":
			assign("thermal", metric, v)
		case "memory", "cpu":
			assign("onboard_computer", metric, v)
		case "signal", "packet_loss":
			assign("communication", metric, v)
		case "attitude_error":
			assign("attitude", metric, v)
		}
	}
	m.recomputeLocked(r)
	change, newIssues := m.commitLocked(r)
	m.mu.Unlock()

	m.report(satelliteID, change, newIssues)
}

// Record returns a copy of one satellite's health record.
func (m *Monitor) Record(satelliteID string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[satelliteID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Snapshot lists every health record sorted by satellite id.
func (m *Monitor) Snapshot() []*Record {
	m.mu.RLock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SatelliteID < out[j].SatelliteID })
	return out
}

// Run rechecks every monitored satellite on the configured interval.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll refreshes heartbeat status and trends for every live satellite
// plus every satellite already in the table.
func (m *Monitor) CheckAll(ctx context.Context) {
	ids := m.fleet.IDs()
	m.mu.RLock()
	for id := range m.records {
		if !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.check(ctx, id)
	}
}

func (m *Monitor) check(ctx context.Context, satelliteID string) {
	var heartbeat time.Time
	if actor, ok := m.fleet.Lookup(satelliteID); ok {
		if state, err := actor.State(ctx); err == nil {
			heartbeat = state.LastHeartbeat
		}
	}

	m.mu.Lock()
	r := m.recordLocked(satelliteID)
	if heartbeat.After(r.LastHeartbeat) {
		r.LastHeartbeat = heartbeat
	}
	if m.trends != nil {
		for _, metric := range trendMetrics {
			if trend := m.trends.Trend(satelliteID, metric); trend != "unknown" {
				r.Trends[metric] = trend
			}
		}
	}
	m.recomputeLocked(r)
	change, newIssues := m.commitLocked(r)
	m.mu.Unlock()

	m.report(satelliteID, change, newIssues)
}

func (m *Monitor) recordLocked(satelliteID string) *Record {
	r, ok := m.records[satelliteID]
	if !ok {
		r = newRecord(satelliteID)
		m.records[satelliteID] = r
	}
	return r
}

// recomputeLocked rescores every subsystem and reduces the overall status.
func (m *Monitor) recomputeLocked(r *Record) {
	now := m.now().UTC()

	for name, s := range r.Subsystems {
		if s.Metrics == nil {
			s.Status = StatusUnknown
			continue
		}
		s.Status = scoreSubsystem(name, s.Metrics)
	}
	r.Heartbeat = m.heartbeatStatus(r.LastHeartbeat, now)

	var issues []Issue
	overall := StatusHealthy
	unknown := 0
	for _, name := range subsystemNames {
		s := r.Subsystems[name]
		switch s.Status {
		case StatusUnknown:
			unknown++
		case StatusHealthy:
		default:
			overall = worse(overall, s.Status)
			issues = append(issues, Issue{
				Subsystem: name,
				Status:    s.Status,
				Message:   fmt.Sprintf("%s subsystem is %s", name, s.Status),
			})
		}
	}
	switch r.Heartbeat {
	case StatusWarning, StatusCritical:
		overall = worse(overall, r.Heartbeat)
		issues = append(issues, Issue{
			Subsystem: "communication",
			Status:    r.Heartbeat,
			Message:   "heartbeat overdue",
		})
	}
	if overall == StatusHealthy && unknown > 3 {
		overall = StatusUnknown
	}

	r.Overall = overall
	r.Issues = issues
	r.UpdatedAt = now
}

// commitLocked diffs the recompute against the previously reported state
// and returns whether the overall status changed plus the issues that are
// new since the last report.
func (m *Monitor) commitLocked(r *Record) (changed bool, newIssues []Issue) {
	prevOverall, prevIssues := r.reportedOverall, r.reportedIssues

	changed = r.Overall != prevOverall
	for _, issue := range r.Issues {
		if issue.Status != StatusWarning && issue.Status != StatusCritical {
			continue
		}
		seen := false
		for _, old := range prevIssues {
			if old.Subsystem == issue.Subsystem && old.Status == issue.Status {
				seen = true
				break
			}
		}
		if !seen {
			newIssues = append(newIssues, issue)
		}
	}

	r.reportedOverall = r.Overall
	r.reportedIssues = append([]Issue(nil), r.Issues...)
	return changed, newIssues
}

// report raises alarms for new issues and broadcasts on status changes.
func (m *Monitor) report(satelliteID string, changed bool, newIssues []Issue) {
	for _, issue := range newIssues {
		severity := "warning"
		if issue.Status == StatusCritical {
			severity = "critical"
		}
		if m.alarms != nil {
			m.alarms.RaiseAlarm(context.Background(),
				"subsystem_"+string(issue.Status), severity, issue.Message, "health_monitor",
				map[string]any{"satellite_id": satelliteID, "subsystem": issue.Subsystem})
		}
	}

	if !changed {
		return
	}
	r, ok := m.Record(satelliteID)
	if !ok {
		return
	}
	m.log.Info("health status changed",
		zap.String("satellite_id", satelliteID),
		zap.String("overall", string(r.Overall)),
		zap.Int("issues", len(r.Issues)))
	m.bus.Publish("health:updates", "health_update", r)
	m.bus.Publish("satellite:"+satelliteID, "health_update", r)
}

func (m *Monitor) heartbeatStatus(last, now time.Time) Status {
	if last.IsZero() {
		return StatusUnknown
	}
	age := now.Sub(last)
	switch {
	case age > 2*m.cfg.HeartbeatTimeout:
		return StatusCritical
	case age > m.cfg.HeartbeatTimeout:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// scoreSubsystem applies the per-subsystem threshold tables.
func scoreSubsystem(name string, metrics map[string]float64) Status {
	status := StatusHealthy
	get := func(k string) (float64, bool) { v, ok := metrics[k]; return v, ok }

	switch name {
	case "power":
		if v, ok := get("energy"); ok {
			status = worse(status, ladderLow(v, 30, 15, 5))
		}
		if v, ok := get("battery"); ok {
			status = worse(status, ladderLow(v, 30, 15, 5))
		}
	case "thermal":
		if v, ok := get("temperature"); ok {
			switch {
			case v > 80:
				status = worse(status, StatusCritical)
			case v > 60:
				status = worse(status, StatusWarning)
			case v < -40:
				status = worse(status, StatusWarning)
			}
		}
	case "onboard_computer":
		if v, ok := get("memory"); ok {
			status = worse(status, ladderHigh(v, 75, 90, 95))
		}
		if v, ok := get("cpu"); ok {
			status = worse(status, ladderHigh(v, 80, 90, 95))
		}
	case "communication":
		if v, ok := get("signal"); ok {
			status = worse(status, ladderLow(v, 60, 40, 20))
		}
		if v, ok := get("packet_loss"); ok {
			status = worse(status, ladderHigh(v, 5, 10, 20))
		}
	case "attitude":
		if v, ok := get("attitude_error"); ok {
			status = worse(status, ladderHigh(v, 1, 3, 5))
		}
	}
	return status
}

// ladderLow scores a value where lower is worse.
func ladderLow(v, degraded, warning, critical float64) Status {
	switch {
	case v < critical:
		return StatusCritical
	case v < warning:
		return StatusWarning
	case v < degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ladderHigh scores a value where higher is worse.
func ladderHigh(v, degraded, warning, critical float64) Status {
	switch {
	case v > critical:
		return StatusCritical
	case v > warning:
		return StatusWarning
	case v > degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
