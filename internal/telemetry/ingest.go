package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
	"github.com/stellarops/stellarops/internal/satellite"
)

// EventStore persists telemetry events and sweeps old ones.
type EventStore interface {
	InsertTelemetry(ctx context.Context, e *Event) error
	DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlarmRaiser is the slice of the alarm service the ingester needs.
type AlarmRaiser interface {
	RaiseAlarm(ctx context.Context, typ, severity, message, source string, details map[string]any)
}

// HealthSink receives observed status metrics so subsystem health reflects
// what the satellite reported, not just the actor's derived state.
type HealthSink interface {
	ObserveStatus(satelliteID string, observed map[string]float64, at time.Time)
}

// Thresholds are the anomaly boundaries. Crossing the critical boundary
// raises a critical alarm; crossing only the softer one raises a warning.
type Thresholds struct {
	EnergyLow           float64
	EnergyCritical      float64
	MemoryHigh          float64
	MemoryCritical      float64
	TemperatureHigh     float64
	TemperatureCritical float64
	TemperatureLow      float64
}

// DefaultThresholds matches the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EnergyLow:           15,
		EnergyCritical:      5,
		MemoryHigh:          90,
		MemoryCritical:      95,
		TemperatureHigh:     60,
		TemperatureCritical: 80,
		TemperatureLow:      -40,
	}
}

// anomaly is one detected threshold crossing.
type anomaly struct {
	Type     string  `json:"type"`
	Message  string  `json:"message"`
	Severity string  `json:"severity"`
	Value    float64 `json:"value"`
}

// IngestOptions are the optional fields on an incoming event.
type IngestOptions struct {
	Source     string
	RecordedAt time.Time
}

// Stats counts the ingester's work since start.
type Stats struct {
	Ingested  int64 `json:"ingested"`
	Rejected  int64 `json:"rejected"`
	Anomalies int64 `json:"anomalies"`
	Purged    int64 `json:"purged"`
}

// IngesterConfig carries the ingester's tunables.
type IngesterConfig struct {
	Thresholds    Thresholds
	RetentionDays int
}

// Ingester runs the telemetry pipeline: validate, normalize, persist,
// apply to the live actor, aggregate, detect anomalies, raise alarms.
type Ingester struct {
	store  EventStore
	fleet  *satellite.Registry
	agg    *Aggregator
	alarms AlarmRaiser
	health HealthSink
	bus    *bus.Bus
	log    *zap.Logger
	m      *metrics.Metrics

	mu    sync.Mutex
	cfg   IngesterConfig
	stats Stats

	now func() time.Time
}

// NewIngester wires the pipeline. alarms and health may be nil in tests
// that do not exercise those stages.
func NewIngester(store EventStore, fleet *satellite.Registry, agg *Aggregator, alarms AlarmRaiser, health HealthSink, b *bus.Bus, log *zap.Logger, m *metrics.Metrics, cfg IngesterConfig) *Ingester {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Ingester{
		store:  store,
		fleet:  fleet,
		agg:    agg,
		alarms: alarms,
		health: health,
		bus:    b,
		log:    log.Named("ingest"),
		m:      m,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetThresholds swaps the anomaly boundaries at runtime (config reload).
func (i *Ingester) SetThresholds(t Thresholds) {
	i.mu.Lock()
	i.cfg.Thresholds = t
	i.mu.Unlock()
}

// Ingest runs one event through the pipeline and returns the stored record.
func (i *Ingester) Ingest(ctx context.Context, satelliteID, eventType string, payload map[string]any, opts IngestOptions) (*Event, error) {
	if satelliteID == "" {
		i.reject()
		return nil, faults.Validation.New("satellite id must not be empty")
	}
	if eventType == "" {
		i.reject()
		return nil, faults.Validation.New("event type must not be empty")
	}
	if payload == nil {
		i.reject()
		return nil, faults.Validation.New("payload must be a map")
	}

	recordedAt := opts.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = i.now()
	}
	source := opts.Source
	if source == "" {
		source = "external"
	}

	e := &Event{
		ID:          uuid.NewString(),
		SatelliteID: satelliteID,
		EventType:   eventType,
		Payload:     normalize(eventType, payload),
		RecordedAt:  recordedAt.UTC(),
		Source:      source,
	}
	if err := i.store.InsertTelemetry(ctx, e); err != nil {
		return nil, err
	}

	i.applyToActor(ctx, e)
	i.aggregate(e)

	anomalies := i.detectAnomalies(e)
	for _, an := range anomalies {
		if i.alarms != nil {
			i.alarms.RaiseAlarm(ctx, an.Type, an.Severity, an.Message, "telemetry", map[string]any{
				"satellite_id": e.SatelliteID,
				"event_type":   e.EventType,
				"value":        an.Value,
			})
		}
	}

	i.mu.Lock()
	i.stats.Ingested++
	i.stats.Anomalies += int64(len(anomalies))
	i.mu.Unlock()
	i.m.TelemetryIngested.Inc()

	i.bus.Publish("satellite:"+e.SatelliteID, "telemetry_event", e)
	return e, nil
}

// IngestBatch runs a list of events through the pipeline. Events that fail
// validation are counted and skipped; the stored records are returned.
func (i *Ingester) IngestBatch(ctx context.Context, events []*Event) ([]*Event, error) {
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		stored, err := i.Ingest(ctx, e.SatelliteID, e.EventType, e.Payload, IngestOptions{
			Source:     e.Source,
			RecordedAt: e.RecordedAt,
		})
		if err != nil {
			if faults.Is(err, faults.Validation) {
				continue
			}
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Stats snapshots the pipeline counters.
func (i *Ingester) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats
}

// CleanupOldTelemetry deletes events past the retention horizon.
func (i *Ingester) CleanupOldTelemetry(ctx context.Context) (int64, error) {
	i.mu.Lock()
	days := i.cfg.RetentionDays
	i.mu.Unlock()

	cutoff := i.now().UTC().AddDate(0, 0, -days)
	purged, err := i.store.DeleteTelemetryBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	i.stats.Purged += purged
	i.mu.Unlock()
	if purged > 0 {
		i.log.Info("telemetry retention sweep", zap.Int64("purged", purged), zap.Time("cutoff", cutoff))
	}
	return purged, nil
}

// Run drives the daily retention sweep until ctx is done.
func (i *Ingester) Run(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := i.CleanupOldTelemetry(ctx); err != nil {
				i.log.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (i *Ingester) reject() {
	i.mu.Lock()
	i.stats.Rejected++
	i.mu.Unlock()
	i.m.TelemetryRejected.Inc()
}

// applyToActor pushes observed state onto the live actor. A satellite with
// no running actor is silently skipped.
func (i *Ingester) applyToActor(ctx context.Context, e *Event) {
	actor, alive := i.fleet.Lookup(e.SatelliteID)
	if !alive {
		return
	}
	_, _ = actor.RecordHeartbeat(ctx, e.RecordedAt)

	switch e.EventType {
	case "status":
		// Observed gauges arrive centered on 50; the delta moves the
		// actor's state toward the observation.
		if energy, ok := numeric(e.Payload, "energy"); ok {
			if _, err := actor.UpdateEnergy(ctx, energy-50); err != nil {
				i.log.Warn("energy update failed", zap.String("satellite_id", e.SatelliteID), zap.Error(err))
			}
		}
		if mem, ok := numeric(e.Payload, "memory"); ok {
			state, err := actor.State(ctx)
			if err == nil {
				next := state.MemoryUsed + mem - 50
				if next < 0 {
					next = 0
				}
				if _, err := actor.UpdateMemory(ctx, next); err != nil {
					i.log.Warn("memory update failed", zap.String("satellite_id", e.SatelliteID), zap.Error(err))
				}
			}
		}
		if raw, ok := e.Payload["mode"].(string); ok {
			if mode, ok := reportedMode(raw); ok {
				if _, err := actor.SetMode(ctx, mode); err != nil {
					i.log.Warn("mode update failed", zap.String("satellite_id", e.SatelliteID), zap.Error(err))
				}
			}
		}

	case "position":
		x, okX := numeric(e.Payload, "x")
		y, okY := numeric(e.Payload, "y")
		z, okZ := numeric(e.Payload, "z")
		if okX && okY && okZ {
			if _, err := actor.UpdatePosition(ctx, satellite.Position{X: x, Y: y, Z: z}); err != nil {
				i.log.Warn("position update failed", zap.String("satellite_id", e.SatelliteID), zap.Error(err))
			}
		}
	}
}

// reportedMode maps a reported status mode onto an actor mode. "critical"
// drives the bird to survival; "standby" reports a ground-segment state
// the actor has no equivalent for and is ignored.
func reportedMode(raw string) (satellite.Mode, bool) {
	switch raw {
	case "nominal":
		return satellite.ModeNominal, true
	case "safe":
		return satellite.ModeSafe, true
	case "critical":
		return satellite.ModeSurvival, true
	default:
		return "", false
	}
}

// aggregate records every numeric field of interest into the rolling
// buffers and forwards observed status gauges to the health monitor.
func (i *Ingester) aggregate(e *Event) {
	if i.agg == nil {
		return
	}
	observed := make(map[string]float64)
	for _, metric := range []string{"energy", "memory", "temperature", "altitude", "velocity"} {
		if v, ok := numeric(e.Payload, metric); ok {
			i.agg.Record(e.SatelliteID, metric, v, e.RecordedAt)
			observed[metric] = v
		}
	}
	if e.EventType == "status" && i.health != nil && len(observed) > 0 {
		i.health.ObserveStatus(e.SatelliteID, observed, e.RecordedAt)
	}
}

// detectAnomalies checks the normalized payload against the thresholds.
func (i *Ingester) detectAnomalies(e *Event) []anomaly {
	i.mu.Lock()
	th := i.cfg.Thresholds
	i.mu.Unlock()

	var out []anomaly
	if v, ok := numeric(e.Payload, "energy"); ok {
		switch {
		case v < th.EnergyCritical:
			out = append(out, anomaly{"critical_energy", "energy critically low", "critical", v})
		case v < th.EnergyLow:
			out = append(out, anomaly{"low_energy", "energy below safe threshold", "warning", v})
		}
	}
	if v, ok := numeric(e.Payload, "memory"); ok {
		switch {
		case v > th.MemoryCritical:
			out = append(out, anomaly{"critical_memory", "memory usage critically high", "critical", v})
		case v > th.MemoryHigh:
			out = append(out, anomaly{"high_memory", "memory usage above safe threshold", "warning", v})
		}
	}
	if v, ok := numeric(e.Payload, "temperature"); ok {
		switch {
		case v > th.TemperatureCritical:
			out = append(out, anomaly{"critical_temperature", "temperature critically high", "critical", v})
		case v > th.TemperatureHigh:
			out = append(out, anomaly{"high_temperature", "temperature above safe threshold", "warning", v})
		case v < th.TemperatureLow:
			out = append(out, anomaly{"low_temperature", "temperature below safe threshold", "warning", v})
		}
	}

	for _, an := range out {
		i.log.Warn("telemetry anomaly",
			zap.String("satellite_id", e.SatelliteID),
			zap.String("type", an.Type),
			zap.String("severity", an.Severity),
			zap.Float64("value", an.Value))
	}
	return out
}
