// Package telemetry ingests satellite telemetry and maintains rolling
// aggregates. The ingester validates and normalizes incoming events,
// persists them, applies them to the live actor, and raises alarms on
// threshold crossings; the aggregator keeps multi-window statistics per
// (satellite, metric) and detects trends.
package telemetry

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is one immutable telemetry record.
type Event struct {
	ID          string         `json:"id" db:"id"`
	SatelliteID string         `json:"satellite_id" db:"satellite_id"`
	EventType   string         `json:"event_type" db:"event_type"`
	Payload     map[string]any `json:"payload" db:"-"`
	RecordedAt  time.Time      `json:"recorded_at" db:"recorded_at"`
	Source      string         `json:"source" db:"source"`
}

// HourlyAggregate is the persisted rollup of one (satellite, metric)
// buffer, upsert-keyed by (satellite_id, metric, window, recorded_at).
type HourlyAggregate struct {
	SatelliteID string    `json:"satellite_id" db:"satellite_id"`
	Metric      string    `json:"metric" db:"metric"`
	Window      string    `json:"window" db:"window"`
	Avg         float64   `json:"avg" db:"avg"`
	Min         float64   `json:"min" db:"min"`
	Max         float64   `json:"max" db:"max"`
	Count       int       `json:"count" db:"count"`
	StdDev      float64   `json:"stddev" db:"stddev"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
}

// statusModes canonicalizes the mode strings satellites report in status
// events. Values outside this set pass through lowercased.
var statusModes = map[string]string{
	"nominal":  "nominal",
	"safe":     "safe",
	"critical": "critical",
	"standby":  "standby",
}

// normalize rewrites a payload per event type. Keys with nil values are
// dropped; known numeric fields are coerced to float64 so downstream code
// never sees json.Number or int variants.
func normalize(eventType string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		out[k] = v
	}

	switch eventType {
	case "status":
		coerce(out, "energy", "memory", "temperature")
		if raw, ok := out["mode"].(string); ok {
			mode := strings.ToLower(strings.TrimSpace(raw))
			if canonical, known := statusModes[mode]; known {
				mode = canonical
			}
			out["mode"] = mode
		}
	case "position":
		coerce(out, "latitude", "longitude", "altitude", "velocity", "x", "y", "z")
	}
	return out
}

func coerce(payload map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := toFloat(payload[k]); ok {
			payload[k] = v
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// numeric returns the payload field as a float64 when it is one.
func numeric(payload map[string]any, key string) (float64, bool) {
	return toFloat(payload[key])
}
