package ctl

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TelemetryStats prints the ingester's counters.
func TelemetryStats(baseURL string, jsonOut bool) error {
	var s struct {
		Ingested  int64 `json:"ingested"`
		Rejected  int64 `json:"rejected"`
		Anomalies int64 `json:"anomalies"`
		Purged    int64 `json:"purged"`
	}
	if err := getJSON(baseURL, "/api/telemetry/stats", &s); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(s)
	}

	fmt.Println()
	fmt.Println(header("  TELEMETRY"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 30)))
	fmt.Printf("  %-12s %d\n", colorize(dim, "Ingested:"), s.Ingested)
	fmt.Printf("  %-12s %d\n", colorize(dim, "Rejected:"), s.Rejected)
	fmt.Printf("  %-12s %d\n", colorize(dim, "Anomalies:"), s.Anomalies)
	fmt.Printf("  %-12s %d\n", colorize(dim, "Purged:"), s.Purged)
	fmt.Println()
	return nil
}

// IngestOptions carries the fields for a manual telemetry report.
type IngestOptions struct {
	SatelliteID string
	EventType   string
	Payload     string // JSON object
	Source      string
	JSON        bool
}

// Ingest submits one telemetry event, mainly useful for testing thresholds
// and health routing from the shell.
func Ingest(baseURL string, opts IngestOptions) error {
	payload := map[string]any{}
	if opts.Payload != "" {
		if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	source := opts.Source
	if source == "" {
		source = "stellarctl"
	}

	var ev struct {
		ID          string    `json:"id"`
		SatelliteID string    `json:"satellite_id"`
		EventType   string    `json:"event_type"`
		RecordedAt  time.Time `json:"recorded_at"`
	}
	err := postJSON(baseURL, "/api/satellites/"+opts.SatelliteID+"/telemetry", map[string]any{
		"event_type": opts.EventType,
		"payload":    payload,
		"source":     source,
	}, &ev)
	if err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(ev)
	}
	fmt.Printf("ingested %s for %s\n", ev.EventType, ev.SatelliteID)
	return nil
}

// TelemetryHistory lists recent telemetry events for one satellite.
func TelemetryHistory(baseURL, satelliteID string, limit int, jsonOut bool) error {
	path := "/api/satellites/" + satelliteID + "/telemetry"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Events []struct {
			EventType  string         `json:"event_type"`
			Payload    map[string]any `json:"payload"`
			Source     string         `json:"source"`
			RecordedAt time.Time      `json:"recorded_at"`
		} `json:"events"`
	}
	if err := getJSON(baseURL, path, &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	if len(resp.Events) == 0 {
		fmt.Printf("no telemetry for %s\n", satelliteID)
		return nil
	}
	fmt.Println()
	fmt.Println(header("  TELEMETRY FOR " + satelliteID))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 60)))
	for _, e := range resp.Events {
		vals := make([]string, 0, len(e.Payload))
		for k, v := range e.Payload {
			if f, ok := v.(float64); ok {
				vals = append(vals, fmt.Sprintf("%s=%.1f", k, f))
			}
		}
		fmt.Printf("  %s %s %s\n",
			colorize(dim, e.RecordedAt.Local().Format("15:04:05")),
			padRight(e.EventType, 18),
			strings.Join(vals, " "))
	}
	fmt.Println()
	return nil
}
