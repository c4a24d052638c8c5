package ctl

import (
	"fmt"
	"strings"
	"time"
)

// statusResponse mirrors the JSON returned by GET /api/status.
type statusResponse struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Satellites    int    `json:"satellites"`
	Commands      struct {
		TotalQueued int `json:"total_queued"`
		InFlight    []struct {
			ID string `json:"id"`
		} `json:"in_flight"`
	} `json:"commands"`
	Alarms struct {
		Total      int            `json:"total"`
		BySeverity map[string]int `json:"by_severity"`
	} `json:"alarms"`
	WSSessions     int    `json:"ws_sessions"`
	DatabaseDriver string `json:"database_driver"`
	DemoEnabled    bool   `json:"demo_enabled"`
	DevMode        bool   `json:"dev_mode"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOut bool) error {
	var s statusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(s)
	}

	mode := "live"
	if s.DemoEnabled {
		mode = "demo"
	}
	alarmStr := fmt.Sprintf("%d active", s.Alarms.Total)
	if n := s.Alarms.BySeverity["critical"]; n > 0 {
		alarmStr += colorize(red, fmt.Sprintf(" (%d critical)", n))
	}

	fmt.Println()
	fmt.Println(header("  STELLAROPS STATUS"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 38)))
	fmt.Printf("  %-14s %s\n", colorize(dim, "Daemon:"), s.Name)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Uptime:"), formatDuration(time.Duration(s.UptimeSeconds)*time.Second))
	fmt.Printf("  %-14s %d\n", colorize(dim, "Satellites:"), s.Satellites)
	fmt.Printf("  %-14s %d queued, %d in flight\n", colorize(dim, "Commands:"), s.Commands.TotalQueued, len(s.Commands.InFlight))
	fmt.Printf("  %-14s %s\n", colorize(dim, "Alarms:"), alarmStr)
	fmt.Printf("  %-14s %d\n", colorize(dim, "WS sessions:"), s.WSSessions)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Store:"), s.DatabaseDriver)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Mode:"), mode)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Host:"), strings.TrimRight(baseURL, "/"))
	fmt.Println()
	return nil
}

// VersionInfo fetches and prints the daemon build information.
func VersionInfo(baseURL string, jsonOut bool) error {
	var v struct {
		Version   string `json:"version"`
		GoVersion string `json:"go_version"`
		BuiltAt   string `json:"built_at"`
	}
	if err := getJSON(baseURL, "/api/version", &v); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(v)
	}
	fmt.Printf("stellaropsd %s (go %s, built %s)\n", v.Version, v.GoVersion, v.BuiltAt)
	return nil
}
