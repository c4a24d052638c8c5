package ctl

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type healthRecordJSON struct {
	SatelliteID   string    `json:"satellite_id"`
	Overall       string    `json:"overall_status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Heartbeat     string    `json:"heartbeat_status"`
	Subsystems    map[string]struct {
		Status  string             `json:"status"`
		Metrics map[string]float64 `json:"metrics"`
	} `json:"subsystems"`
	Issues []struct {
		Subsystem string `json:"subsystem"`
		Status    string `json:"status"`
		Message   string `json:"message"`
	} `json:"issues"`
	Trends map[string]string `json:"trends"`
}

// HealthAll prints the overall status of every tracked satellite.
func HealthAll(baseURL string, jsonOut bool) error {
	var resp struct {
		Records []healthRecordJSON `json:"records"`
	}
	if err := getJSON(baseURL, "/api/health", &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	if len(resp.Records) == 0 {
		fmt.Println("no health records")
		return nil
	}
	fmt.Println()
	fmt.Println(header("  FLEET HEALTH"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 56)))
	for _, r := range resp.Records {
		fmt.Printf("  %s %s heartbeat %s %s\n",
			padRight(r.SatelliteID, 14),
			colorize(healthColor(r.Overall), padRight(r.Overall, 10)),
			colorize(healthColor(r.Heartbeat), padRight(r.Heartbeat, 10)),
			colorize(dim, formatAge(r.LastHeartbeat)))
	}
	fmt.Println()
	return nil
}

// Health prints the full subsystem breakdown for one satellite.
func Health(baseURL, satelliteID string, jsonOut bool) error {
	var r healthRecordJSON
	if err := getJSON(baseURL, "/api/satellites/"+satelliteID+"/health", &r); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(r)
	}

	fmt.Println()
	fmt.Println(header("  HEALTH " + r.SatelliteID))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 48)))
	fmt.Printf("  %-14s %s\n", colorize(dim, "Overall:"), colorize(healthColor(r.Overall), r.Overall))
	fmt.Printf("  %-14s %s (%s)\n", colorize(dim, "Heartbeat:"),
		colorize(healthColor(r.Heartbeat), r.Heartbeat), formatAge(r.LastHeartbeat))

	names := make([]string, 0, len(r.Subsystems))
	for name := range r.Subsystems {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub := r.Subsystems[name]
		fmt.Printf("  %-18s %s\n",
			padRight(name, 18),
			colorize(healthColor(sub.Status), sub.Status))
	}
	for metric, dir := range r.Trends {
		fmt.Printf("  %-18s %s\n", colorize(dim, "trend "+metric+":"), dir)
	}
	for _, issue := range r.Issues {
		fmt.Printf("  %s %s: %s\n",
			colorize(severityColor(issue.Status), "!"),
			issue.Subsystem, issue.Message)
	}
	fmt.Println()
	return nil
}
