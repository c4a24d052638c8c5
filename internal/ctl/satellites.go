package ctl

import (
	"fmt"
	"strings"
	"time"
)

type positionJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type satelliteJSON struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	NoradID       int          `json:"norad_id"`
	Mode          string       `json:"mode"`
	Energy        float64      `json:"energy"`
	MemoryUsed    float64      `json:"memory_used"`
	Position      positionJSON `json:"position"`
	TLELine1      string       `json:"tle_line1"`
	TLELine2      string       `json:"tle_line2"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// Satellites lists every live satellite with its mode and resource gauges.
func Satellites(baseURL string, jsonOut bool) error {
	var resp struct {
		Satellites []satelliteJSON `json:"satellites"`
	}
	if err := getJSON(baseURL, "/api/satellites", &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	if len(resp.Satellites) == 0 {
		fmt.Println("no satellites")
		return nil
	}

	fmt.Println()
	fmt.Println(header("  SATELLITES"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 66)))
	fmt.Printf("  %s %s %s %s %s\n",
		padRight("ID", 14), padRight("NAME", 16), padRight("MODE", 10),
		padRight("ENERGY", 22), "MEMORY")
	for _, s := range resp.Satellites {
		fmt.Printf("  %s %s %s [%s] %3.0f%%  %3.0f%%\n",
			padRight(s.ID, 14),
			padRight(s.Name, 16),
			colorize(healthColor(s.Mode), padRight(s.Mode, 10)),
			gaugeBar(s.Energy, 14),
			s.Energy,
			s.MemoryUsed)
	}
	fmt.Println()
	return nil
}

// Satellite prints the full state of one satellite.
func Satellite(baseURL, id string, jsonOut bool) error {
	var s satelliteJSON
	if err := getJSON(baseURL, "/api/satellites/"+id, &s); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(s)
	}

	fmt.Println()
	fmt.Println(header("  " + s.ID))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 38)))
	fmt.Printf("  %-14s %s\n", colorize(dim, "Name:"), s.Name)
	if s.NoradID != 0 {
		fmt.Printf("  %-14s %d\n", colorize(dim, "NORAD:"), s.NoradID)
	}
	fmt.Printf("  %-14s %s\n", colorize(dim, "Mode:"), colorize(healthColor(s.Mode), s.Mode))
	fmt.Printf("  %-14s [%s] %.1f%%\n", colorize(dim, "Energy:"), gaugeBar(s.Energy, 14), s.Energy)
	fmt.Printf("  %-14s %.1f%%\n", colorize(dim, "Memory:"), s.MemoryUsed)
	fmt.Printf("  %-14s x=%.1f y=%.1f z=%.1f km\n", colorize(dim, "Position:"), s.Position.X, s.Position.Y, s.Position.Z)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Heartbeat:"), formatAge(s.LastHeartbeat))
	if s.TLELine1 != "" {
		fmt.Printf("  %-14s present\n", colorize(dim, "TLE:"))
	}
	fmt.Println()
	return nil
}

// CreateSatelliteOptions carries the add-satellite fields.
type CreateSatelliteOptions struct {
	ID      string
	Name    string
	NoradID int
	JSON    bool
}

// CreateSatellite registers a new satellite and starts its actor.
func CreateSatellite(baseURL string, opts CreateSatelliteOptions) error {
	var s satelliteJSON
	err := postJSON(baseURL, "/api/satellites", map[string]any{
		"id":       opts.ID,
		"name":     opts.Name,
		"norad_id": opts.NoradID,
	}, &s)
	if err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(s)
	}
	fmt.Printf("created %s (%s)\n", s.ID, colorize(healthColor(s.Mode), s.Mode))
	return nil
}

// DeleteSatellite stops a satellite's actor and removes its record.
func DeleteSatellite(baseURL, id string, jsonOut bool) error {
	var resp map[string]any
	if err := deleteJSON(baseURL, "/api/satellites/"+id, &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

// SetMode switches a satellite's operating mode.
func SetMode(baseURL, id, mode string, jsonOut bool) error {
	var s satelliteJSON
	if err := postJSON(baseURL, "/api/satellites/"+id+"/mode", map[string]any{"mode": mode}, &s); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(s)
	}
	fmt.Printf("%s mode is now %s\n", s.ID, colorize(healthColor(s.Mode), s.Mode))
	return nil
}
