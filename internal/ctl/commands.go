package ctl

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type commandJSON struct {
	ID          string         `json:"id"`
	SatelliteID string         `json:"satellite_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	Status      string         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	InsertedAt  time.Time      `json:"inserted_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Error       string         `json:"error"`
}

// Commands prints the queue snapshot: per-satellite depth plus commands in
// flight.
func Commands(baseURL string, jsonOut bool) error {
	var snap struct {
		QueuedBySatellite map[string]int `json:"queued_by_satellite"`
		InFlight          []commandJSON  `json:"in_flight"`
		TotalQueued       int            `json:"total_queued"`
	}
	if err := getJSON(baseURL, "/api/commands", &snap); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snap)
	}

	fmt.Println()
	fmt.Println(header("  COMMAND QUEUE"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 50)))
	fmt.Printf("  %-14s %d\n", colorize(dim, "Queued:"), snap.TotalQueued)
	for sat, n := range snap.QueuedBySatellite {
		fmt.Printf("    %s %d\n", padRight(sat, 14), n)
	}
	if len(snap.InFlight) > 0 {
		fmt.Printf("  %s\n", colorize(dim, "In flight:"))
		for _, c := range snap.InFlight {
			fmt.Printf("    %s %s %s %s\n",
				padRight(c.ID[:8], 10),
				padRight(c.SatelliteID, 14),
				padRight(c.Type, 20),
				colorize(healthColor(c.Status), c.Status))
		}
	}
	fmt.Println()
	return nil
}

// SendCommandOptions carries the enqueue fields.
type SendCommandOptions struct {
	SatelliteID string
	Type        string
	Payload     string // raw JSON object, optional
	Priority    string
	TimeoutMS   int
	JSON        bool
}

// SendCommand enqueues a command and prints the accepted record.
func SendCommand(baseURL string, opts SendCommandOptions) error {
	body := map[string]any{
		"satellite_id": opts.SatelliteID,
		"type":         opts.Type,
	}
	if opts.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
		body["payload"] = payload
	}
	if opts.Priority != "" {
		body["priority"] = opts.Priority
	}
	if opts.TimeoutMS > 0 {
		body["timeout_ms"] = opts.TimeoutMS
	}

	var c commandJSON
	if err := postJSON(baseURL, "/api/commands", body, &c); err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(c)
	}
	fmt.Printf("queued %s for %s (priority %d)\n", c.ID, c.SatelliteID, c.Priority)
	return nil
}

// CommandInfo prints one command by id.
func CommandInfo(baseURL, id string, jsonOut bool) error {
	var c commandJSON
	if err := getJSON(baseURL, "/api/commands/"+id, &c); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(c)
	}

	fmt.Println()
	fmt.Println(header("  COMMAND " + c.ID))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 44)))
	fmt.Printf("  %-14s %s\n", colorize(dim, "Satellite:"), c.SatelliteID)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Type:"), c.Type)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Status:"), colorize(healthColor(c.Status), c.Status))
	fmt.Printf("  %-14s %d\n", colorize(dim, "Priority:"), c.Priority)
	fmt.Printf("  %-14s %d\n", colorize(dim, "Retries:"), c.RetryCount)
	fmt.Printf("  %-14s %s\n", colorize(dim, "Enqueued:"), formatAge(c.InsertedAt))
	if !c.CompletedAt.IsZero() {
		fmt.Printf("  %-14s %s\n", colorize(dim, "Completed:"), formatAge(c.CompletedAt))
	}
	if c.Error != "" {
		fmt.Printf("  %-14s %s\n", colorize(dim, "Error:"), colorize(red, c.Error))
	}
	fmt.Println()
	return nil
}

// CancelCommand cancels a queued command.
func CancelCommand(baseURL, id string, jsonOut bool) error {
	var c commandJSON
	if err := postJSON(baseURL, "/api/commands/"+id+"/cancel", map[string]any{}, &c); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(c)
	}
	fmt.Printf("cancelled %s\n", c.ID)
	return nil
}

// CommandHistory lists the recent commands for one satellite.
func CommandHistory(baseURL, satelliteID string, limit int, jsonOut bool) error {
	path := "/api/satellites/" + satelliteID + "/commands"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Commands []commandJSON `json:"commands"`
	}
	if err := getJSON(baseURL, path, &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	if len(resp.Commands) == 0 {
		fmt.Printf("no commands for %s\n", satelliteID)
		return nil
	}
	fmt.Println()
	fmt.Println(header("  COMMANDS FOR " + satelliteID))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 60)))
	for _, c := range resp.Commands {
		errStr := ""
		if c.Error != "" {
			errStr = colorize(red, "  "+c.Error)
		}
		fmt.Printf("  %s %s %s %s%s\n",
			padRight(c.ID[:8], 10),
			padRight(c.Type, 20),
			colorize(healthColor(c.Status), padRight(c.Status, 12)),
			colorize(dim, formatAge(c.InsertedAt)),
			errStr)
	}
	fmt.Println()
	return nil
}
