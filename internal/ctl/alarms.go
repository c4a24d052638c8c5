package ctl

import (
	"fmt"
	"strings"
	"time"
)

type alarmJSON struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Source   string    `json:"source"`
	Status   string    `json:"status"`
	RaisedAt time.Time `json:"raised_at"`
}

// AlarmsOptions controls the alarms listing.
type AlarmsOptions struct {
	History bool
	Limit   int
	JSON    bool
}

// Alarms lists active alarms, or the full history with --history.
func Alarms(baseURL string, opts AlarmsOptions) error {
	path := "/api/alarms"
	if opts.History {
		path += "?history=1"
		if opts.Limit > 0 {
			path += fmt.Sprintf("&limit=%d", opts.Limit)
		}
	}

	var resp struct {
		Summary struct {
			Total      int            `json:"total"`
			BySeverity map[string]int `json:"by_severity"`
		} `json:"summary"`
		Alarms []alarmJSON `json:"alarms"`
	}
	if err := getJSON(baseURL, path, &resp); err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(resp)
	}

	if len(resp.Alarms) == 0 {
		fmt.Println("no alarms")
		return nil
	}

	title := "  ACTIVE ALARMS"
	if opts.History {
		title = "  ALARM HISTORY"
	}
	fmt.Println()
	fmt.Println(header(title))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 70)))
	for _, a := range resp.Alarms {
		fmt.Printf("  %s %s %s %s %s\n",
			padRight(a.ID[:8], 10),
			colorize(severityColor(a.Severity), padRight(a.Severity, 9)),
			padRight(a.Type, 22),
			colorize(healthColor(a.Status), padRight(a.Status, 13)),
			colorize(dim, formatAge(a.RaisedAt)))
		if a.Message != "" {
			fmt.Printf("    %s\n", colorize(dim, a.Message))
		}
	}
	fmt.Println()
	return nil
}

// AcknowledgeAlarm marks an alarm as seen by the given actor.
func AcknowledgeAlarm(baseURL, id, actor string, jsonOut bool) error {
	var a alarmJSON
	if err := postJSON(baseURL, "/api/alarms/"+id+"/acknowledge", map[string]any{"actor": actor}, &a); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(a)
	}
	fmt.Printf("acknowledged %s (%s)\n", a.ID, a.Type)
	return nil
}

// ResolveAlarm closes an alarm.
func ResolveAlarm(baseURL, id, actor string, jsonOut bool) error {
	var a alarmJSON
	if err := postJSON(baseURL, "/api/alarms/"+id+"/resolve", map[string]any{"actor": actor}, &a); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(a)
	}
	fmt.Printf("resolved %s (%s)\n", a.ID, a.Type)
	return nil
}
