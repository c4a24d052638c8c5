package ctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// defaultTopics are joined when the caller gives none.
var defaultTopics = []string{
	"satellites:lobby",
	"alarms:all",
	"commands:updates",
	"health:updates",
	"breakers:events",
}

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Topics []string // topics to join (empty = the default set)
	Filter []string // event types to show (empty = all)
	JSON   bool     // output raw JSON per event
}

// Watch connects to the daemon's WebSocket endpoint, joins the requested
// topics, and streams events to the terminal until interrupted.
func Watch(baseURL string, opts WatchOptions) error {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""

	hdr := http.Header{}
	if authToken != "" {
		hdr.Set("Authorization", "Bearer "+authToken)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		return err
	}
	defer conn.Close()

	topics := opts.Topics
	if len(topics) == 0 {
		topics = defaultTopics
	}
	for i, topic := range topics {
		frame := map[string]any{
			"event":   "join",
			"payload": map[string]any{"topic": topic},
			"ref":     strconv.Itoa(i + 1),
		}
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
	}

	if !opts.JSON {
		fmt.Println()
		fmt.Printf("  %s %s\n", colorize(green, "connected"), colorize(dim, u.String()))
		fmt.Printf("  %s %s\n", colorize(dim, "topics:"), colorize(dim, strings.Join(topics, ", ")))
		if len(opts.Filter) > 0 {
			fmt.Printf("  %s %s\n", colorize(dim, "filter:"), colorize(dim, strings.Join(opts.Filter, ", ")))
		}
		fmt.Println(colorize(dim, "  "+strings.Repeat("─", 50)))
		fmt.Println()
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var ev struct {
				Topic   string          `json:"topic"`
				Event   string          `json:"event"`
				Payload json.RawMessage `json:"payload"`
				TS      time.Time       `json:"ts"`
				Ref     string          `json:"ref"`
				Err     *struct {
					Reason  string `json:"reason"`
					Details string `json:"details"`
				} `json:"err"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil {
				fmt.Printf("  %s\n", string(msg))
				continue
			}

			// Join replies: only surface failures.
			if ev.Ref != "" {
				if ev.Err != nil {
					fmt.Printf("  %s join failed: %s\n", colorize(red, "error"), ev.Err.Details)
				}
				continue
			}
			if len(filterSet) > 0 && !filterSet[ev.Event] {
				continue
			}

			if opts.JSON {
				fmt.Println(string(msg))
			} else {
				renderEvent(ev.Topic, ev.Event, ev.Payload, ev.TS)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		if !opts.JSON {
			fmt.Println()
			fmt.Println(colorize(dim, "  disconnecting..."))
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(1*time.Second),
		)
		return nil
	case <-done:
		return nil
	}
}

// renderEvent prints one push in a human-friendly format, falling back to
// compact JSON for event types it does not know.
func renderEvent(topic, event string, payload json.RawMessage, ts time.Time) {
	stamp := colorize(dim, ts.Local().Format("15:04:05"))

	switch event {
	case "health_update":
		var h struct {
			SatelliteID string `json:"satellite_id"`
			Overall     string `json:"overall_status"`
		}
		if err := json.Unmarshal(payload, &h); err != nil {
			break
		}
		fmt.Printf("  %s %s %s is %s\n",
			stamp,
			colorize(cyan, padRight("health", 10)),
			padRight(h.SatelliteID, 14),
			colorize(healthColor(h.Overall), h.Overall))
		return

	case "alarm_raised", "alarm_acknowledged", "alarm_resolved":
		var a struct {
			Type     string `json:"type"`
			Severity string `json:"severity"`
			Message  string `json:"message"`
		}
		if err := json.Unmarshal(payload, &a); err != nil {
			break
		}
		action := strings.TrimPrefix(event, "alarm_")
		fmt.Printf("  %s %s %s %s %s\n",
			stamp,
			colorize(severityColor(a.Severity), padRight("alarm", 10)),
			padRight(action, 13),
			colorize(severityColor(a.Severity), a.Severity),
			a.Message)
		return

	case "command_update", "command_dispatch":
		var c struct {
			ID          string `json:"id"`
			SatelliteID string `json:"satellite_id"`
			Type        string `json:"type"`
			Status      string `json:"status"`
		}
		if err := json.Unmarshal(payload, &c); err != nil {
			break
		}
		id := c.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("  %s %s %s %s %s %s\n",
			stamp,
			colorize(blue, padRight("command", 10)),
			padRight(id, 10),
			padRight(c.SatelliteID, 14),
			padRight(c.Type, 20),
			colorize(healthColor(c.Status), c.Status))
		return

	case "state_change", "melt", "reset", "blocked":
		var b struct {
			Breaker string `json:"breaker"`
			From    string `json:"from"`
			To      string `json:"to"`
		}
		if err := json.Unmarshal(payload, &b); err != nil {
			break
		}
		detail := event
		if event == "state_change" {
			detail = b.From + " -> " + b.To
		}
		fmt.Printf("  %s %s %s %s\n",
			stamp,
			colorize(yellow, padRight("breaker", 10)),
			padRight(b.Breaker, 18),
			detail)
		return

	case "telemetry_event":
		var t struct {
			SatelliteID string `json:"satellite_id"`
			EventType   string `json:"event_type"`
		}
		if err := json.Unmarshal(payload, &t); err != nil {
			break
		}
		fmt.Printf("  %s %s %s %s\n",
			stamp,
			colorize(dim, padRight("telemetry", 10)),
			padRight(t.SatelliteID, 14),
			t.EventType)
		return

	case "aggregate_update":
		var g struct {
			SatelliteID string `json:"satellite_id"`
			Metric      string `json:"metric"`
			Stats       struct {
				Avg float64 `json:"avg"`
			} `json:"stats"`
		}
		if err := json.Unmarshal(payload, &g); err != nil {
			break
		}
		fmt.Printf("  %s %s %s %s avg %.1f\n",
			stamp,
			colorize(dim, padRight("aggregate", 10)),
			padRight(g.SatelliteID, 14),
			padRight(g.Metric, 12),
			g.Stats.Avg)
		return
	}

	// Unknown event: one compact line so nothing is lost.
	fmt.Printf("  %s %s %s %s\n",
		stamp,
		colorize(white, padRight(event, 10)),
		colorize(dim, topic),
		string(payload))
}
