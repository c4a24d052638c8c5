package ctl

import (
	"fmt"
	"strings"
)

type breakerJSON struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	Melted         bool   `json:"melted"`
	TotalSuccesses uint32 `json:"total_successes"`
	TotalFailures  uint32 `json:"total_failures"`
	Fallback       string `json:"fallback"`
}

// Breakers lists every circuit breaker with its state and counters.
func Breakers(baseURL string, jsonOut bool) error {
	var resp struct {
		Breakers []breakerJSON `json:"breakers"`
	}
	if err := getJSON(baseURL, "/api/breakers", &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	if len(resp.Breakers) == 0 {
		fmt.Println("no breakers registered")
		return nil
	}
	fmt.Println()
	fmt.Println(header("  CIRCUIT BREAKERS"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 62)))
	for _, b := range resp.Breakers {
		state := b.State
		if b.Melted {
			state = "melted"
		}
		fmt.Printf("  %s %s ok=%d fail=%d fallback=%s\n",
			padRight(b.Name, 18),
			colorize(healthColor(b.State), padRight(state, 10)),
			b.TotalSuccesses,
			b.TotalFailures,
			b.Fallback)
	}
	fmt.Println()
	return nil
}

// MeltBreaker forces a breaker open.
func MeltBreaker(baseURL, name string, jsonOut bool) error {
	var b breakerJSON
	if err := postJSON(baseURL, "/api/breakers/"+name+"/melt", map[string]any{}, &b); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(b)
	}
	fmt.Printf("melted %s (state %s)\n", b.Name, b.State)
	return nil
}

// ResetBreaker clears a breaker back to closed.
func ResetBreaker(baseURL, name string, jsonOut bool) error {
	var b breakerJSON
	if err := postJSON(baseURL, "/api/breakers/"+name+"/reset", map[string]any{}, &b); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(b)
	}
	fmt.Printf("reset %s (state %s)\n", b.Name, b.State)
	return nil
}

// Stations lists the ground stations with load and availability.
func Stations(baseURL string, jsonOut bool) error {
	var resp struct {
		Stations []struct {
			ID        string  `json:"id"`
			Name      string  `json:"name"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Capacity  int     `json:"capacity"`
			Load      int     `json:"load"`
			Online    bool    `json:"online"`
		} `json:"stations"`
	}
	if err := getJSON(baseURL, "/api/stations", &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	fmt.Println()
	fmt.Println(header("  GROUND STATIONS"))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 60)))
	for _, s := range resp.Stations {
		avail := colorize(green, "online")
		if !s.Online {
			avail = colorize(red, "offline")
		}
		fmt.Printf("  %s %s %s load %d/%d (%.2f, %.2f)\n",
			padRight(s.ID, 14),
			padRight(s.Name, 16),
			padRight(avail, 8),
			s.Load, s.Capacity,
			s.Latitude, s.Longitude)
	}
	fmt.Println()
	return nil
}
