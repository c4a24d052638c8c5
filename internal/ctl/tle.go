package ctl

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// TLEParse reads a TLE file (or stdin when path is "-"), sends it to the
// daemon for decoding, and prints the parsed element sets.
func TLEParse(baseURL, path string, jsonOut bool) error {
	var raw []byte
	var err error
	if path == "-" || path == "" {
		raw, err = os.ReadFile("/dev/stdin")
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}

	var resp struct {
		Count int `json:"count"`
		Sets  []struct {
			NoradID     int       `json:"norad_id"`
			Name        string    `json:"name"`
			Epoch       time.Time `json:"epoch"`
			Inclination float64   `json:"inclination"`
			MeanMotion  float64   `json:"mean_motion"`
			ChecksumOK  bool      `json:"checksum_ok"`
		} `json:"sets"`
	}
	if err := postRaw(baseURL, "/api/tle/parse", "text/plain", strings.NewReader(string(raw)), &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}

	fmt.Println()
	fmt.Println(header(fmt.Sprintf("  PARSED %d TLE SETS", resp.Count)))
	fmt.Println(colorize(dim, "  "+strings.Repeat("─", 60)))
	for _, s := range resp.Sets {
		check := colorize(green, "ok")
		if !s.ChecksumOK {
			check = colorize(yellow, "checksum mismatch")
		}
		name := s.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %s %s incl %6.2f mm %8.4f epoch %s %s\n",
			padRight(fmt.Sprintf("%d", s.NoradID), 7),
			padRight(name, 18),
			s.Inclination,
			s.MeanMotion,
			colorize(dim, s.Epoch.Format("2006-01-02")),
			check)
	}
	fmt.Println()
	return nil
}

// TLERefresh asks the daemon to pull fresh element sets now.
func TLERefresh(baseURL string, jsonOut bool) error {
	var resp struct {
		SatellitesUpdated int `json:"satellites_updated"`
	}
	if err := postJSON(baseURL, "/api/tle/refresh", map[string]any{}, &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}
	fmt.Printf("TLE refresh complete, %d satellites updated\n", resp.SatellitesUpdated)
	return nil
}

// RevokeToken invalidates a bearer token on the daemon.
func RevokeToken(baseURL, token string, jsonOut bool) error {
	var resp map[string]any
	if err := postJSON(baseURL, "/api/auth/revoke", map[string]any{"token": token}, &resp); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}
	fmt.Println("token revoked")
	return nil
}
