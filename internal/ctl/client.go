// Package ctl implements the client-side commands for stellarctl.
// It talks to a running stellaropsd over HTTP and WebSocket and renders
// the results to the terminal.
package ctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// authToken is the bearer token attached to every request. Empty means
// anonymous.
var authToken string

// SetToken sets the bearer token used for all subsequent requests.
func SetToken(token string) { authToken = token }

func doJSON(method, baseURL, path string, body, dst any) error {
	url := strings.TrimRight(baseURL, "/") + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp, path)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// getJSON sends a GET request and decodes the JSON response into dst.
func getJSON(baseURL, path string, dst any) error {
	return doJSON(http.MethodGet, baseURL, path, nil, dst)
}

// postJSON sends a POST request with a JSON body and decodes the response.
func postJSON(baseURL, path string, body, dst any) error {
	return doJSON(http.MethodPost, baseURL, path, body, dst)
}

// deleteJSON sends a DELETE request and decodes the response.
func deleteJSON(baseURL, path string, dst any) error {
	return doJSON(http.MethodDelete, baseURL, path, nil, dst)
}

// postRaw sends a POST request with an arbitrary body and decodes the JSON
// response into dst.
func postRaw(baseURL, path, contentType string, body io.Reader, dst any) error {
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp, path)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// apiError extracts the daemon's error body, falling back to the HTTP
// status line.
func apiError(resp *http.Response, path string) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("%s (%s)", body.Error, body.Reason)
	}
	msg := strings.TrimSpace(string(raw))
	if msg != "" {
		return fmt.Errorf("HTTP %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("HTTP %s from %s", resp.Status, path)
}

// printJSON prints v as indented JSON to stdout.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
