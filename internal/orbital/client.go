// Package orbital talks to the external propagation service. No orbital
// math lives in this repo; the service takes a TLE pair and a timestamp
// and returns an ECI position. Every call goes through the orbital_service
// breaker with an explicit deadline.
package orbital

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/breaker"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
)

// BreakerName is the circuit the client runs under.
const BreakerName = "orbital_service"

// Client is the propagation service client.
type Client struct {
	url      string
	http     *http.Client
	breakers *breaker.Registry
	log      *zap.Logger
}

// New builds a client for the given base URL. breakers may be nil, in
// which case calls go out unprotected (tests).
func New(url string, breakers *breaker.Registry, log *zap.Logger) *Client {
	return &Client{
		url:      url,
		http:     &http.Client{Timeout: 10 * time.Second},
		breakers: breakers,
		log:      log.Named("orbital"),
	}
}

type positionRequest struct {
	Line1     string    `json:"tle_line1"`
	Line2     string    `json:"tle_line2"`
	Timestamp time.Time `json:"timestamp"`
}

type positionResponse struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Position propagates one TLE pair to the given instant.
func (c *Client) Position(ctx context.Context, line1, line2 string, at time.Time) (satellite.Position, error) {
	if c.url == "" {
		return satellite.Position{}, faults.Validation.New("orbital service url is not configured")
	}

	call := func() (any, error) { return c.fetch(ctx, line1, line2, at) }

	var out any
	var err error
	if c.breakers != nil {
		out, err = c.breakers.Do(BreakerName, call)
	} else {
		out, err = call()
	}
	if err != nil {
		return satellite.Position{}, err
	}
	pos, ok := out.(satellite.Position)
	if !ok {
		return satellite.Position{}, faults.CircuitOpen.New("orbital service call skipped")
	}
	return pos, nil
}

func (c *Client) fetch(ctx context.Context, line1, line2 string, at time.Time) (satellite.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := json.Marshal(positionRequest{Line1: line1, Line2: line2, Timestamp: at.UTC()})
	if err != nil {
		return satellite.Position{}, faults.Exception.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/propagate", bytes.NewReader(body))
	if err != nil {
		return satellite.Position{}, faults.Exception.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return satellite.Position{}, faults.Timeout.New("orbital service call timed out")
		}
		return satellite.Position{}, faults.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		if resp.StatusCode >= 500 {
			return satellite.Position{}, faults.Transient.New("orbital service returned %d: %s", resp.StatusCode, snippet)
		}
		return satellite.Position{}, faults.Exception.New("orbital service returned %d: %s", resp.StatusCode, snippet)
	}

	var pr positionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return satellite.Position{}, faults.ParseError.New("orbital service response: %v", err)
	}
	return satellite.Position{X: pr.X, Y: pr.Y, Z: pr.Z}, nil
}

// Refresher periodically propagates every live satellite's TLE and applies
// the position to its actor.
type Refresher struct {
	client   *Client
	fleet    *satellite.Registry
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewRefresher wires the position refresh loop.
func NewRefresher(client *Client, fleet *satellite.Registry, interval time.Duration, log *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		client:   client,
		fleet:    fleet,
		interval: interval,
		log:      log.Named("orbital"),
		now:      time.Now,
	}
}

// Run refreshes positions on the configured interval until ctx ends.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll propagates every actor that carries a TLE. Failures are
// logged and skipped; one bad satellite does not stall the sweep.
func (r *Refresher) RefreshAll(ctx context.Context) int {
	var updated int
	for _, id := range r.fleet.IDs() {
		actor, ok := r.fleet.Lookup(id)
		if !ok {
			continue
		}
		state, err := actor.State(ctx)
		if err != nil {
			continue
		}
		if state.TLELine1 == "" || state.TLELine2 == "" {
			continue
		}

		pos, err := r.client.Position(ctx, state.TLELine1, state.TLELine2, r.now())
		if err != nil {
			if faults.Is(err, faults.CircuitOpen) {
				r.log.Debug("position refresh blocked", zap.String("satellite_id", id))
			} else {
				r.log.Warn("position refresh failed", zap.String("satellite_id", id), zap.Error(err))
			}
			continue
		}
		if _, err := actor.UpdatePosition(ctx, pos); err != nil {
			r.log.Warn("position apply failed", zap.String("satellite_id", id), zap.Error(err))
			continue
		}
		updated++
	}
	if updated > 0 {
		r.log.Debug("positions refreshed", zap.Int("updated", updated))
	}
	return updated
}
