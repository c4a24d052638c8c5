package orbital

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
	"github.com/stellarops/stellarops/internal/satellite"
)

func TestPositionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/propagate", r.URL.Path)
		var req positionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "line1", req.Line1)
		json.NewEncoder(w).Encode(positionResponse{X: 6771, Y: -1200.5, Z: 33.3})
	}))
	defer srv.Close()

	c := New(srv.URL, nil, zaptest.NewLogger(t))
	pos, err := c.Position(context.Background(), "line1", "line2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, satellite.Position{X: 6771, Y: -1200.5, Z: 33.3}, pos)
}

func TestPositionErrors(t *testing.T) {
	t.Run("no url configured", func(t *testing.T) {
		c := New("", nil, zaptest.NewLogger(t))
		_, err := c.Position(context.Background(), "l1", "l2", time.Now())
		assert.True(t, faults.Is(err, faults.Validation))
	})

	t.Run("server error is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()
		c := New(srv.URL, nil, zaptest.NewLogger(t))
		_, err := c.Position(context.Background(), "l1", "l2", time.Now())
		assert.True(t, faults.Is(err, faults.Transient))
	})

	t.Run("client error is not transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad tle", http.StatusBadRequest)
		}))
		defer srv.Close()
		c := New(srv.URL, nil, zaptest.NewLogger(t))
		_, err := c.Position(context.Background(), "l1", "l2", time.Now())
		require.Error(t, err)
		assert.False(t, faults.Is(err, faults.Transient))
	})

	t.Run("garbage body is a parse error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()
		c := New(srv.URL, nil, zaptest.NewLogger(t))
		_, err := c.Position(context.Background(), "l1", "l2", time.Now())
		assert.True(t, faults.Is(err, faults.ParseError))
	})
}

func TestRefreshAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(positionResponse{X: 1, Y: 2, Z: 3})
	}))
	defer srv.Close()

	log := zaptest.NewLogger(t)
	m := metrics.New()
	fleet := satellite.NewRegistry(log, m, nil, satellite.RegistryConfig{})
	t.Cleanup(fleet.Close)

	withTLE := satellite.Defaults("SAT-1", "")
	withTLE.TLELine1 = "l1"
	withTLE.TLELine2 = "l2"
	_, err := fleet.Start(withTLE)
	require.NoError(t, err)
	// No TLE: skipped, not an error.
	_, err = fleet.Start(satellite.Defaults("SAT-2", ""))
	require.NoError(t, err)

	r := NewRefresher(New(srv.URL, nil, log), fleet, time.Minute, log)
	updated := r.RefreshAll(context.Background())
	assert.Equal(t, 1, updated)

	actor, _ := fleet.Lookup("SAT-1")
	state, err := actor.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, satellite.Position{X: 1, Y: 2, Z: 3}, state.Position)
}
