package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.New()
	b := bus.New(log, m, 64)
	return NewRegistry(b, log, m), b
}

func tripErr() error { return faults.Transient.New("connection refused") }

func TestTripsAfterWindowFailures(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("orbital_service", Config{
		WindowFailures: 5,
		Window:         10 * time.Second,
		Refresh:        30 * time.Second,
		Fallback:       PolicyError,
	})

	for i := 0; i < 5; i++ {
		_, err := r.Do("orbital_service", func() (any, error) { return nil, tripErr() })
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.Transient), "failure %d should pass through", i)
	}

	// Sixth call is blocked without running fn.
	ran := false
	_, err := r.Do("orbital_service", func() (any, error) {
		ran = true
		return "never", nil
	})
	assert.True(t, faults.Is(err, faults.CircuitOpen))
	assert.False(t, ran)

	st, err := r.Status("orbital_service")
	require.NoError(t, err)
	assert.Equal(t, "open", st.State)
}

func TestRefreshLetsACallThrough(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("gs", Config{
		WindowFailures: 2,
		Window:         time.Second,
		Refresh:        50 * time.Millisecond,
		Fallback:       PolicyError,
	})

	for i := 0; i < 2; i++ {
		_, _ = r.Do("gs", func() (any, error) { return nil, tripErr() })
	}
	_, err := r.Do("gs", func() (any, error) { return "x", nil })
	require.True(t, faults.Is(err, faults.CircuitOpen))

	time.Sleep(80 * time.Millisecond)

	res, err := r.Do("gs", func() (any, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", res)
}

func TestNonTrippingErrorsPassThrough(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("gs", Config{WindowFailures: 2, Window: time.Second, Refresh: time.Minute, Fallback: PolicyError})

	for i := 0; i < 10; i++ {
		_, err := r.Do("gs", func() (any, error) {
			return nil, faults.NotFound.New("satellite missing")
		})
		require.True(t, faults.Is(err, faults.NotFound))
	}

	st, err := r.Status("gs")
	require.NoError(t, err)
	assert.Equal(t, "closed", st.State)
}

func TestUnclassifiedErrorTrips(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("gs", Config{WindowFailures: 1, Window: time.Second, Refresh: time.Minute, Fallback: PolicyError})

	_, err := r.Do("gs", func() (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)

	_, err = r.Do("gs", func() (any, error) { return "x", nil })
	assert.True(t, faults.Is(err, faults.CircuitOpen))
}

func TestMeltAndReset(t *testing.T) {
	r, b := newTestRegistry(t)
	sub := b.Subscribe(Topic)
	defer sub.Close()

	r.Register("tle_source", Config{WindowFailures: 5, Window: time.Minute, Refresh: time.Minute, Fallback: PolicyError})

	r.Melt("tle_source")
	ran := false
	_, err := r.Do("tle_source", func() (any, error) { ran = true; return nil, nil })
	assert.True(t, faults.Is(err, faults.CircuitOpen))
	assert.False(t, ran)

	st, err := r.Status("tle_source")
	require.NoError(t, err)
	assert.True(t, st.Melted)
	assert.Equal(t, "open", st.State)

	r.Reset("tle_source")
	res, err := r.Do("tle_source", func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	events := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case msg := <-sub.C:
			events[msg.Event] = true
		case <-time.After(time.Second):
			t.Fatal("missing breaker events")
		}
	}
	assert.True(t, events["melt"])
	assert.True(t, events["reset"])
}

func TestCachedOrErrorFallback(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("tle_source", Config{WindowFailures: 1, Window: time.Second, Refresh: time.Minute, Fallback: PolicyCachedOrError})

	// Warm the cache, then trip.
	res, err := r.Do("tle_source", func() (any, error) { return "cached tle", nil })
	require.NoError(t, err)
	require.Equal(t, "cached tle", res)
	_, _ = r.Do("tle_source", func() (any, error) { return nil, tripErr() })

	res, err = r.Do("tle_source", func() (any, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "cached tle", res)
}

func TestCachedOrErrorWithoutCache(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("tle_source", Config{WindowFailures: 1, Window: time.Second, Refresh: time.Minute, Fallback: PolicyCachedOrError})

	_, _ = r.Do("tle_source", func() (any, error) { return nil, tripErr() })

	_, err := r.Do("tle_source", func() (any, error) { return "fresh", nil })
	assert.True(t, faults.Is(err, faults.CircuitOpen))
}

func TestSkipFallback(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("aux", Config{WindowFailures: 1, Window: time.Second, Refresh: time.Minute, Fallback: PolicySkip})

	_, _ = r.Do("aux", func() (any, error) { return nil, tripErr() })

	res, err := r.Do("aux", func() (any, error) { return "x", nil })
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestUnknownBreakerGetsDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, err := r.Do("adhoc", func() (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, res)

	st, err := r.Status("adhoc")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().WindowFailures, st.WindowFailures)

	_, err = r.Status("never-seen")
	assert.True(t, faults.Is(err, faults.NotFound))

	all := r.StatusAll()
	require.Len(t, all, 1)
	assert.Equal(t, "adhoc", all[0].Name)
}
