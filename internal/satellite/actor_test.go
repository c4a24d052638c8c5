package satellite

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/metrics"
)

func startTestActor(t *testing.T) (*Registry, *Actor) {
	t.Helper()
	r := NewRegistry(zaptest.NewLogger(t), metrics.New(), nil, DefaultRegistryConfig())
	t.Cleanup(r.Close)
	a, err := r.Start(Defaults("SAT-A", "Test Bird"))
	require.NoError(t, err)
	return r, a
}

func TestEnergyClampAndModeRules(t *testing.T) {
	_, a := startTestActor(t)
	ctx := context.Background()

	st, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(100), st.Energy)
	assert.Equal(t, ModeNominal, st.Mode)

	// Drop below the safe boundary.
	st, err = a.UpdateEnergy(ctx, -81)
	require.NoError(t, err)
	assert.Equal(t, float64(19), st.Energy)
	assert.Equal(t, ModeSafe, st.Mode)

	// Drop below the survival boundary.
	st, err = a.UpdateEnergy(ctx, -15)
	require.NoError(t, err)
	assert.Equal(t, float64(4), st.Energy)
	assert.Equal(t, ModeSurvival, st.Mode)

	// Recover past 10 while in survival: safe, not nominal.
	st, err = a.UpdateEnergy(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, float64(11), st.Energy)
	assert.Equal(t, ModeSafe, st.Mode)

	// Recover past 30 while in safe: back to nominal.
	st, err = a.UpdateEnergy(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, float64(36), st.Energy)
	assert.Equal(t, ModeNominal, st.Mode)

	// Clamp at both ends.
	st, err = a.UpdateEnergy(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, float64(100), st.Energy)

	st, err = a.UpdateEnergy(ctx, -1000)
	require.NoError(t, err)
	assert.Equal(t, float64(0), st.Energy)
	assert.Equal(t, ModeSurvival, st.Mode)
}

func TestEnergyBetween20And30KeepsMode(t *testing.T) {
	_, a := startTestActor(t)
	ctx := context.Background()

	// 100 -> 19 (safe) -> 25: inside the hysteresis band, mode stays safe.
	_, err := a.UpdateEnergy(ctx, -81)
	require.NoError(t, err)
	st, err := a.UpdateEnergy(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, float64(25), st.Energy)
	assert.Equal(t, ModeSafe, st.Mode)
}

func TestUpdateMemoryValidation(t *testing.T) {
	_, a := startTestActor(t)
	ctx := context.Background()

	_, err := a.UpdateMemory(ctx, -1)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Validation))

	st, err := a.UpdateMemory(ctx, 42.5)
	require.NoError(t, err)
	assert.Equal(t, 42.5, st.MemoryUsed)
}

func TestUpdatePositionRejectsNonFinite(t *testing.T) {
	_, a := startTestActor(t)
	ctx := context.Background()

	_, err := a.UpdatePosition(ctx, Position{X: math.NaN()})
	assert.True(t, faults.Is(err, faults.Validation))

	_, err = a.UpdatePosition(ctx, Position{X: math.Inf(1), Y: 1, Z: 2})
	assert.True(t, faults.Is(err, faults.Validation))

	st, err := a.UpdatePosition(ctx, Position{X: 6771, Y: -1203.4, Z: 88.1})
	require.NoError(t, err)
	assert.Equal(t, Position{X: 6771, Y: -1203.4, Z: 88.1}, st.Position)
}

func TestSetModeOverride(t *testing.T) {
	_, a := startTestActor(t)
	ctx := context.Background()

	st, err := a.SetMode(ctx, ModeSafe)
	require.NoError(t, err)
	assert.Equal(t, ModeSafe, st.Mode)

	// Energy is still 100; the override is not re-derived.
	st, err = a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeSafe, st.Mode)

	_, err = ParseMode("panic")
	assert.True(t, faults.Is(err, faults.Validation))
}

func TestMutationsAreSerialized(t *testing.T) {
	_, a := startTestActor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.UpdateEnergy(ctx, -0.5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(50), st.Energy)
}

func TestCallTimeoutWhenActorWedged(t *testing.T) {
	// An actor whose run loop was never started accepts the request into
	// its inbox but never replies; the caller's deadline must fire.
	a := newActor(Defaults("SAT-W", "Wedged"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.State(ctx)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Timeout))
}
