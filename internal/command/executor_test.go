package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarops/stellarops/internal/breaker"
	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/metrics"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/station"
)

// pipeline wires a real queue, registry, selector and executor together
// with all simulated latency disabled.
type pipeline struct {
	queue    *Queue
	store    *fakeStore
	bus      *bus.Bus
	fleet    *satellite.Registry
	stations *station.Selector
	breakers *breaker.Registry
}

func startPipeline(t *testing.T, qcfg QueueConfig, stationCfgs []station.Config) *pipeline {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.New()
	b := bus.New(log, m, 256)
	st := newFakeStore()

	if qcfg.TickInterval == 0 {
		qcfg.TickInterval = 20 * time.Millisecond
	}
	q := NewQueue(st, b, log, m, qcfg)
	fleet := satellite.NewRegistry(log, m, nil, satellite.DefaultRegistryConfig())
	sel := station.NewSelector(stationCfgs, log)
	brk := breaker.NewRegistry(b, log, m)
	ex := NewExecutor(q, fleet, sel, brk, b, log, ExecutorConfig{DelayScale: 0})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = q.Run(ctx) }()
	go func() { defer wg.Done(); _ = ex.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		fleet.Close()
	})

	return &pipeline{queue: q, store: st, bus: b, fleet: fleet, stations: sel, breakers: brk}
}

func defaultStations() []station.Config {
	return []station.Config{{ID: "GS-1", Name: "Svalbard", Capacity: 4}}
}

func waitTerminal(t *testing.T, p *pipeline, id string) *Command {
	t.Helper()
	var final *Command
	require.Eventually(t, func() bool {
		c, err := p.store.Command(context.Background(), id)
		if err != nil {
			return false
		}
		if c.Status.Terminal() {
			final = c
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "command %s never reached a terminal status", id)
	return final
}

func TestExecutorCompletesSetMode(t *testing.T) {
	p := startPipeline(t, QueueConfig{}, defaultStations())
	ctx := context.Background()

	_, err := p.fleet.Start(satellite.Defaults("SAT-A", "Alpha"))
	require.NoError(t, err)

	sub := p.bus.Subscribe("commands:updates")
	defer sub.Close()

	cmd, err := p.queue.Enqueue(ctx, "SAT-A", "set_mode", map[string]any{"mode": "safe"}, EnqueueOptions{})
	require.NoError(t, err)
	p.queue.Kick()

	final := waitTerminal(t, p, cmd.ID)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "safe", final.Result["mode"])

	actor, ok := p.fleet.Lookup("SAT-A")
	require.True(t, ok)
	state, err := actor.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, satellite.ModeSafe, state.Mode)

	// One update per status change, in lifecycle order.
	want := []Status{StatusQueued, StatusPending, StatusAcknowledged, StatusExecuting, StatusCompleted}
	for i, status := range want {
		update := recvUpdate(t, sub)
		assert.Equal(t, status, update.Status, "update %d", i)
	}
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected extra update: %#v", msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}

	// The uplink is released once the worker winds down.
	assert.Eventually(t, func() bool {
		for _, gs := range p.stations.Snapshot() {
			if gs.Load != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorFailsWithoutGroundStation(t *testing.T) {
	p := startPipeline(t, QueueConfig{MaxRetries: 0}, nil)
	ctx := context.Background()

	_, err := p.fleet.Start(satellite.Defaults("SAT-A", "Alpha"))
	require.NoError(t, err)

	cmd, err := p.queue.Enqueue(ctx, "SAT-A", "set_mode", map[string]any{"mode": "safe"}, EnqueueOptions{})
	require.NoError(t, err)
	p.queue.Kick()

	final := waitTerminal(t, p, cmd.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "no_ground_station", final.ErrorKind)
}

func TestExecutorFailsWhenSatelliteNotRunning(t *testing.T) {
	p := startPipeline(t, QueueConfig{MaxRetries: 0}, defaultStations())
	ctx := context.Background()

	cmd, err := p.queue.Enqueue(ctx, "SAT-GHOST", "collect_telemetry", nil, EnqueueOptions{})
	require.NoError(t, err)
	p.queue.Kick()

	final := waitTerminal(t, p, cmd.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "not_found", final.ErrorKind)
	assert.Contains(t, final.Error, "not running")
}

func TestExecutorRejectsBadPayload(t *testing.T) {
	p := startPipeline(t, QueueConfig{MaxRetries: 0}, defaultStations())
	ctx := context.Background()

	_, err := p.fleet.Start(satellite.Defaults("SAT-A", "Alpha"))
	require.NoError(t, err)

	cases := []struct {
		typ     string
		payload map[string]any
	}{
		{"set_mode", map[string]any{"mode": "panic"}},
		{"update_energy", map[string]any{"delta": "a lot"}},
	}
	for _, tc := range cases {
		cmd, err := p.queue.Enqueue(ctx, "SAT-A", tc.typ, tc.payload, EnqueueOptions{})
		require.NoError(t, err)
		p.queue.Kick()

		final := waitTerminal(t, p, cmd.ID)
		assert.Equal(t, StatusFailed, final.Status, "type %s", tc.typ)
		assert.Equal(t, "validation", final.ErrorKind, "type %s", tc.typ)
	}
}

func TestExecutorUpdateEnergyMovesTheNeedle(t *testing.T) {
	p := startPipeline(t, QueueConfig{}, defaultStations())
	ctx := context.Background()

	_, err := p.fleet.Start(satellite.Defaults("SAT-A", "Alpha"))
	require.NoError(t, err)

	cmd, err := p.queue.Enqueue(ctx, "SAT-A", "update_energy", map[string]any{"delta": -85}, EnqueueOptions{})
	require.NoError(t, err)
	p.queue.Kick()

	final := waitTerminal(t, p, cmd.ID)
	require.Equal(t, StatusCompleted, final.Status)
	assert.InDelta(t, 15.0, final.Result["energy"], 0.001)
	assert.Equal(t, "safe", final.Result["mode"])
}

func TestExecutorUnknownTypeSucceeds(t *testing.T) {
	p := startPipeline(t, QueueConfig{}, defaultStations())
	ctx := context.Background()

	_, err := p.fleet.Start(satellite.Defaults("SAT-A", "Alpha"))
	require.NoError(t, err)

	cmd, err := p.queue.Enqueue(ctx, "SAT-A", "deploy_solar_sail", map[string]any{"angle": 30}, EnqueueOptions{})
	require.NoError(t, err)
	p.queue.Kick()

	final := waitTerminal(t, p, cmd.ID)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "ok", final.Result["status"])
	assert.Equal(t, "deploy_solar_sail", final.Result["type"])
}

func TestExecutorRebootResetsActor(t *testing.T) {
	p := startPipeline(t, QueueConfig{}, defaultStations())
	ctx := context.Background()

	actor, err := p.fleet.Start(satellite.Defaults("SAT-A", "Alpha"))
	require.NoError(t, err)
	_, err = actor.UpdateEnergy(ctx, -60)
	require.NoError(t, err)

	cmd, err := p.queue.Enqueue(ctx, "SAT-A", "reboot", nil, EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	p.queue.Kick()

	final := waitTerminal(t, p, cmd.ID)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, true, final.Result["rebooted"])

	fresh, ok := p.fleet.Lookup("SAT-A")
	require.True(t, ok)
	state, err := fresh.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, state.Energy)
	assert.Equal(t, satellite.ModeNominal, state.Mode)
}

func TestExecutorSerializesPerSatellite(t *testing.T) {
	p := startPipeline(t, QueueConfig{TickInterval: 10 * time.Millisecond}, defaultStations())
	ctx := context.Background()

	_, err := p.fleet.Start(satellite.Defaults("SAT-B", "Beta"))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 6; i++ {
		cmd, err := p.queue.Enqueue(ctx, "SAT-B", "collect_telemetry", nil, EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, cmd.ID)
		time.Sleep(time.Millisecond) // distinct insertion order
	}

	// Watch occupancy while the batch drains.
	deadline := time.After(5 * time.Second)
	for {
		snap := p.queue.Snapshot()
		require.LessOrEqual(t, len(snap.InFlight), 1, "at most one in flight")
		if snap.TotalQueued == 0 && len(snap.InFlight) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batch never drained")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// All completed in insertion order.
	var finished []time.Time
	for _, id := range ids {
		c, err := p.store.Command(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, c.Status)
		finished = append(finished, c.CompletedAt)
	}
	for i := 1; i < len(finished); i++ {
		assert.False(t, finished[i].Before(finished[i-1]), "completion order broke at %d", i)
	}
}
