package command

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/breaker"
	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/faults"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/station"
)

// delaySpec is the simulated on-board processing time for one command type.
type delaySpec struct {
	base   time.Duration
	jitter time.Duration
}

var processingDelays = map[string]delaySpec{
	"collect_telemetry": {60 * time.Second, 5 * time.Second},
	"set_mode":          {time.Second, 2 * time.Second},
	"system_diagnostic": {30 * time.Second, 5 * time.Second},
	"update_energy":     {500 * time.Millisecond, time.Second},
	"download_data":     {2 * time.Second, 4 * time.Second},
	"reboot":            {60 * time.Second, 5 * time.Second},
}

var defaultDelay = delaySpec{time.Second, 2 * time.Second}

// ExecutorConfig tunes the simulated ground link.
type ExecutorConfig struct {
	BaseTransmissionDelay time.Duration
	TransmissionJitter    time.Duration
	// DelayScale multiplies every simulated delay. 1.0 is real time; 0
	// disables the simulation entirely.
	DelayScale float64
}

// Executor consumes dispatch events and walks each command through
// acknowledge, execute and complete-or-fail against the target actor,
// simulating transmission and processing latency on the way.
//
// One detached worker runs per event. Per-satellite serialization comes
// from the queue's single dispatch slot, not from the executor.
type Executor struct {
	queue    *Queue
	fleet    *satellite.Registry
	stations *station.Selector
	breakers *breaker.Registry
	bus      *bus.Bus
	log      *zap.Logger
	cfg      ExecutorConfig
}

// NewExecutor wires the executor. Run must be started for commands to
// make progress after dispatch.
func NewExecutor(q *Queue, fleet *satellite.Registry, stations *station.Selector, breakers *breaker.Registry, b *bus.Bus, log *zap.Logger, cfg ExecutorConfig) *Executor {
	if cfg.DelayScale < 0 {
		cfg.DelayScale = 0
	}
	return &Executor{
		queue:    q,
		fleet:    fleet,
		stations: stations,
		breakers: breakers,
		bus:      b,
		log:      log.Named("executor"),
		cfg:      cfg,
	}
}

// Run consumes dispatch events until ctx is done, then waits for live
// workers to wind down.
func (e *Executor) Run(ctx context.Context) error {
	sub := e.bus.Subscribe("commands:dispatch")
	defer sub.Close()
	e.log.Info("command executor running")

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case msg := <-sub.C:
			cmd, ok := msg.Payload.(*Command)
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.execute(ctx, cmd)
			}()
		}
	}
}

// execute performs one transmission attempt. Early returns without a
// report leave the command in flight for the timeout sweep, which is the
// correct outcome when the process is shutting down mid-attempt.
func (e *Executor) execute(ctx context.Context, cmd *Command) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("executor worker panicked",
				zap.String("command_id", cmd.ID),
				zap.String("satellite_id", cmd.SatelliteID),
				zap.Any("panic", r))
			_, _ = e.queue.Fail(context.Background(), cmd.ID, faults.Exception.New("executor panic: %v", r))
		}
	}()

	gs, err := e.acquireStation()
	if err != nil {
		e.fail(ctx, cmd, err)
		return
	}
	defer e.stations.Release(gs.ID)

	ack, err := e.queue.Acknowledge(ctx, cmd.ID)
	if err != nil {
		e.log.Warn("acknowledge rejected", zap.String("command_id", cmd.ID), zap.Error(err))
		return
	}
	if ack == nil {
		// Swept by the timeout pass before we got here.
		e.log.Debug("command no longer in flight", zap.String("command_id", cmd.ID))
		return
	}

	if !e.sleep(ctx, e.transmissionDelay()) {
		return
	}

	started, err := e.queue.StartExecution(ctx, cmd.ID)
	if err != nil {
		e.log.Warn("start rejected", zap.String("command_id", cmd.ID), zap.Error(err))
		return
	}
	if started == nil {
		return
	}

	if !e.sleep(ctx, e.processingDelay(cmd.Type)) {
		return
	}

	actor, alive := e.fleet.Lookup(cmd.SatelliteID)
	if !alive {
		e.fail(ctx, cmd, faults.NotFound.New("satellite %s is not running", cmd.SatelliteID))
		return
	}

	result, err := e.handle(ctx, cmd, actor, gs)
	if err != nil {
		e.fail(ctx, cmd, err)
		return
	}
	if _, err := e.queue.Complete(ctx, cmd.ID, result); err != nil && !faults.Is(err, faults.NotFound) {
		e.log.Warn("complete rejected", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

// acquireStation reserves an uplink behind the ground_station breaker.
func (e *Executor) acquireStation() (station.Info, error) {
	res, err := e.breakers.Do("ground_station", func() (any, error) {
		return e.stations.Acquire()
	})
	if err != nil {
		return station.Info{}, err
	}
	gs, ok := res.(station.Info)
	if !ok {
		return station.Info{}, faults.NoGroundStation.New("ground station lookup returned nothing")
	}
	return gs, nil
}

// handle runs the type-specific logic against the live actor.
func (e *Executor) handle(ctx context.Context, cmd *Command, actor *satellite.Actor, gs station.Info) (map[string]any, error) {
	switch cmd.Type {
	case "set_mode":
		raw, _ := cmd.Payload["mode"].(string)
		mode, err := satellite.ParseMode(raw)
		if err != nil {
			return nil, err
		}
		state, err := actor.SetMode(ctx, mode)
		if err != nil {
			return nil, err
		}
		return map[string]any{"mode": string(state.Mode)}, nil

	case "collect_telemetry":
		state, err := actor.State(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"energy":      state.Energy,
			"memory_used": state.MemoryUsed,
			"mode":        string(state.Mode),
			"position": map[string]any{
				"x": state.Position.X,
				"y": state.Position.Y,
				"z": state.Position.Z,
			},
		}, nil

	case "update_energy":
		delta, ok := numField(cmd.Payload, "delta")
		if !ok {
			return nil, faults.Validation.New("update_energy requires a numeric delta")
		}
		state, err := actor.UpdateEnergy(ctx, delta)
		if err != nil {
			return nil, err
		}
		return map[string]any{"energy": state.Energy, "mode": string(state.Mode)}, nil

	case "system_diagnostic":
		state, err := actor.State(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"power":           map[string]any{"energy": state.Energy, "status": diagStatus(state.Energy, 20, 5)},
			"memory":          map[string]any{"used": state.MemoryUsed},
			"mode":            string(state.Mode),
			"last_heartbeat":  state.LastHeartbeat,
			"diagnostic_time": time.Now().UTC(),
		}, nil

	case "download_data":
		size, ok := numField(cmd.Payload, "size_mb")
		if !ok || size < 0 {
			size = 10
		}
		// 10ms per MB, capped at one second.
		d := time.Duration(size * float64(10*time.Millisecond))
		if d > time.Second {
			d = time.Second
		}
		if !e.sleep(ctx, e.scaled(d)) {
			return nil, faults.Timeout.Wrap(ctx.Err())
		}
		return map[string]any{"downloaded_mb": size, "station": gs.ID}, nil

	case "reboot":
		if _, err := e.fleet.Restart(ctx, cmd.SatelliteID); err != nil {
			return nil, err
		}
		return map[string]any{"rebooted": true}, nil

	default:
		// Unknown types are accepted so new uplink vocabularies can roll
		// out ahead of ground software.
		return map[string]any{"status": "ok", "type": cmd.Type}, nil
	}
}

func (e *Executor) fail(ctx context.Context, cmd *Command, cause error) {
	if _, err := e.queue.Fail(ctx, cmd.ID, cause); err != nil && !faults.Is(err, faults.NotFound) {
		e.log.Warn("fail report rejected", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

func (e *Executor) transmissionDelay() time.Duration {
	d := e.cfg.BaseTransmissionDelay
	if e.cfg.TransmissionJitter > 0 {
		d += time.Duration(rand.Int63n(int64(e.cfg.TransmissionJitter)))
	}
	return e.scaled(d)
}

func (e *Executor) processingDelay(cmdType string) time.Duration {
	spec, ok := processingDelays[cmdType]
	if !ok {
		spec = defaultDelay
	}
	d := spec.base
	if spec.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(spec.jitter)))
	}
	return e.scaled(d)
}

func (e *Executor) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * e.cfg.DelayScale)
}

// sleep waits d unless ctx ends first.
func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func diagStatus(value, warn, critical float64) string {
	switch {
	case value <= critical:
		return "critical"
	case value <= warn:
		return "warning"
	default:
		return "ok"
	}
}

// numField coerces a payload field to float64 across the numeric shapes
// JSON decoding and in-process callers produce.
func numField(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f, true
		}
	}
	return 0, false
}
