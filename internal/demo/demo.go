// Package demo seeds a small constellation and feeds it synthetic
// telemetry so the daemon, CLI, and dashboard can be exercised end-to-end
// without a real ground segment. Values random-walk inside plausible bands
// and occasionally dip low enough to trip the real alarm thresholds.
package demo

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/satellite"
	"github.com/stellarops/stellarops/internal/telemetry"
)

// Seeder is the slice of the durable store the runner needs to register
// its demo satellites.
type Seeder interface {
	InsertSatellite(ctx context.Context, s *satellite.Satellite) error
}

// catalog entries mirror a few real LEO birds so ids and NORAD numbers
// look right in the UI.
var catalog = []struct {
	id      string
	name    string
	noradID int
}{
	{"DEMO-AQUA", "Aqua", 27424},
	{"DEMO-TERRA", "Terra", 25994},
	{"DEMO-NOAA19", "NOAA 19", 33591},
	{"DEMO-METOPB", "MetOp-B", 38771},
}

// commandTypes are cycled through when the runner injects traffic into
// the queue.
var commandTypes = []string{"collect_telemetry", "adjust_orbit", "update_software", "calibrate_sensor"}

type birdState struct {
	energy      float64
	memory      float64
	temperature float64
}

// Runner generates the demo workload.
type Runner struct {
	Interval time.Duration

	seeder   Seeder
	fleet    *satellite.Registry
	queue    *command.Queue
	ingester *telemetry.Ingester
	log      *zap.Logger

	state map[string]*birdState
	tick  int
}

// New builds a runner with the default cadence.
func New(seeder Seeder, fleet *satellite.Registry, queue *command.Queue, ingester *telemetry.Ingester, log *zap.Logger) *Runner {
	return &Runner{
		Interval: 2 * time.Second,
		seeder:   seeder,
		fleet:    fleet,
		queue:    queue,
		ingester: ingester,
		log:      log.Named("demo"),
		state:    make(map[string]*birdState),
	}
}

// Run seeds the constellation and then reports telemetry for every bird on
// each tick until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	r.seed(ctx)
	r.log.Info("demo mode active", zap.Int("satellites", len(catalog)))

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.step(ctx)
		}
	}
}

func (r *Runner) seed(ctx context.Context) {
	for _, c := range catalog {
		s := satellite.Defaults(c.id, c.name)
		s.NoradID = c.noradID
		s.CreatedAt = time.Now().UTC()
		s.UpdatedAt = s.CreatedAt

		// AlreadyExists just means a previous run seeded the store.
		if err := r.seeder.InsertSatellite(ctx, s); err == nil {
			r.log.Debug("seeded demo satellite", zap.String("satellite_id", c.id))
		}
		if _, err := r.fleet.Start(s); err != nil {
			r.log.Warn("demo actor start failed", zap.String("satellite_id", c.id), zap.Error(err))
			continue
		}
		r.state[c.id] = &birdState{
			energy:      70 + rand.Float64()*30,
			memory:      20 + rand.Float64()*30,
			temperature: 10 + rand.Float64()*20,
		}
	}
}

// step reports one status round and occasionally enqueues a command.
func (r *Runner) step(ctx context.Context) {
	r.tick++
	for id, st := range r.state {
		st.walk()
		_, err := r.ingester.Ingest(ctx, id, "status_report", map[string]any{
			"energy":      st.energy,
			"memory":      st.memory,
			"temperature": st.temperature,
		}, telemetry.IngestOptions{Source: "demo"})
		if err != nil {
			r.log.Warn("demo ingest failed", zap.String("satellite_id", id), zap.Error(err))
		}
	}

	// A command roughly every fifth tick keeps the queue and executor
	// visibly busy without flooding them.
	if r.tick%5 == 0 {
		c := catalog[rand.IntN(len(catalog))]
		typ := commandTypes[rand.IntN(len(commandTypes))]
		if _, err := r.queue.Enqueue(ctx, c.id, typ, nil, command.EnqueueOptions{}); err != nil {
			r.log.Warn("demo enqueue failed", zap.String("satellite_id", c.id), zap.Error(err))
		}
	}
}

// walk drifts each metric within its band. Energy slowly drains and gets a
// recharge jump when it runs low, so low-energy alarms fire now and then
// and then clear.
func (s *birdState) walk() {
	s.energy += rand.Float64()*4 - 2.5
	if s.energy < 3 {
		s.energy = 60 + rand.Float64()*40
	}
	s.energy = clamp(s.energy, 0, 100)

	s.memory += rand.Float64()*6 - 3
	s.memory = clamp(s.memory, 5, 99)

	s.temperature += rand.Float64()*4 - 2
	s.temperature = clamp(s.temperature, -50, 90)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
